package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	berr "gsus/errors"
	"gsus/message"
)

// Producer is the slice of a Kafka client the sink needs.
type Producer interface {
	Produce(ctx context.Context, topic string, key, value []byte) error
	Close()
}

// KafkaSink writes signals to one topic, keyed by RoutingKey so that every
// signal of an interface lands in the same partition in order.
type KafkaSink struct {
	prod  Producer
	topic string
	now   func() time.Time
}

func NewKafkaSink(prod Producer, topic string) *KafkaSink {
	return &KafkaSink{prod: prod, topic: topic, now: time.Now}
}

// DialKafka builds a franz-go client for brokers.
func DialKafka(brokers []string, topic, clientID string) (*KafkaSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic required: %w", berr.ErrConfig)
	}
	opts := []kgo.Opt{kgo.SeedBrokers(brokers...), kgo.DefaultProduceTopic(topic)}
	if clientID != "" {
		opts = append(opts, kgo.ClientID(clientID))
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %v: %w", err, berr.ErrTransport)
	}
	return NewKafkaSink(kgoProducer{cl: cl}, topic), nil
}

func (s *KafkaSink) Name() string { return "kafka:" + s.topic }

func (s *KafkaSink) Forward(ctx context.Context, sig *message.Signal) error {
	body, err := marshalEvent(sig, s.now())
	if err != nil {
		return err
	}
	if err := s.prod.Produce(ctx, s.topic, []byte(RoutingKey(sig)), body); err != nil {
		return fmt.Errorf("kafka produce to %q: %w", s.topic, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	s.prod.Close()
	return nil
}

type kgoProducer struct{ cl *kgo.Client }

func (p kgoProducer) Produce(ctx context.Context, topic string, key, value []byte) error {
	return p.cl.ProduceSync(ctx, &kgo.Record{Topic: topic, Key: key, Value: value}).FirstErr()
}

func (p kgoProducer) Close() { p.cl.Close() }
