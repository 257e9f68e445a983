package bridge

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	berr "gsus/errors"
	"gsus/message"
)

const exchangeKind = "topic"

// Publisher is the slice of an AMQP channel the sink needs.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, body []byte) error
	Close() error
}

// AMQPSink publishes signals to a topic exchange keyed by RoutingKey.
type AMQPSink struct {
	pub      Publisher
	exchange string
	now      func() time.Time
}

func NewAMQPSink(pub Publisher, exchange string) *AMQPSink {
	return &AMQPSink{pub: pub, exchange: exchange, now: time.Now}
}

// DialAMQP connects to url and declares exchange as a durable topic exchange.
func DialAMQP(url, exchange string, timeout time.Duration) (*AMQPSink, error) {
	if url == "" || exchange == "" {
		return nil, fmt.Errorf("amqp url and exchange required: %w", berr.ErrConfig)
	}
	conn, err := amqp.DialConfig(url, amqp.Config{
		Properties: amqp.Table{"product": "gsus"},
		Dial:       amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %v: %w", err, berr.ErrTransport)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %v: %w", err, berr.ErrTransport)
	}
	if err := ch.ExchangeDeclare(exchange, exchangeKind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare %s: %v: %w", exchange, err, berr.ErrTransport)
	}
	return NewAMQPSink(&channelPublisher{conn: conn, ch: ch}, exchange), nil
}

func (s *AMQPSink) Name() string { return "amqp:" + s.exchange }

func (s *AMQPSink) Forward(ctx context.Context, sig *message.Signal) error {
	body, err := marshalEvent(sig, s.now())
	if err != nil {
		return err
	}
	if err := s.pub.Publish(ctx, s.exchange, RoutingKey(sig), body); err != nil {
		return fmt.Errorf("amqp publish %s: %w", RoutingKey(sig), err)
	}
	return nil
}

func (s *AMQPSink) Close() error { return s.pub.Close() }

type channelPublisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (p *channelPublisher) Publish(ctx context.Context, exchange, key string, body []byte) error {
	return p.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	})
}

func (p *channelPublisher) Close() error {
	_ = p.ch.Close()
	return p.conn.Close()
}
