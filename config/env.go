package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	berr "gsus/errors"
)

// EnvPrefix is prepended to every override variable.
const EnvPrefix = "GSUS_"

// applyEnv overrides fields from GSUS_* variables. lookup is os.LookupEnv
// outside tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"TRANSPORT":     &c.Bus.Transport,
		"SCOPE":         &c.Bus.Scope,
		"BUS_NAME":      &c.Bus.Name,
		"CODEC":         &c.Bus.Codec,
		"SOCKET":        &c.Bus.Socket,
		"LISTEN":        &c.Bus.Listen,
		"ADVERTISE":     &c.Bus.Advertise,
		"VERSION":       &c.Service.Version,
		"NATS_URL":      &c.NATS.URL,
		"NATS_PREFIX":   &c.NATS.Prefix,
		"AMQP_URL":      &c.Bridge.AMQPURL,
		"AMQP_EXCHANGE": &c.Bridge.AMQPExchange,
		"KAFKA_TOPIC":   &c.Bridge.KafkaTopic,
		"METRICS":       &c.Metrics.Listen,
		"LOG_LEVEL":     &c.Log.Level,
		"LOG_FORMAT":    &c.Log.Format,
	}
	for key, dst := range str {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	lists := map[string]*[]string{
		"SEED":          &c.Service.Seed,
		"ETCD":          &c.Etcd.Endpoints,
		"KAFKA_BROKERS": &c.Bridge.KafkaBrokers,
	}
	for key, dst := range lists {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = splitList(v)
		}
	}

	durations := map[string]*time.Duration{
		"CLIENT_TIMEOUT": &c.Client.Timeout,
		"CALL_TIMEOUT":   &c.Limits.CallTimeout,
	}
	for key, dst := range durations {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %v: %w", EnvPrefix, key, err, berr.ErrConfig)
			}
			*dst = d
		}
	}

	if v, ok := lookup(EnvPrefix + "RATE"); ok {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sRATE: %v: %w", EnvPrefix, err, berr.ErrConfig)
		}
		c.Limits.Rate = r
	}
	if v, ok := lookup(EnvPrefix + "BURST"); ok {
		b, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sBURST: %v: %w", EnvPrefix, err, berr.ErrConfig)
		}
		c.Limits.Burst = b
	}
	return nil
}

// splitList splits a comma-separated value, dropping empty elements.
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
