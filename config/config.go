// Package config loads daemon and client settings.
//
// Sources, later ones winning: built-in defaults, the YAML file (with
// ${VAR} expansion), a .env file in the working directory, GSUS_*
// environment variables, then command-line flags applied by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	berr "gsus/errors"
	"gsus/service"
	"gsus/version"
)

// Transports selectable in bus.transport.
const (
	TransportDBus   = "dbus"
	TransportSocket = "socket"
	TransportNATS   = "nats"
)

type Config struct {
	Bus     BusConfig     `yaml:"bus"`
	Service ServiceConfig `yaml:"service"`
	Etcd    EtcdConfig    `yaml:"etcd"`
	NATS    NATSConfig    `yaml:"nats"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Limits  LimitsConfig  `yaml:"limits"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
	Client  ClientConfig  `yaml:"client"`
}

type BusConfig struct {
	Transport string `yaml:"transport"`
	Scope     string `yaml:"scope"` // system or user
	Name      string `yaml:"name"`
	Path      string `yaml:"path"`
	Interface string `yaml:"interface"`
	Codec     string `yaml:"codec"` // binary or json; socket and nats only

	// socket transport
	Socket    string `yaml:"socket,omitempty"`    // unix socket path; defaults per scope
	Listen    string `yaml:"listen,omitempty"`    // tcp listen address instead of a unix socket
	Advertise string `yaml:"advertise,omitempty"` // address published in etcd
}

type ServiceConfig struct {
	Version string   `yaml:"version"`
	Seed    []string `yaml:"seed,omitempty"` // initial list contents
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints,omitempty"`
	TTL         int64         `yaml:"ttl"` // lease seconds
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type NATSConfig struct {
	URL    string `yaml:"url,omitempty"`
	Prefix string `yaml:"prefix"`
	Name   string `yaml:"name,omitempty"`
}

type BridgeConfig struct {
	AMQPURL      string        `yaml:"amqp_url,omitempty"`
	AMQPExchange string        `yaml:"amqp_exchange"`
	KafkaBrokers []string      `yaml:"kafka_brokers,omitempty"`
	KafkaTopic   string        `yaml:"kafka_topic"`
	QueueSize    int           `yaml:"queue_size"`
	Timeout      time.Duration `yaml:"timeout"`
}

type LimitsConfig struct {
	Rate        float64       `yaml:"rate"` // calls per second; 0 disables limiting
	Burst       int           `yaml:"burst"`
	CallTimeout time.Duration `yaml:"call_timeout"` // handler deadline; 0 disables
}

type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"` // empty disables the endpoint
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type ClientConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Transport: TransportDBus,
			Scope:     "system",
			Name:      service.BusName,
			Path:      service.ObjectPath,
			Interface: service.Interface,
			Codec:     "binary",
		},
		Service: ServiceConfig{Version: version.Version},
		Etcd:    EtcdConfig{TTL: 10, DialTimeout: 5 * time.Second},
		NATS:    NATSConfig{Prefix: "gsus"},
		Bridge: BridgeConfig{
			AMQPExchange: "gsus.signals",
			KafkaTopic:   "gsus-signals",
			QueueSize:    256,
			Timeout:      5 * time.Second,
		},
		Limits: LimitsConfig{Burst: 1},
		Log:    LogConfig{Level: "info", Format: "text"},
		Client: ClientConfig{Timeout: 25 * time.Second},
	}
}

// Load reads path (optional) over the defaults and applies .env and GSUS_*
// overrides. It does not validate; callers apply flags and then Validate.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %v: %w", err, berr.ErrConfig)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %v: %w", err, berr.ErrConfig)
		}
		if err := cfg.decode(bytes.NewReader([]byte(os.ExpandEnv(string(data))))); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode rejects unknown keys so that typos surface at startup.
func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %v: %w", err, berr.ErrConfig)
	}
	return nil
}

// Validate checks the settings the selected transport depends on.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Bus.Transport {
	case TransportDBus, TransportSocket:
	case TransportNATS:
		if c.NATS.URL == "" {
			bad("nats.url is required for the nats transport")
		}
	default:
		bad("bus.transport %q: want dbus, socket or nats", c.Bus.Transport)
	}
	if c.Bus.Scope != "system" && c.Bus.Scope != "user" {
		bad("bus.scope %q: want system or user", c.Bus.Scope)
	}
	if c.Bus.Codec != "binary" && c.Bus.Codec != "json" {
		bad("bus.codec %q: want binary or json", c.Bus.Codec)
	}
	if c.Bus.Name == "" || c.Bus.Path == "" || c.Bus.Interface == "" {
		bad("bus.name, bus.path and bus.interface are required")
	}
	if c.Bus.Listen != "" && c.Bus.Transport != TransportSocket {
		bad("bus.listen only applies to the socket transport")
	}
	if c.Etcd.TTL <= 0 {
		bad("etcd.ttl must be positive")
	}
	if c.Limits.Rate < 0 || (c.Limits.Rate > 0 && c.Limits.Burst <= 0) {
		bad("limits: rate must be >= 0 and burst > 0 when rate is set")
	}
	if c.Bridge.QueueSize <= 0 {
		bad("bridge.queue_size must be positive")
	}
	if c.Client.Timeout < 0 {
		bad("client.timeout must not be negative")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		bad("log.level %q: %v", c.Log.Level, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		bad("log.format %q: want text or json", c.Log.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", berr.ErrConfig, errors.Join(errs...))
	}
	return nil
}

// SlogLevel parses Level as a slog level name (debug, info, warn, error).
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(l.Level))
	return lvl, err
}
