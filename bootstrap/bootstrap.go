// Package bootstrap turns a config.Config into running pieces: the daemon's
// transport and server, the client's connection, the bridge sinks and the
// middleware chain. Both binaries share it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gsus/bridge"
	"gsus/codec"
	"gsus/config"
	berr "gsus/errors"
	"gsus/middleware"
	"gsus/registry"
	"gsus/server"
	"gsus/service"
	"gsus/state"
	"gsus/transport"
	"gsus/transport/dbusconn"
	"gsus/transport/natsbus"
)

// Recorder collects call and signal metrics.
type Recorder interface {
	middleware.CallRecorder
	server.SignalRecorder
}

func codecType(name string) codec.CodecType {
	if name == "json" {
		return codec.CodecTypeJSON
	}
	return codec.CodecTypeBinary
}

// socketAddress picks the socket transport's network and address.
func socketAddress(bus config.BusConfig) (network, address string) {
	if bus.Listen != "" {
		return "tcp", bus.Listen
	}
	if bus.Socket != "" {
		return "unix", bus.Socket
	}
	return "unix", transport.SocketPath(transport.Scope(bus.Scope))
}

// OpenRegistry connects to etcd when endpoints are configured. It returns a
// nil Registry otherwise.
func OpenRegistry(cfg *config.Config, logger *slog.Logger) (registry.Registry, error) {
	if len(cfg.Etcd.Endpoints) == 0 {
		return nil, nil
	}
	level, _ := cfg.Log.SlogLevel()
	reg, err := registry.NewEtcdRegistry(registry.EtcdConfig{
		Endpoints:   cfg.Etcd.Endpoints,
		DialTimeout: cfg.Etcd.DialTimeout,
		Logger:      ZapLogger(level),
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("etcd registry ready", "endpoints", cfg.Etcd.Endpoints)
	return reg, nil
}

// OpenConn opens the daemon side of the configured transport. The returned
// cleanup closes the connection and anything opened for it.
func OpenConn(cfg *config.Config, logger *slog.Logger) (transport.Conn, func(), error) {
	switch cfg.Bus.Transport {
	case config.TransportDBus:
		conn, err := dbusconn.Open(transport.Scope(cfg.Bus.Scope), logger)
		if err != nil {
			return nil, nil, err
		}
		return conn, func() { _ = conn.Close() }, nil

	case config.TransportSocket:
		network, address := socketAddress(cfg.Bus)
		var reg registry.Registry
		if network == "tcp" {
			var err error
			if reg, err = OpenRegistry(cfg, logger); err != nil {
				return nil, nil, err
			}
		}
		conn, err := transport.OpenSocket(transport.SocketConfig{
			Network:     network,
			Address:     address,
			Registry:    reg,
			Advertise:   cfg.Bus.Advertise,
			RegistryTTL: cfg.Etcd.TTL,
			Version:     cfg.Service.Version,
			Logger:      logger,
		})
		if err != nil {
			closeRegistry(reg)
			return nil, nil, err
		}
		return conn, func() { _ = conn.Close(); closeRegistry(reg) }, nil

	case config.TransportNATS:
		reg, err := OpenRegistry(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		var opts []natsbus.Option
		if reg != nil {
			opts = append(opts, natsbus.WithRegistry(reg, cfg.Etcd.TTL))
		}
		conn, err := natsbus.Open(natsConfig(cfg, "gsusd"), logger, opts...)
		if err != nil {
			closeRegistry(reg)
			return nil, nil, err
		}
		return conn, func() { _ = conn.Close(); closeRegistry(reg) }, nil
	}
	return nil, nil, fmt.Errorf("transport %q: %w", cfg.Bus.Transport, berr.ErrConfig)
}

// DialClient opens the client side of the configured transport. Over TCP the
// daemon's address comes from etcd when endpoints are configured.
func DialClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.ClientConn, error) {
	switch cfg.Bus.Transport {
	case config.TransportDBus:
		cl, err := dbusconn.Dial(transport.Scope(cfg.Bus.Scope))
		if err != nil {
			return nil, err
		}
		return cl, nil

	case config.TransportSocket:
		network, address := socketAddress(cfg.Bus)
		if network == "tcp" {
			if cfg.Bus.Advertise != "" {
				address = cfg.Bus.Advertise
			}
			reg, err := OpenRegistry(cfg, logger)
			if err != nil {
				return nil, err
			}
			if reg != nil {
				inst, err := reg.Discover(ctx, cfg.Bus.Name)
				closeRegistry(reg)
				if err != nil {
					return nil, err
				}
				address = inst.Addr
			}
		}
		cl, err := transport.DialSocket(ctx, network, address, codecType(cfg.Bus.Codec), transport.DefaultHeartbeat)
		if err != nil {
			return nil, err
		}
		return cl, nil

	case config.TransportNATS:
		cl, err := natsbus.Dial(natsConfig(cfg, "gsus"))
		if err != nil {
			return nil, err
		}
		return cl, nil
	}
	return nil, fmt.Errorf("transport %q: %w", cfg.Bus.Transport, berr.ErrConfig)
}

func natsConfig(cfg *config.Config, client string) natsbus.Config {
	name := cfg.NATS.Name
	if name == "" {
		name = client
	}
	return natsbus.Config{
		URL:    cfg.NATS.URL,
		Name:   name,
		Prefix: cfg.NATS.Prefix,
		Codec:  codecType(cfg.Bus.Codec),
	}
}

func closeRegistry(reg registry.Registry) {
	if reg != nil {
		_ = reg.Close()
	}
}

// Sinks dials the configured bridge brokers.
func Sinks(cfg config.BridgeConfig) ([]server.Sink, error) {
	var sinks []server.Sink
	if cfg.AMQPURL != "" {
		s, err := bridge.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if len(cfg.KafkaBrokers) > 0 {
		s, err := bridge.DialKafka(cfg.KafkaBrokers, cfg.KafkaTopic, "gsusd")
		if err != nil {
			return nil, errors.Join(err, closeSinks(sinks))
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func closeSinks(sinks []server.Sink) error {
	var errs []error
	for _, s := range sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Middlewares returns the dispatch chain for cfg, outermost first.
// rec may be nil.
func Middlewares(cfg config.LimitsConfig, logger *slog.Logger, rec middleware.CallRecorder) []middleware.Middleware {
	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger)}
	if rec != nil {
		mws = append(mws, middleware.MetricsMiddleware(rec))
	}
	if cfg.Rate > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.Rate, cfg.Burst))
	}
	if cfg.CallTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(cfg.CallTimeout))
	}
	return mws
}

// NewServer builds the Manager object with its seeded state. rec may be nil.
// opts are applied after the ones derived from cfg.
func NewServer(cfg *config.Config, logger *slog.Logger, rec Recorder, sinks []server.Sink, opts ...server.Option) (*server.Server, error) {
	st := state.New(cfg.Service.Version, cfg.Service.Seed...)

	emitterOpts := []server.EmitterOption{server.WithSinks(cfg.Bridge.QueueSize, cfg.Bridge.Timeout, sinks...)}
	var callRec middleware.CallRecorder
	if rec != nil {
		emitterOpts = append(emitterOpts, server.WithSignalRecorder(rec))
		callRec = rec
	}

	opts = append([]server.Option{
		server.WithLogger(logger),
		server.WithEmitterOptions(emitterOpts...),
	}, opts...)
	srv := server.NewServer(cfg.Bus.Path, cfg.Bus.Interface, st, opts...)
	if err := service.Register(srv.Registry(), srv.Emitter()); err != nil {
		return nil, err
	}
	for _, mw := range Middlewares(cfg.Limits, logger, callRec) {
		srv.Use(mw)
	}
	return srv, nil
}
