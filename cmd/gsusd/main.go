// Command gsusd owns the gsus bus name and serves the Manager object until
// interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"gsus/bootstrap"
	"gsus/config"
	"gsus/metrics"
	"gsus/server"
	"gsus/transport"
	"gsus/version"
)

type CLI struct {
	bootstrap.Flags `embed:""`

	Seed    []string         `help:"Initial list items" sep:","`
	Metrics string           `help:"Listen address for the Prometheus endpoint, e.g. :9464"`
	Version kong.VersionFlag `help:"Show version and exit"`
}

type openFunc func(cfg *config.Config, logger *slog.Logger) (transport.Conn, func(), error)

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("gsusd"),
		kong.Description("Serve the org.gsus.Manager object on the bus."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version.Version, version.GitCommit, version.BuildTime)},
		kong.Exit(func(code int) {
			if code != 0 {
				code = 1
			}
			os.Exit(code)
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, &cli, os.Stdout, os.Stderr, bootstrap.OpenConn)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gsusd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cli *CLI, stdout, stderr io.Writer, open openFunc) error {
	cfg, err := cli.Load()
	if err != nil {
		return err
	}
	if len(cli.Seed) > 0 {
		cfg.Service.Seed = cli.Seed
	}
	if cli.Metrics != "" {
		cfg.Metrics.Listen = cli.Metrics
	}

	logger, err := bootstrap.NewLogger(cfg.Log, stderr, cli.Verbose)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	var rec bootstrap.Recorder
	if cfg.Metrics.Listen != "" {
		m := metrics.NewRecorder()
		stopMetrics, err := serveMetrics(cfg.Metrics.Listen, m, logger)
		if err != nil {
			return err
		}
		defer stopMetrics()
		rec = m
	}

	sinks, err := bootstrap.Sinks(cfg.Bridge)
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}

	srv, err := bootstrap.NewServer(cfg, logger, rec, sinks, server.WithReady(func(string) {
		fmt.Fprintln(stdout, "gsus daemon running (ctrl-c to exit).")
	}))
	if err != nil {
		return err
	}
	if m, ok := rec.(*metrics.Recorder); ok {
		m.Gauge("state_items", "Items currently held by the service", func() float64 {
			return float64(srv.State().Len())
		})
		m.Gauge("emitter_dropped_signals", "Signals dropped because a sink queue was full", func() float64 {
			return float64(srv.Emitter().Dropped())
		})
	}
	defer func() {
		if err := srv.Shutdown(); err != nil {
			logger.Warn("flushing sinks", "err", err)
		}
	}()

	conn, closeConn, err := open(cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s bus: %w", cfg.Bus.Transport, err)
	}
	defer closeConn()

	err = srv.Serve(ctx, conn, cfg.Bus.Name)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutting down")
	return nil
}

// serveMetrics exposes m on addr and returns a func that stops the listener.
func serveMetrics(addr string, m *metrics.Recorder, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	hs := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "err", err)
		}
	}()
	logger.Info("metrics listening", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	}, nil
}
