package bootstrap

import (
	"io"
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gsus/config"
)

// NewLogger builds the process logger. verbose forces debug level.
func NewLogger(cfg config.LogConfig, w io.Writer, verbose bool) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// ZapLogger returns the logger handed to the etcd client, which only speaks zap.
// It logs at warn or above unless level asks for debug.
func ZapLogger(level slog.Level) *zap.Logger {
	zl := zapcore.WarnLevel
	if level <= slog.LevelDebug {
		zl = zapcore.DebugLevel
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zl)
	zc.OutputPaths = []string{"stderr"}
	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
