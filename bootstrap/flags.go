package bootstrap

import (
	"time"

	"gsus/config"
)

// Flags are the command-line overrides shared by gsusd and gsus. Empty
// values leave the loaded configuration alone.
type Flags struct {
	Config    string        `short:"c" help:"Configuration file path" env:"GSUS_CONFIG" type:"path"`
	Transport string        `help:"Transport: dbus, socket or nats"`
	Scope     string        `help:"Bus scope: system or user"`
	Socket    string        `help:"Unix socket path for the socket transport" type:"path"`
	Timeout   time.Duration `help:"Reply timeout for client calls"`
	Verbose   bool          `short:"v" help:"Enable verbose logging"`
}

// Load reads the configuration, applies the flags on top and validates the result.
func (f *Flags) Load() (*config.Config, error) {
	cfg, err := config.Load(f.Config)
	if err != nil {
		return nil, err
	}
	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *Flags) apply(cfg *config.Config) {
	if f.Transport != "" {
		cfg.Bus.Transport = f.Transport
	}
	if f.Scope != "" {
		cfg.Bus.Scope = f.Scope
	}
	if f.Socket != "" {
		cfg.Bus.Socket = f.Socket
	}
	if f.Timeout > 0 {
		cfg.Client.Timeout = f.Timeout
	}
	if f.Verbose {
		cfg.Log.Level = "debug"
	}
}
