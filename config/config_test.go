package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	berr "gsus/errors"
	"gsus/service"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, service.BusName, cfg.Bus.Name)
	assert.Equal(t, 25*time.Second, cfg.Client.Timeout)
	assert.Empty(t, cfg.Service.Seed)
}

func TestDecodeYAML(t *testing.T) {
	cfg := Default()
	err := cfg.decode(strings.NewReader(`
bus:
  transport: nats
  scope: user
service:
  version: "2.0"
  seed: [file-a, file-b]
nats:
  url: nats://127.0.0.1:4222
limits:
  rate: 50
  burst: 10
  call_timeout: 2s
client:
  timeout: 3s
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, TransportNATS, cfg.Bus.Transport)
	assert.Equal(t, "user", cfg.Bus.Scope)
	assert.Equal(t, "2.0", cfg.Service.Version)
	assert.Equal(t, []string{"file-a", "file-b"}, cfg.Service.Seed)
	assert.Equal(t, 2*time.Second, cfg.Limits.CallTimeout)
	assert.Equal(t, 3*time.Second, cfg.Client.Timeout)
	// untouched sections keep their defaults
	assert.Equal(t, service.ObjectPath, cfg.Bus.Path)
	assert.Equal(t, "gsus", cfg.NATS.Prefix)
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	err := Default().decode(strings.NewReader("bus:\n  tranport: dbus\n"))
	assert.True(t, errors.Is(err, berr.ErrConfig))
}

func TestDecodeEmpty(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.decode(strings.NewReader("")))
	assert.Equal(t, Default(), cfg)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"GSUS_TRANSPORT":      "socket",
		"GSUS_SCOPE":          "user",
		"GSUS_SEED":           "a, b,,c",
		"GSUS_ETCD":           "http://e1:2379,http://e2:2379",
		"GSUS_CLIENT_TIMEOUT": "1500ms",
		"GSUS_RATE":           "2.5",
		"GSUS_BURST":          "4",
		"GSUS_LOG_LEVEL":      "debug",
	}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }))

	assert.Equal(t, TransportSocket, cfg.Bus.Transport)
	assert.Equal(t, "user", cfg.Bus.Scope)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Service.Seed)
	assert.Equal(t, []string{"http://e1:2379", "http://e2:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, 1500*time.Millisecond, cfg.Client.Timeout)
	assert.Equal(t, 2.5, cfg.Limits.Rate)
	assert.Equal(t, 4, cfg.Limits.Burst)

	lvl, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestApplyEnvBadValues(t *testing.T) {
	for _, kv := range [][2]string{
		{"GSUS_CLIENT_TIMEOUT", "soon"},
		{"GSUS_RATE", "fast"},
		{"GSUS_BURST", "1.5"},
	} {
		err := Default().applyEnv(func(k string) (string, bool) {
			if k == kv[0] {
				return kv[1], true
			}
			return "", false
		})
		assert.True(t, errors.Is(err, berr.ErrConfig), kv[0])
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown transport": func(c *Config) { c.Bus.Transport = "carrier-pigeon" },
		"nats without url":  func(c *Config) { c.Bus.Transport = TransportNATS },
		"bad scope":         func(c *Config) { c.Bus.Scope = "global" },
		"bad codec":         func(c *Config) { c.Bus.Codec = "xml" },
		"empty name":        func(c *Config) { c.Bus.Name = "" },
		"listen on dbus":    func(c *Config) { c.Bus.Transport, c.Bus.Listen = TransportDBus, ":9000" },
		"rate without burst": func(c *Config) {
			c.Limits.Rate, c.Limits.Burst = 10, 0
		},
		"bad level":      func(c *Config) { c.Log.Level = "loud" },
		"bad log format": func(c *Config) { c.Log.Format = "xml" },
		"zero ttl":       func(c *Config) { c.Etcd.TTL = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.True(t, errors.Is(cfg.Validate(), berr.ErrConfig))
		})
	}
}

func TestLoadFileWithExpansion(t *testing.T) {
	t.Setenv("GSUS_TEST_BUS", "org.gsus.Expanded")
	t.Setenv("GSUS_VERSION", "9.9")

	path := filepath.Join(t.TempDir(), "gsus.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bus:\n  name: ${GSUS_TEST_BUS}\nservice:\n  version: \"1.0\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "org.gsus.Expanded", cfg.Bus.Name)
	// environment overrides win over the file
	assert.Equal(t, "9.9", cfg.Service.Version)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, berr.ErrConfig))
}
