package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadMissingFileUsesDefaults verifies a fresh install runs without a config file.
func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.MaxNodes, cfg.MaxNodes)
	assert.Equal(t, 8070, cfg.StartPort)
	assert.Equal(t, "PORT", cfg.PortKey)
	assert.Equal(t, 1, cfg.UnhealthyThreshold)
}

// TestLoadFile reads durations, lists and maps from YAML.
func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_nodes: 4
start_port: 9000
batch_size: 2
health_interval: 15s
health_timeout: 2s
launch_command: ["node", "index.js"]
base_dir: /srv/fleet/nodes
log_dir: /srv/fleet/logs
env_template:
  API_KEY: abc
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxNodes)
	assert.Equal(t, 9000, cfg.StartPort)
	assert.Equal(t, 15*time.Second, cfg.HealthInterval)
	assert.Equal(t, 2*time.Second, cfg.HealthTimeout)
	assert.Equal(t, []string{"node", "index.js"}, cfg.LaunchCommand)
	assert.Equal(t, "abc", cfg.EnvTemplate["API_KEY"])
	// Untouched keys keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.StopTimeout)
}

// TestLoadEnvOverrides checks FLEET_* variables win over the file.
func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch_size: 2\n"), 0o644))
	t.Setenv("FLEET_BATCH_SIZE", "7")
	t.Setenv("FLEET_HEALTH_INTERVAL", "1m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.BatchSize)
	assert.Equal(t, time.Minute, cfg.HealthInterval)
}

// TestLoadRejectsInvalid surfaces validation errors from the file.
func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_nodes: 0\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("max_nodes: [\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

// TestValidate covers each rejected field.
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero max nodes", func(c *Config) { c.MaxNodes = 0 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"port range overflows", func(c *Config) { c.StartPort = 65530; c.MaxNodes = 10 }},
		{"port zero", func(c *Config) { c.StartPort = 0 }},
		{"zero interval", func(c *Config) { c.HealthInterval = 0 }},
		{"zero timeout", func(c *Config) { c.HealthTimeout = 0 }},
		{"zero threshold", func(c *Config) { c.UnhealthyThreshold = 0 }},
		{"negative grace", func(c *Config) { c.StartGrace = -time.Second }},
		{"empty launch", func(c *Config) { c.LaunchCommand = nil }},
		{"empty base dir", func(c *Config) { c.BaseDir = "" }},
		{"empty port key", func(c *Config) { c.PortKey = "" }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// TestSet edits keys without touching the original.
func TestSet(t *testing.T) {
	base := Default()

	next, err := Set(base, "batch_size", "8")
	require.NoError(t, err)
	assert.Equal(t, 8, next.BatchSize)
	assert.Equal(t, 4, base.BatchSize)

	next, err = Set(next, "health_timeout", "750ms")
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, next.HealthTimeout)

	next, err = Set(next, "launch_command", "npm run start")
	require.NoError(t, err)
	assert.Equal(t, []string{"npm", "run", "start"}, next.LaunchCommand)

	next, err = Set(next, "env_template.TOKEN", "xyz")
	require.NoError(t, err)
	assert.Equal(t, "xyz", next.EnvTemplate["TOKEN"])
	assert.NotContains(t, base.EnvTemplate, "TOKEN")

	next, err = Set(next, "env_template.TOKEN", "")
	require.NoError(t, err)
	assert.NotContains(t, next.EnvTemplate, "TOKEN")

	_, err = Set(base, "batch_size", "lots")
	assert.Error(t, err)
	_, err = Set(base, "batch_size", "0")
	assert.Error(t, err)
	_, err = Set(base, "no_such_key", "1")
	assert.Error(t, err)
}

// TestSaveLoadRoundTrip persists an edited config and reads it back.
func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.MaxNodes = 3
	cfg.HealthInterval = 45 * time.Second
	cfg.EnvTemplate["REGION"] = "eu"

	require.NoError(t, Save(path, cfg))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, got.MaxNodes)
	assert.Equal(t, 45*time.Second, got.HealthInterval)
	assert.Equal(t, "eu", got.EnvTemplate["REGION"])
}

// TestStoreReplace keeps the old config when the new one is invalid.
func TestStoreReplace(t *testing.T) {
	store := NewStore(Default())
	before := store.Current()

	bad := before.Clone()
	bad.BatchSize = 0
	assert.Error(t, store.Replace(bad))
	assert.Same(t, before, store.Current())

	good := before.Clone()
	good.BatchSize = 9
	require.NoError(t, store.Replace(good))
	assert.Equal(t, 9, store.Current().BatchSize)
}

// TestWatchReloads rewrites the file and waits for the store to pick it up.
func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Save(path, Default()))
	cfg, err := Load(path)
	require.NoError(t, err)
	store := NewStore(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, Watch(ctx, path, store.Replace, nil))

	edited := cfg.Clone()
	edited.BatchSize = 11
	require.NoError(t, Save(path, edited))

	assert.Eventually(t, func() bool {
		return store.Current().BatchSize == 11
	}, 2*time.Second, 20*time.Millisecond)
}

// TestWatchKeepsRejectedChange feeds an edit that apply refuses, then one it
// accepts, and checks only the second reaches the store.
func TestWatchKeepsRejectedChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Save(path, Default()))
	cfg, err := Load(path)
	require.NoError(t, err)
	store := NewStore(cfg)

	var mu sync.Mutex
	var rejected int
	apply := func(next *Config) error {
		if got := Changed(store.Current(), next, StartupKeys); len(got) > 0 {
			mu.Lock()
			rejected++
			mu.Unlock()
			return errors.New("cannot change " + strings.Join(got, ", "))
		}
		return store.Replace(next)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, Watch(ctx, path, apply, nil))

	moved := cfg.Clone()
	moved.BaseDir = filepath.Join(t.TempDir(), "elsewhere")
	moved.BatchSize = 12
	require.NoError(t, Save(path, moved))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return rejected > 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, cfg.BaseDir, store.Current().BaseDir)
	assert.NotEqual(t, 12, store.Current().BatchSize, "a rejected file is not applied in part")

	edited := cfg.Clone()
	edited.BatchSize = 13
	require.NoError(t, Save(path, edited))
	assert.Eventually(t, func() bool {
		return store.Current().BatchSize == 13
	}, 2*time.Second, 20*time.Millisecond)
}

func TestChanged(t *testing.T) {
	a := Default()
	b := a.Clone()
	assert.Empty(t, Changed(a, b, StartupKeys))

	b.PortKey = "HTTP_PORT"
	b.BatchSize = a.BatchSize + 1
	b.PayloadRef = "v2"
	assert.Equal(t, []string{"port_key"}, Changed(a, b, LayoutKeys))
	assert.Equal(t, []string{"port_key", "payload_ref"}, Changed(a, b, StartupKeys))
}
