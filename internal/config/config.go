// Package config provides the cluster configuration: a YAML file with
// environment overrides, validated once and then treated as immutable.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the supervisor. A *Config obtained from
// a Store must not be modified; use Clone and Store.Replace instead.
type Config struct {
	// Fleet shape
	MaxNodes  int `yaml:"max_nodes"`
	StartPort int `yaml:"start_port"`
	BatchSize int `yaml:"batch_size"`

	// Health monitoring
	HealthInterval     time.Duration `yaml:"health_interval"`
	HealthTimeout      time.Duration `yaml:"health_timeout"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
	StartGrace         time.Duration `yaml:"start_grace"`

	// Process control
	StopTimeout   time.Duration `yaml:"stop_timeout"`
	LaunchCommand []string      `yaml:"launch_command"`

	// Layout
	BaseDir string `yaml:"base_dir"`
	LogDir  string `yaml:"log_dir"`

	// Payload
	PayloadSource string `yaml:"payload_source"`
	PayloadRef    string `yaml:"payload_ref"`

	// Node environment. PortKey is always set from the allocated port and
	// overrides any value in EnvTemplate.
	EnvTemplate map[string]string `yaml:"env_template"`
	PortKey     string            `yaml:"port_key"`

	// Supervisor surface
	APIAddr  string `yaml:"api_addr"`
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.TempDir()
	}
	root := filepath.Join(home, ".fleet")
	return &Config{
		MaxNodes:           10,
		StartPort:          8070,
		BatchSize:          4,
		HealthInterval:     30 * time.Second,
		HealthTimeout:      5 * time.Second,
		UnhealthyThreshold: 1,
		StartGrace:         10 * time.Second,
		StopTimeout:        10 * time.Second,
		LaunchCommand:      []string{"./start.sh"},
		BaseDir:            filepath.Join(root, "nodes"),
		LogDir:             filepath.Join(root, "logs"),
		EnvTemplate:        map[string]string{},
		PortKey:            "PORT",
		APIAddr:            "127.0.0.1:8069",
		LogLevel:           "info",
	}
}

// DefaultPath returns the config file location used when none is given.
func DefaultPath() string {
	if p := os.Getenv("FLEET_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(filepath.Dir(Default().BaseDir), "config.yaml")
}

// Load reads the YAML file at path on top of Default, then applies FLEET_*
// environment overrides and validates the result. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML through a temp file and rename.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Validate checks that the configuration describes a usable fleet.
func (c *Config) Validate() error {
	if c.MaxNodes <= 0 {
		return fmt.Errorf("max_nodes must be positive, got %d", c.MaxNodes)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.StartPort < 1 || c.StartPort+c.MaxNodes-1 > 65535 {
		return fmt.Errorf("port range %d-%d is outside 1-65535", c.StartPort, c.StartPort+c.MaxNodes-1)
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("health_interval must be positive, got %s", c.HealthInterval)
	}
	if c.HealthTimeout <= 0 {
		return fmt.Errorf("health_timeout must be positive, got %s", c.HealthTimeout)
	}
	if c.UnhealthyThreshold <= 0 {
		return fmt.Errorf("unhealthy_threshold must be positive, got %d", c.UnhealthyThreshold)
	}
	if c.StartGrace < 0 || c.StopTimeout < 0 {
		return fmt.Errorf("start_grace and stop_timeout must not be negative")
	}
	if len(c.LaunchCommand) == 0 || c.LaunchCommand[0] == "" {
		return fmt.Errorf("launch_command is required")
	}
	if c.BaseDir == "" || c.LogDir == "" {
		return fmt.Errorf("base_dir and log_dir are required")
	}
	if c.PortKey == "" {
		return fmt.Errorf("port_key is required")
	}
	return nil
}

// Clone returns a deep copy that can be edited and passed to Store.Replace.
func (c *Config) Clone() *Config {
	out := *c
	out.LaunchCommand = append([]string(nil), c.LaunchCommand...)
	out.EnvTemplate = make(map[string]string, len(c.EnvTemplate))
	for k, v := range c.EnvTemplate {
		out.EnvTemplate[k] = v
	}
	return &out
}

// PortRange returns the first port and the number of ports nodes may use.
func (c *Config) PortRange() (start, count int) {
	return c.StartPort, c.MaxNodes
}

// Set returns a copy of cfg with the named key changed. Keys are the YAML
// names; env_template entries are addressed as env_template.<KEY>, and an
// empty value removes the entry.
//
// Example:
//
//	next, err := config.Set(cur, "batch_size", "8")
func Set(cfg *Config, key, value string) (*Config, error) {
	out := cfg.Clone()
	var err error

	if name, ok := strings.CutPrefix(key, "env_template."); ok {
		if name == "" {
			return nil, fmt.Errorf("empty env_template key")
		}
		if value == "" {
			delete(out.EnvTemplate, name)
		} else {
			out.EnvTemplate[name] = value
		}
		return out, nil
	}

	switch key {
	case "max_nodes":
		out.MaxNodes, err = strconv.Atoi(value)
	case "start_port":
		out.StartPort, err = strconv.Atoi(value)
	case "batch_size":
		out.BatchSize, err = strconv.Atoi(value)
	case "health_interval":
		out.HealthInterval, err = time.ParseDuration(value)
	case "health_timeout":
		out.HealthTimeout, err = time.ParseDuration(value)
	case "unhealthy_threshold":
		out.UnhealthyThreshold, err = strconv.Atoi(value)
	case "start_grace":
		out.StartGrace, err = time.ParseDuration(value)
	case "stop_timeout":
		out.StopTimeout, err = time.ParseDuration(value)
	case "launch_command":
		out.LaunchCommand = strings.Fields(value)
	case "base_dir":
		out.BaseDir = value
	case "log_dir":
		out.LogDir = value
	case "payload_source":
		out.PayloadSource = value
	case "payload_ref":
		out.PayloadRef = value
	case "port_key":
		out.PortKey = value
	case "api_addr":
		out.APIAddr = value
	case "log_level":
		out.LogLevel = value
	default:
		return nil, fmt.Errorf("unknown config key %q", key)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// LayoutKeys locate node state on disk and in each node's environment.
// Changing one while nodes are installed would strand them.
var LayoutKeys = []string{"base_dir", "log_dir", "port_key"}

// StartupKeys are read once, when a supervisor process builds its
// components. A running process cannot pick up changes to them.
var StartupKeys = []string{"base_dir", "log_dir", "port_key", "payload_source", "payload_ref", "api_addr", "log_level"}

// Changed returns those of keys whose values differ between a and b.
// Only the string-valued keys of LayoutKeys and StartupKeys are compared.
func Changed(a, b *Config, keys []string) []string {
	var out []string
	for _, key := range keys {
		if get, ok := stringKeys[key]; ok && get(a) != get(b) {
			out = append(out, key)
		}
	}
	return out
}

var stringKeys = map[string]func(*Config) string{
	"base_dir":       func(c *Config) string { return c.BaseDir },
	"log_dir":        func(c *Config) string { return c.LogDir },
	"port_key":       func(c *Config) string { return c.PortKey },
	"payload_source": func(c *Config) string { return c.PayloadSource },
	"payload_ref":    func(c *Config) string { return c.PayloadRef },
	"api_addr":       func(c *Config) string { return c.APIAddr },
	"log_level":      func(c *Config) string { return c.LogLevel },
}

func applyEnv(cfg *Config) {
	cfg.MaxNodes = getIntEnv("FLEET_MAX_NODES", cfg.MaxNodes)
	cfg.StartPort = getIntEnv("FLEET_START_PORT", cfg.StartPort)
	cfg.BatchSize = getIntEnv("FLEET_BATCH_SIZE", cfg.BatchSize)
	cfg.HealthInterval = getDurationEnv("FLEET_HEALTH_INTERVAL", cfg.HealthInterval)
	cfg.HealthTimeout = getDurationEnv("FLEET_HEALTH_TIMEOUT", cfg.HealthTimeout)
	cfg.BaseDir = getEnv("FLEET_BASE_DIR", cfg.BaseDir)
	cfg.LogDir = getEnv("FLEET_LOG_DIR", cfg.LogDir)
	cfg.PayloadSource = getEnv("FLEET_PAYLOAD_SOURCE", cfg.PayloadSource)
	cfg.APIAddr = getEnv("FLEET_API_ADDR", cfg.APIAddr)
	cfg.LogLevel = getEnv("FLEET_LOG_LEVEL", cfg.LogLevel)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
