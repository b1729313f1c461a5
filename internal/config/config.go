// Package config loads memsync runtime configuration from YAML.
//
// Unknown fields are rejected so typos fail loudly. A handful of
// environment variables override file values, for secrets that should not
// live in the file:
//
//	MEMSYNC_API_URL, MEMSYNC_API_TOKEN, MEMSYNC_PUSH_URL, MEMSYNC_JOURNAL
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	// Schema is an optional CUE entity file. Empty means the built-in
	// membership schema.
	Schema string `yaml:"schema,omitempty"`

	API     APIConfig     `yaml:"api"`
	Push    PushConfig    `yaml:"push,omitempty"`
	Load    LoadConfig    `yaml:"load,omitempty"`
	Journal JournalConfig `yaml:"journal,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
	Log     LogConfig     `yaml:"log,omitempty"`
}

// APIConfig configures the persistence API client.
type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token,omitempty"`

	// RateLimit is in requests per second; 0 disables limiting.
	RateLimit float64       `yaml:"rate_limit,omitempty"`
	Burst     int           `yaml:"burst,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

// PushConfig configures the websocket push channel. An empty URL disables it.
type PushConfig struct {
	URL             string        `yaml:"url,omitempty"`
	Entities        []string      `yaml:"entities,omitempty"`
	InitialInterval time.Duration `yaml:"initial_interval,omitempty"`
	MaxInterval     time.Duration `yaml:"max_interval,omitempty"`
}

// LoadConfig bounds bulk loads.
type LoadConfig struct {
	Timeout         time.Duration `yaml:"timeout,omitempty"`
	InitialInterval time.Duration `yaml:"initial_interval,omitempty"`
	Multiplier      float64       `yaml:"multiplier,omitempty"`
	MaxInterval     time.Duration `yaml:"max_interval,omitempty"`
	MaxAttempts     uint          `yaml:"max_attempts,omitempty"`
}

// JournalConfig locates the SQLite change journal. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path,omitempty"`
}

// MetricsConfig exposes Prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level,omitempty"`

	// Format is text or json.
	Format string `yaml:"format,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		API: APIConfig{
			Burst:   1,
			Timeout: 30 * time.Second,
		},
		Push: PushConfig{
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
		},
		Load: LoadConfig{
			Timeout:         15 * time.Second,
			InitialInterval: time.Second,
			Multiplier:      2,
			MaxInterval:     30 * time.Second,
			MaxAttempts:     3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFile reads the YAML file at path over the defaults, applies
// environment overrides and validates the result.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load is LoadFile for an already open reader.
func Load(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the MEMSYNC_* variables returned by getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("MEMSYNC_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := getenv("MEMSYNC_API_TOKEN"); v != "" {
		c.API.Token = v
	}
	if v := getenv("MEMSYNC_PUSH_URL"); v != "" {
		c.Push.URL = v
	}
	if v := getenv("MEMSYNC_JOURNAL"); v != "" {
		c.Journal.Path = v
	}
}

// Validate reports every invalid field, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.API.BaseURL != "" && !hasScheme(c.API.BaseURL, "http://", "https://") {
		errs = append(errs, fmt.Errorf("api.base_url must be http or https, got %q", c.API.BaseURL))
	}
	if c.API.RateLimit < 0 {
		errs = append(errs, errors.New("api.rate_limit must be non-negative"))
	}
	if c.API.Burst < 0 {
		errs = append(errs, errors.New("api.burst must be non-negative"))
	}
	if c.Push.URL != "" && !hasScheme(c.Push.URL, "ws://", "wss://") {
		errs = append(errs, fmt.Errorf("push.url must be ws or wss, got %q", c.Push.URL))
	}
	if c.Load.Timeout <= 0 {
		errs = append(errs, errors.New("load.timeout must be positive"))
	}
	if c.Load.InitialInterval <= 0 {
		errs = append(errs, errors.New("load.initial_interval must be positive"))
	}
	if c.Load.Multiplier < 1 {
		errs = append(errs, errors.New("load.multiplier must be at least 1"))
	}
	if c.Load.MaxAttempts == 0 {
		errs = append(errs, errors.New("load.max_attempts must be at least 1"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

func hasScheme(u string, schemes ...string) bool {
	for _, s := range schemes {
		if strings.HasPrefix(u, s) {
			return true
		}
	}
	return false
}
