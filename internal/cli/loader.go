package cli

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"

	"golang.org/x/time/rate"

	"github.com/roach88/memsync/internal/api"
	"github.com/roach88/memsync/internal/config"
	"github.com/roach88/memsync/internal/engine"
	"github.com/roach88/memsync/internal/schema"
)

// Error codes for command failures that are not sync errors.
const (
	ErrCodeConfig = "E_CONFIG"
	ErrCodeSchema = "E_SCHEMA"
)

// runtime is everything a command needs before it touches the network.
type runtime struct {
	cfg    config.Config
	schema *schema.Schema
}

// loadRuntime reads the config file named by --config (or the defaults plus
// environment overrides), installs the logger and loads the entity schema.
func loadRuntime(opts *RootOptions, logOut io.Writer) (*runtime, error) {
	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	setupLogging(cfg.Log, opts.Verbose, logOut)

	s, err := loadSchema(cfg.Schema)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load schema", err)
	}
	return &runtime{cfg: cfg, schema: s}, nil
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg := config.Default()
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadSchema returns the built-in schema when path is empty.
func loadSchema(path string) (*schema.Schema, error) {
	if path == "" {
		return schema.Default(), nil
	}
	return schema.LoadFile(path)
}

// setupLogging installs the default slog logger. --verbose forces debug.
func setupLogging(lc config.LogConfig, verbose bool, w io.Writer) {
	level := parseLevel(lc.Level)
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(w, hopts)
	} else {
		handler = slog.NewTextHandler(w, hopts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newAPIClient builds the persistence client. The base URL is required.
func (rt *runtime) newAPIClient() (*api.Client, error) {
	if rt.cfg.API.BaseURL == "" {
		return nil, NewExitError(ExitCommandError, "api.base_url is not set (config file or MEMSYNC_API_URL)")
	}
	var hc *http.Client
	if rt.cfg.API.Timeout > 0 {
		hc = &http.Client{Timeout: rt.cfg.API.Timeout}
	}
	c, err := api.New(api.Config{
		BaseURL:    rt.cfg.API.BaseURL,
		Schema:     rt.schema,
		Token:      rt.cfg.API.Token,
		HTTPClient: hc,
		RateLimit:  rate.Limit(rt.cfg.API.RateLimit),
		Burst:      rt.cfg.API.Burst,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create api client", err)
	}
	return c, nil
}

func (rt *runtime) retryPolicy() engine.RetryPolicy {
	lc := rt.cfg.Load
	return engine.RetryPolicy{
		Timeout:         lc.Timeout,
		InitialInterval: lc.InitialInterval,
		Multiplier:      lc.Multiplier,
		MaxInterval:     lc.MaxInterval,
		MaxAttempts:     lc.MaxAttempts,
	}
}

// kinds resolves command arguments to kind names. Collection names are
// accepted too. No arguments means every kind.
func (rt *runtime) kinds(args []string) ([]string, error) {
	if len(args) == 0 {
		return rt.schema.Names(), nil
	}
	out := make([]string, 0, len(args))
	for _, a := range args {
		if k, ok := rt.schema.Kind(a); ok {
			out = append(out, k.Name)
			continue
		}
		if k, ok := rt.schema.ByCollection(a); ok {
			out = append(out, k.Name)
			continue
		}
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown entity kind %q (known: %s)", a, strings.Join(rt.schema.Names(), ", ")))
	}
	return out, nil
}

// requireFile fails with a command error when path does not exist, so
// store.Open does not silently create an empty journal.
func requireFile(path, what string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("%s not found: %s", what, path))
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
