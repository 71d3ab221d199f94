// Package config manages GoBRM daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gobrm configuration.
type Config struct {
	Metrics MetricsConfig `koanf:"metrics" yaml:"metrics"`
	Log     LogConfig     `koanf:"log" yaml:"log"`
	Infra   InfraConfig   `koanf:"infra" yaml:"infra"`
	Routing RoutingConfig `koanf:"routing" yaml:"routing"`
	Storage StorageConfig `koanf:"storage" yaml:"storage"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9101").
	Addr string `koanf:"addr" yaml:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path" yaml:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level" yaml:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format" yaml:"format"`
}

// InfraConfig holds the infrastructure interface configuration.
type InfraConfig struct {
	// Interface is the name of the infrastructure network interface
	// the Routing Manager operates on (e.g., "eth0").
	Interface string `koanf:"interface" yaml:"interface"`
}

// RoutingConfig holds the Routing Manager policy switches.
type RoutingConfig struct {
	// Enabled controls whether the Routing Manager starts enabled.
	Enabled bool `koanf:"enabled" yaml:"enabled"`

	// Nat64 enables publication of the local NAT64 prefix.
	Nat64 bool `koanf:"nat64" yaml:"nat64"`

	// AllowDefaultRoute allows the default route learned from RA
	// router lifetimes to be published into the Thread Network Data.
	AllowDefaultRoute bool `koanf:"allow_default_route" yaml:"allow_default_route"`
}

// StorageConfig holds the persistent storage configuration.
type StorageConfig struct {
	// Path is the settings file holding the generated BR ULA and
	// on-link prefixes across restarts.
	Path string `koanf:"path" yaml:"path"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Addr: ":9101",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Routing: RoutingConfig{
			Enabled: true,
		},
		Storage: StorageConfig{
			Path: "/var/lib/gobrm/settings.yaml",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for GoBRM configuration.
// Variables are named GOBRM_<section>_<key>, e.g., GOBRM_METRICS_ADDR.
const envPrefix = "GOBRM_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides (GOBRM_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips
// the file layer.
//
// Environment variable mapping:
//
//	GOBRM_METRICS_ADDR    -> metrics.addr
//	GOBRM_LOG_LEVEL       -> log.level
//	GOBRM_INFRA_INTERFACE -> infra.interface
//	GOBRM_STORAGE_PATH    -> storage.path
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOBRM_METRICS_ADDR -> metrics.addr.
// Strips the GOBRM_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"metrics.addr":                defaults.Metrics.Addr,
		"metrics.path":                defaults.Metrics.Path,
		"log.level":                   defaults.Log.Level,
		"log.format":                  defaults.Log.Format,
		"infra.interface":             defaults.Infra.Interface,
		"routing.enabled":             defaults.Routing.Enabled,
		"routing.nat64":               defaults.Routing.Nat64,
		"routing.allow_default_route": defaults.Routing.AllowDefaultRoute,
		"storage.path":                defaults.Storage.Path,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")

	// ErrEmptyInfraInterface indicates no infrastructure interface is
	// configured.
	ErrEmptyInfraInterface = errors.New("infra.interface must not be empty")

	// ErrEmptyStoragePath indicates the settings file path is empty.
	ErrEmptyStoragePath = errors.New("storage.path must not be empty")

	// ErrInvalidLogFormat indicates an unrecognized log format.
	ErrInvalidLogFormat = errors.New(`log.format must be "json" or "text"`)
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}
	if cfg.Infra.Interface == "" {
		return ErrEmptyInfraInterface
	}
	if cfg.Storage.Path == "" {
		return ErrEmptyStoragePath
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return ErrInvalidLogFormat
	}

	return nil
}

// -------------------------------------------------------------------------
// Logging helpers
// -------------------------------------------------------------------------

// ParseLogLevel maps a config level string to a slog.Level.
// Unknown strings default to Info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
