// Package config loads and validates gateway configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the gateway process.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Health   HealthConfig   `koanf:"health"`
	Gateway  GatewayConfig  `koanf:"gateway"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// DatabaseConfig points at the sqlite file.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// UpstreamConfig tunes outbound calls.
type UpstreamConfig struct {
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// HealthConfig tunes the passive rules and the active prober.
type HealthConfig struct {
	PassiveFailureThreshold int           `koanf:"passive_failure_threshold"`
	PassiveCooldown         time.Duration `koanf:"passive_cooldown"`
	ActiveInterval          time.Duration `koanf:"active_interval"`
	ActiveSuccessThreshold  int           `koanf:"active_success_threshold"`
	ProbeModel              string        `koanf:"probe_model"`
	ProbeTick               time.Duration `koanf:"probe_tick"`
}

// GatewayConfig holds the relay-level knobs.
type GatewayConfig struct {
	Brand              string            `koanf:"brand"`
	UnknownFieldPolicy string            `koanf:"unknown_field_policy"`
	SuffixEfforts      map[string]string `koanf:"suffix_efforts"`
}

// Defaults returns the configuration used when no file overrides it.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Minute,
		},
		Database: DatabaseConfig{Path: "gateway.db"},
		Upstream: UpstreamConfig{RequestTimeout: 5 * time.Minute},
		Health: HealthConfig{
			PassiveFailureThreshold: 3,
			PassiveCooldown:         30 * time.Second,
			ActiveInterval:          60 * time.Second,
			ActiveSuccessThreshold:  1,
			ProbeTick:               5 * time.Second,
		},
		Gateway: GatewayConfig{
			Brand:              "llmgateway",
			UnknownFieldPolicy: "preserve",
		},
	}
}

// Load reads configuration from a YAML file (optional), layers environment
// variable overrides on top, and returns a fully populated Config. Env vars
// use the LLMGATEWAY_ prefix: LLMGATEWAY_SERVER_PORT -> server.port.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("LLMGATEWAY_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "LLMGATEWAY_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Database.Path = expandEnv(cfg.Database.Path)

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	switch cfg.Gateway.UnknownFieldPolicy {
	case "preserve", "reject", "ignore":
	default:
		return nil, fmt.Errorf("invalid unknown_field_policy %q", cfg.Gateway.UnknownFieldPolicy)
	}

	return cfg, nil
}

// expandEnv resolves a ${VAR_NAME} placeholder against the environment.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}
