// Package config loads the hub's own configuration (§6): a TOML file at
// ./config.toml or /etc/unicom/config.toml, struct-of-structs in the
// teacher's pkg/config idiom, with sane zero-config defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the hub's top-level configuration (§6's core fields plus the
// ambient-stack additions named in SPEC_FULL.md: metrics/tracing/session
// backend selection).
type Config struct {
	UnixStreamPath string `toml:"unix_stream_path"`
	ServerAddr     string `toml:"server_addr"`
	TemplateDir    string `toml:"template_dir"`
	AppDir         string `toml:"app_dir"`
	SessionPath    string `toml:"session_path"`

	Session SessionConfig `toml:"session"`
	Metrics MetricsConfig `toml:"metrics"`
	Tracing TracingConfig `toml:"tracing"`

	LogLevel string `toml:"log_level"`
}

// SessionConfig selects and configures the session persistence backend.
type SessionConfig struct {
	Backend   string        `toml:"backend"` // "file" (default) or "redis"
	RedisAddr string        `toml:"redis_addr"`
	RedisKey  string        `toml:"redis_key"`
	JWTSecret string        `toml:"jwt_secret"`
	TokenTTL  time.Duration `toml:"token_ttl"`
}

// MetricsConfig configures the Prometheus /metrics surface, mounted on the
// same mux as the rest of the hub (see internal/api/server.go's promhttp wiring).
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// TracingConfig configures OpenTelemetry HTTP instrumentation.
type TracingConfig struct {
	Enabled      bool   `toml:"enabled"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	ServiceName  string `toml:"service_name"`
}

// Default returns the zero-configuration defaults the hub runs with when no
// config.toml is present.
func Default() Config {
	return Config{
		UnixStreamPath: "/tmp/unicom.sock",
		ServerAddr:     ":8080",
		TemplateDir:    "./templates",
		AppDir:         "./apps",
		SessionPath:    "./sessions.json",
		Session: SessionConfig{
			Backend:  "file",
			RedisKey: "unicom:sessions",
			TokenTTL: 5 * 7 * 24 * time.Hour,
		},
		Metrics:  MetricsConfig{Enabled: true},
		Tracing:  TracingConfig{Enabled: false, ServiceName: "unicom-hub"},
		LogLevel: "info",
	}
}

// Load reads path, overlaying onto Default() so any field the file omits
// keeps its default. A missing file is not an error — Default() is
// returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefaultPaths tries ./config.toml, then /etc/unicom/config.toml,
// falling back to Default() if neither exists.
func LoadDefaultPaths() (Config, error) {
	for _, p := range []string{"./config.toml", "/etc/unicom/config.toml"} {
		if _, err := os.Stat(p); err == nil {
			return Load(p)
		}
	}
	return Default(), nil
}
