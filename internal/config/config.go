// Package config loads server configuration from relstate.yaml with
// RELSTATE_* environment overrides, and supports hot reload of the safe
// subset of settings.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	// ListenAddr is the HTTP/websocket bind address.
	ListenAddr string `mapstructure:"listen_addr"`
	// SchemaPath points at the schema.yaml declaring entities.
	SchemaPath string `mapstructure:"schema_path"`

	Storage struct {
		// Backend selects "memory" or "sqlite".
		Backend string `mapstructure:"backend"`
		// DSN is the sqlite database path.
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"storage"`

	Metrics struct {
		// Enabled turns on OpenTelemetry stdout export.
		Enabled bool `mapstructure:"enabled"`
		// IntervalSeconds is the metric export period.
		IntervalSeconds int `mapstructure:"interval_seconds"`
	} `mapstructure:"metrics"`

	// Verbose forces debug logging on.
	Verbose bool `mapstructure:"verbose"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "127.0.0.1:7380")
	v.SetDefault("schema_path", "schema.yaml")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.interval_seconds", 60)
}

// Load reads the config file at path. A missing file is not an error; the
// defaults plus environment overrides apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("RELSTATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !isNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}
