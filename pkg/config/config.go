// Package config loads DataInfraPilot's runtime configuration from
// defaults, a YAML file and environment variables (prefixed DIP_), layered with
// viper the way the teacher codebase layers its own server config.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the control plane's full runtime configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Log      LogConfig      `mapstructure:"log"`
	Hetzner  HetznerConfig  `mapstructure:"hetzner"`
}

// ServerConfig configures the REST surface (C10).
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Debug      bool   `mapstructure:"debug"`
}

// StoreConfig configures the persistence layer (C1).
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig configures pkg/log.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	JSONOutput bool   `mapstructure:"json_output"`
}

// HetznerConfig holds the hetzner.default_region and
// hetzner.default_node_type settings. Load reads them, but nothing else
// consults them: they are not applied to any cluster's pools or
// provider_config. The API token itself is supplied per-cluster, never read
// from here.
type HetznerConfig struct {
	DefaultRegion   string `mapstructure:"default_region"`
	DefaultNodeType string `mapstructure:"default_node_type"`
}

// Defaults returns a Config with the same values Load falls back to when no
// file or env var overrides them.
func Defaults() Config {
	return Config{
		Server: ServerConfig{ListenAddr: ":8080", Debug: false},
		Store:  StoreConfig{DSN: "data/datainfrapilot.db"},
		Log:    LogConfig{Level: "info", JSONOutput: true},
		Hetzner: HetznerConfig{
			DefaultRegion:   "nbg1",
			DefaultNodeType: "cpx21",
		},
	}
}

// Load builds a Config from defaults, an optional config file at path (if
// non-empty), and DIP_-prefixed environment variables, in that order of
// increasing precedence.
func Load(path string) (Config, error) {
	v := viper.New()

	defaults := Defaults()
	v.SetDefault("server.listen_addr", defaults.Server.ListenAddr)
	v.SetDefault("server.debug", defaults.Server.Debug)
	v.SetDefault("store.dsn", defaults.Store.DSN)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.json_output", defaults.Log.JSONOutput)
	v.SetDefault("hetzner.default_region", defaults.Hetzner.DefaultRegion)
	v.SetDefault("hetzner.default_node_type", defaults.Hetzner.DefaultNodeType)

	v.SetEnvPrefix("DIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}
