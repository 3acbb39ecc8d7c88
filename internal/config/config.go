// Package config loads the indexer runtime's ambient configuration
// (database DSN, node base URL, wasm runtime settings, log level) via viper,
// following the layered file-plus-environment-override convention the
// pack's config loaders use.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the unified runtime configuration for cmd/indexer.
type Config struct {
	Database struct {
		DSN             string `mapstructure:"dsn"`
		MaxConns        int32  `mapstructure:"max_conns"`
		MigrateOnStart  bool   `mapstructure:"migrate_on_start"`
	} `mapstructure:"database"`

	Node struct {
		BaseURL        string        `mapstructure:"base_url"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"node"`

	Runtime struct {
		MaxMemoryPages uint32 `mapstructure:"max_memory_pages"`
		CompileCache   bool   `mapstructure:"compile_cache"`
	} `mapstructure:"runtime"`

	Logging struct {
		Level   string `mapstructure:"level"`
		Console bool   `mapstructure:"console"`
	} `mapstructure:"logging"`
}

// Load reads config/default.yaml, optionally merges config/<env>.yaml over
// it, then applies IDX_-prefixed environment variable overrides (e.g.
// IDX_DATABASE_DSN). Sensible defaults are set before loading so a
// minimal or absent config file still produces a runnable Config.
func Load(env string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("default")
	v.SetConfigType("yaml")
	v.AddConfigPath("config")
	v.AddConfigPath(".")

	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.migrate_on_start", true)
	v.SetDefault("node.request_timeout", 10*time.Second)
	v.SetDefault("runtime.compile_cache", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, errors.Wrap(err, "config: read default config")
		}
	}

	if env != "" {
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, errors.Wrapf(err, "config: merge %s config", env)
			}
		}
	}

	v.SetEnvPrefix("IDX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	if cfg.Database.DSN == "" {
		return nil, errors.New("config: database.dsn is required")
	}
	if cfg.Node.BaseURL == "" {
		return nil, errors.New("config: node.base_url is required")
	}
	return &cfg, nil
}
