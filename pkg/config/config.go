// Package config loads the server configuration from defaults, an optional
// YAML file, BITEMPORAL_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bitemporal-io/bitemporal/pkg/cache"
	"github.com/bitemporal-io/bitemporal/pkg/db"
	"github.com/bitemporal-io/bitemporal/pkg/logging"
)

// EnvPrefix prefixes every environment variable, e.g. BITEMPORAL_DATABASE_DSN.
const EnvPrefix = "BITEMPORAL"

// Config is the server configuration.
type Config struct {
	ListenAddr      string         `mapstructure:"listen_addr"`
	ShutdownTimeout time.Duration  `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string       `mapstructure:"cors_origins"`
	Database        db.Config      `mapstructure:"database"`
	Log             logging.Config `mapstructure:"log"`
	Cache           cache.Config   `mapstructure:"cache"`
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"listen":     "listen_addr",
	"db-type":    "database.type",
	"db-dsn":     "database.dsn",
	"log-level":  "log.level",
	"log-format": "log.format",
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	dbCfg := db.DefaultConfig()
	logCfg := logging.DefaultConfig()
	cacheCfg := cache.DefaultConfig()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("cors_origins", []string{})

	v.SetDefault("database.type", dbCfg.Type)
	v.SetDefault("database.dsn", dbCfg.DSN)
	v.SetDefault("database.max_open_conns", dbCfg.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", dbCfg.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", dbCfg.ConnMaxLifetime)
	v.SetDefault("database.log_level", dbCfg.LogLevel)

	v.SetDefault("log.level", logCfg.Level)
	v.SetDefault("log.format", logCfg.Format)

	v.SetDefault("cache.enabled", cacheCfg.Enabled)
	v.SetDefault("cache.ttl", cacheCfg.TTL)
	v.SetDefault("cache.max_size", cacheCfg.MaxSize)
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the configuration. path may be empty for no file. Flags in fs
// that were set on the command line override every other source; fs may be
// nil.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.Cache.Enabled && c.Cache.MaxSize < 1 {
		return fmt.Errorf("cache.max_size must be positive, got %d", c.Cache.MaxSize)
	}
	return nil
}
