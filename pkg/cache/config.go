package cache

import "time"

// Config holds configuration for a cache instance.
type Config struct {
	// Enabled controls whether caching is active. When false, FromConfig
	// returns a nil cache and every lookup goes to the store.
	Enabled bool `mapstructure:"enabled"`

	// TTL bounds how long an entry is served after it was stored.
	TTL time.Duration `mapstructure:"ttl"`

	// MaxSize is the maximum number of entries.
	MaxSize int `mapstructure:"max_size"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		TTL:     10 * time.Minute,
		MaxSize: 4096,
	}
}
