// Package db opens gorm connections for the supported database dialects.
package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported database types.
const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
)

// Config holds database connection settings.
type Config struct {
	// Type is one of sqlite, postgres or mysql.
	Type string `mapstructure:"type"`

	// DSN is the driver connection string. For sqlite it is a file path or
	// ":memory:".
	DSN string `mapstructure:"dsn"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`

	// LogLevel is the gorm logger level: silent, error, warn or info.
	LogLevel string `mapstructure:"log_level"`
}

// DefaultConfig returns a Config for a local sqlite file.
func DefaultConfig() Config {
	return Config{
		Type:            TypeSQLite,
		DSN:             "bitemporal.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		LogLevel:        "warn",
	}
}

// Validate checks that the configuration names a supported dialect.
func (c Config) Validate() error {
	switch c.Type {
	case TypeSQLite, TypePostgres, TypeMySQL:
	default:
		return fmt.Errorf("unsupported database type %q (expected sqlite, postgres or mysql)", c.Type)
	}
	if c.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	return nil
}

// Dialector returns the gorm dialector for cfg.
func Dialector(cfg Config) (gorm.Dialector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypePostgres:
		return postgres.Open(cfg.DSN), nil
	case TypeMySQL:
		return mysql.Open(cfg.DSN), nil
	default:
		return sqlite.Open(cfg.DSN), nil
	}
}

// Open connects to the database described by cfg and checks that it is
// reachable.
func Open(ctx context.Context, cfg Config) (*gorm.DB, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}
	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel(cfg.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Type, err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if cfg.Type == TypeSQLite && inMemory(cfg.DSN) {
		// Every connection to :memory: is a separate database.
		maxOpen = 1
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s database: %w", cfg.Type, err)
	}
	return gormDB, nil
}

// Close closes the underlying connection pool.
func Close(gormDB *gorm.DB) error {
	sqlDB, err := gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func inMemory(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory") || strings.HasPrefix(dsn, "file::memory:")
}

func logLevel(s string) logger.LogLevel {
	switch strings.ToLower(s) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}
