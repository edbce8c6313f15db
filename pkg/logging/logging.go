// Package logging builds the process slog.Logger from configuration. Besides
// the slog text and json handlers it can route records through zap, for
// deployments that collect zap's production JSON format.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Supported formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatZap  = "zap"
)

// Config selects the log level and output format.
type Config struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`

	// Format is text, json or zap.
	Format string `mapstructure:"format"`
}

// DefaultConfig returns info-level text logging.
func DefaultConfig() Config {
	return Config{Level: "info", Format: FormatText}
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// New creates a logger writing to w. The returned flush function must be
// called before the process exits.
func New(cfg Config, w io.Writer) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	noop := func() error { return nil }

	switch strings.ToLower(cfg.Format) {
	case FormatText, "":
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), noop, nil
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), noop, nil
	case FormatZap:
		z := newZap(level, w)
		return slog.New(logr.ToSlogHandler(zapr.NewLogger(z))), z.Sync, nil
	default:
		return nil, nil, fmt.Errorf("unsupported log format %q (expected text, json or zap)", cfg.Format)
	}
}

// newZap builds a production-encoded zap logger. slog levels below info reach
// zap as logr verbosity, which zapr maps to negative zap levels, so the zap
// threshold is the negated slog level.
func newZap(level slog.Level, w io.Writer) *zap.Logger {
	threshold := zapcore.InfoLevel
	switch {
	case level >= slog.LevelError:
		threshold = zapcore.ErrorLevel
	case level < slog.LevelInfo:
		threshold = zapcore.Level(level)
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(w), threshold)
	return zap.New(core)
}
