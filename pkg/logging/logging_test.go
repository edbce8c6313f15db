package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: " warn ", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "verbose", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		logger, flush, err := New(Config{Level: "info", Format: FormatText}, &buf)
		require.NoError(t, err)
		logger.Debug("hidden")
		logger.Info("snapshot written", "uuid", "e1")
		require.NoError(t, flush())
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "uuid=e1")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		logger, _, err := New(Config{Level: "debug", Format: FormatJSON}, &buf)
		require.NoError(t, err)
		logger.Debug("snapshot written", "uuid", "e1")

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "snapshot written", rec["msg"])
		assert.Equal(t, "e1", rec["uuid"])
	})

	t.Run("zap", func(t *testing.T) {
		var buf bytes.Buffer
		logger, flush, err := New(Config{Level: "debug", Format: FormatZap}, &buf)
		require.NoError(t, err)
		logger.Debug("snapshot written", "uuid", "e1")
		require.NoError(t, flush())

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "snapshot written", rec["msg"])
		assert.Equal(t, "e1", rec["uuid"])
	})

	t.Run("zap respects level", func(t *testing.T) {
		var buf bytes.Buffer
		logger, flush, err := New(Config{Level: "info", Format: FormatZap}, &buf)
		require.NoError(t, err)
		logger.Debug("hidden")
		require.NoError(t, flush())
		assert.Empty(t, buf.String())
	})

	t.Run("unknown format", func(t *testing.T) {
		_, _, err := New(Config{Level: "info", Format: "xml"}, &bytes.Buffer{})
		assert.Error(t, err)
	})
}
