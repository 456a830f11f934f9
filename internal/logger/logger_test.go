package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should create logger with console output", func(t *testing.T) {
		l, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		defer l.Close()

		assert.Nil(t, l.file)
		assert.Nil(t, l.redactor)
	})

	t.Run("should write to file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "gateway.log")

		l, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		zl := l.GetZerolog()
		zl.Info().Str("provider", "primary").Msg("pool loaded")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "pool loaded")
		assert.Contains(t, string(data), `"provider":"primary"`)
	})

	t.Run("should redact keys written to file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "gateway.log")

		l, err := New(Config{Level: "info", File: logFile, Redaction: true})
		require.NoError(t, err)

		zl := l.Component("router")
		zl.Info().Str("auth", "Bearer abc123.def456").Msg("calling upstream")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "abc123.def456")
		assert.Contains(t, string(data), "[REDACTED]")
		assert.Contains(t, string(data), `"component":"router"`)
	})

	t.Run("should fall back to info on unknown level", func(t *testing.T) {
		l, err := New(Config{Level: "loud"})
		require.NoError(t, err)
		defer l.Close()

		assert.Equal(t, "info", l.GetZerolog().GetLevel().String())
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
}
