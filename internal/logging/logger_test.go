package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		level   string
		logged  []string
		dropped []string
	}{
		{level: "trace", logged: []string{"trace message", "debug message", "info message"}},
		{level: "debug", logged: []string{"debug message", "info message"}, dropped: []string{"trace message"}},
		{level: "info", logged: []string{"info message"}, dropped: []string{"trace message", "debug message"}},
		{level: "warn", logged: []string{"warn message"}, dropped: []string{"info message"}},
		{level: "error", logged: []string{"error message"}, dropped: []string{"warn message"}},
		{level: "bogus", logged: []string{"info message"}, dropped: []string{"debug message"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(Config{Level: tt.level, Output: &buf})

			logger.Trace().Msg("trace message")
			logger.Debug().Msg("debug message")
			logger.Info().Msg("info message")
			logger.Warn().Msg("warn message")
			logger.Error().Msg("error message")

			out := buf.String()
			for _, msg := range tt.logged {
				assert.Contains(t, out, msg)
			}
			for _, msg := range tt.dropped {
				assert.NotContains(t, out, msg)
			}
		})
	}
}

func TestNewWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithComponent(Config{Level: "info", Output: &buf}, "tramp")

	logger.Info().Msg("installed")

	assert.Contains(t, buf.String(), `"component":"tramp"`)
	assert.Contains(t, buf.String(), "installed")
}

func TestNew_PrettyOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Pretty: true, Output: &buf})

	logger.Info().Msg("test message")

	assert.Contains(t, buf.String(), "test message")
}

func TestNew_DefaultOutput(t *testing.T) {
	logger := New(Config{Level: "disabled"})

	assert.NotPanics(t, func() { logger.Info().Msg("test message") })
	assert.Equal(t, zerolog.Disabled, logger.GetLevel())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.False(t, cfg.Pretty)
	assert.NotNil(t, cfg.Output)
}
