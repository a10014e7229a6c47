package logger_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eniac111/proxyops/internal/logger"
)

func TestNewWithWriterTagsService(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, "proxyops", slog.LevelInfo)

	log.Info("hello", logger.Target("t1"), logger.Error(nil), logger.Error(errors.New("boom")))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "proxyops", entry["service"])
	assert.Equal(t, "t1", entry["target_id"])
	assert.Equal(t, "boom", entry["error"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, "proxyops", logger.ParseLevel("warn"))

	log.Info("dropped")
	assert.Zero(t, buf.Len())

	log.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, logger.ParseLevel(tt.in), tt.in)
	}
}

func TestEmptyAttrs(t *testing.T) {
	assert.True(t, logger.Target("").Equal(slog.Attr{}))
	assert.True(t, logger.Deployment("").Equal(slog.Attr{}))
	assert.True(t, logger.Step("").Equal(slog.Attr{}))
}
