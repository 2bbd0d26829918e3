package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestConsoleOnly(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := New(Config{Level: "warn"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	log.Info("quiet")
	log.Warn("radio lost", "backend", "meshtastic")
	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "radio lost")
	assert.Contains(t, buf.String(), "meshtastic")
}

func TestFileReceivesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	var console bytes.Buffer
	cfg := DefaultConfig()
	cfg.Color = false
	cfg.File = path

	log, closer, err := New(cfg, &console)
	require.NoError(t, err)
	log.With("component", "queue").Info("sent queued message", "seq", 3)
	log.Debug("filtered")
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), "sent queued message")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.Equal(t, "sent queued message", rec["msg"])
	assert.Equal(t, "queue", rec["component"])
	assert.EqualValues(t, 3, rec["seq"])
}

func TestInvalidLevel(t *testing.T) {
	_, _, err := New(Config{Level: "chatty"}, &bytes.Buffer{})
	assert.Error(t, err)
}
