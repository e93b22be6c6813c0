package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/soundprediction/tempora/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
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

func TestColorHandlerFormatsAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	log.Debug("hidden")
	log.With("component", "version").WithGroup("write").Info("Persisting version", "key", "model-1@main", "note", "two words")

	line := buf.String()
	assert.NotContains(t, line, "hidden")
	assert.Contains(t, line, "INFO  Persisting version")
	assert.Contains(t, line, "component=version")
	assert.Contains(t, line, "write.key=model-1@main")
	assert.Contains(t, line, `write.note="two words"`)
	assert.Equal(t, 1, strings.Count(line, "\n"))
}

func TestPersistenceMessages(t *testing.T) {
	assert.True(t, isPersistence("Persisting entity version"))
	assert.True(t, isPersistence("Checkpoint persisted"))
	assert.False(t, isPersistence("Entity created"))
}

func TestNewWritesRotatingJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tempora.log")
	var console bytes.Buffer

	log, closeLog, err := newLogger(config.LogConfig{Level: "debug", Format: "text", File: path, MaxSizeMB: 1}, &console)
	require.NoError(t, err)
	log.Debug("Entity created", "entity_id", "model-1")
	require.NoError(t, closeLog())

	assert.Contains(t, console.String(), "entity_id=model-1")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &record))
	assert.Equal(t, "Entity created", record["msg"])
	assert.Equal(t, "model-1", record["entity_id"])
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
	_, _, err = New(config.LogConfig{Format: "xml"})
	assert.Error(t, err)
}

func TestNewJSONConsole(t *testing.T) {
	var console bytes.Buffer
	log, _, err := newLogger(config.LogConfig{Format: "json"}, &console)
	require.NoError(t, err)
	log.Info("ready")
	assert.True(t, json.Valid(bytes.TrimSpace(console.Bytes())))
}
