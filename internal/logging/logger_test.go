package logging

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestInitWritesJSON(t *testing.T) {
	prev := Logger()
	t.Cleanup(func() { SetLogger(prev); zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: "debug", Format: "json", Output: &buf}))

	Info().Int64("bot_id", 7).Msg("started")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "started", line["message"])
	assert.Equal(t, "info", line["level"])
	assert.EqualValues(t, 7, line["bot_id"])
}

func TestInitCreatesLogDirectory(t *testing.T) {
	prev := Logger()
	t.Cleanup(func() { SetLogger(prev); zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	file := filepath.Join(t.TempDir(), "nested", "botvisor.log")
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: "info", File: file, MaxSizeMB: 1, Output: &buf}))
	assert.DirExists(t, filepath.Dir(file))
}

func TestSlogHandlerForwardsAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &SlogHandler{logger: zerolog.New(&buf)}
	logger := slog.New(h).With("supervisor", "root").WithGroup("svc")

	logger.Warn("service restarted", "name", "sweeper", "failures", 2)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "service restarted", line["message"])
	assert.Equal(t, "root", line["supervisor"])
	assert.Equal(t, "sweeper", line["svc.name"])
	assert.EqualValues(t, 2, line["svc.failures"])
}
