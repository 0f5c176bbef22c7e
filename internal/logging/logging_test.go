package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestJSONComponentRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New(&buf, "info", "json"), "tracker")
	logger.Debug("hidden")
	logger.Info("track purged", "track_id", "anon_0001")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "tracker", rec["component"])
	assert.Equal(t, "anon_0001", rec["track_id"])
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "debug", "text").Debug("frame", "camera_id", "cam-1")
	assert.Contains(t, buf.String(), "camera_id=cam-1")
	assert.Nil(t, Component(nil, "x"))
}
