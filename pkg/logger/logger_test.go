package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Format: "json", Output: &buf})

	l.Info("dropped")
	l.Warn("device limit reached", "userId", "u1", "limit", 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "device limit reached", entry["msg"])
	assert.Equal(t, "u1", entry["userId"])
	assert.EqualValues(t, 2, entry["limit"])
}

func TestNew_TextHasNoColorOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf})

	l.Error("store failed", "error", errors.New("boom"))
	out := buf.String()
	assert.Contains(t, out, "store failed")
	assert.Contains(t, out, "boom")
	assert.NotContains(t, out, "\x1b[")
}
