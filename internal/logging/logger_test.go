package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FansOutToSinks(t *testing.T) {
	var sink bytes.Buffer
	logger := New(slog.LevelInfo, "text", &sink)

	logger.Info("run terminated", "run_id", "r1", "error", errors.New("boom"))
	logger.Debug("hidden")

	var record map[string]any
	require.NoError(t, json.Unmarshal(sink.Bytes(), &record))
	assert.Equal(t, "run terminated", record["msg"])
	assert.Equal(t, "r1", record["run_id"])
	assert.Equal(t, "boom", record["err"])
	assert.NotContains(t, record, "error")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
