package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldsAndChildLoggers(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zerolog.InfoLevel).With(String("run_id", "r1"), Bool("retained", true))

	l.Info("stage finished",
		String("stage", "decluster"),
		Int("independent", 412),
		Float64("share", 0.25),
		Duration("took", 1500*time.Millisecond),
		Strings("bodies", []string{"mars", "jupiter"}),
		Error(errors.New("partial")))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "stage finished", entry["message"])
	assert.Equal(t, "r1", entry["run_id"])
	assert.Equal(t, true, entry["retained"])
	assert.Equal(t, "decluster", entry["stage"])
	assert.EqualValues(t, 412, entry["independent"])
	assert.EqualValues(t, 0.25, entry["share"])
	assert.EqualValues(t, 1500, entry["took"])
	assert.Equal(t, []any{"mars", "jupiter"}, entry["bodies"])
	assert.Equal(t, "partial", entry["error"])
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zerolog.WarnLevel)
	l.Debug("hidden")
	l.Info("hidden")
	assert.Zero(t, buf.Len())
	l.Warn("shown")
	assert.Contains(t, buf.String(), `"shown"`)

	Nop().Error("discarded", Any("k", 1))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(&Config{Level: "loud", Output: "stdout"})
	assert.Error(t, err)

	l, err := New(&Config{Level: "info", Format: "console", Output: "stderr"})
	require.NoError(t, err)
	assert.NotNil(t, l)
}
