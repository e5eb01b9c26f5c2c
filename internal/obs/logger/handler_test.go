package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceHandler_AddsTraceIDWhenPresent(t *testing.T) {
	var buf bytes.Buffer
	h := NewTraceHandler(slog.NewJSONHandler(&buf, nil))
	log := slog.New(h)

	ctx := WithTraceID(context.Background(), "trace-xyz")
	log.InfoContext(ctx, "hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "trace-xyz", entry["trace_id"])
}

func TestTraceHandler_DerivedLoggerKeepsTraceID(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil))).With("component", "syncscheduler")

	ctx := WithTraceID(context.Background(), "trace-abc")
	log.InfoContext(ctx, "hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "trace-abc", entry["trace_id"], "With-derived loggers must keep trace injection")
	assert.Equal(t, "syncscheduler", entry["component"])
}

func TestTraceHandler_OmitsTraceIDWhenAbsent(t *testing.T) {
	var buf bytes.Buffer
	h := NewTraceHandler(slog.NewJSONHandler(&buf, nil))
	log := slog.New(h)

	log.InfoContext(context.Background(), "hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	_, hasTraceID := entry["trace_id"]
	assert.False(t, hasTraceID)
}
