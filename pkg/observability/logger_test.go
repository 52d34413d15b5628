package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TestParseLevel tests level parsing and the info fallback
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"WARN", logrus.WarnLevel},
		{"warning", logrus.WarnLevel},
		{" error ", logrus.ErrorLevel},
		{"", logrus.InfoLevel},
		{"chatty", logrus.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

// TestNewLogger_JSON tests the JSON formatter
func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("debug", "json", &buf)

	PluginLogger(logger, "aws-s3").Debug("loaded")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "aws-s3", entry["plugin"])
	assert.Equal(t, "loaded", entry["msg"])
	assert.Equal(t, "debug", entry["level"])
}

// TestNewLogger_Text tests the text formatter and level filtering
func TestNewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", "text", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.True(t, strings.Contains(out, "time="))
}

// TestWithTraceContext tests trace id propagation into log entries
func TestWithTraceContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("info", "json", &buf)
	entry := logrus.NewEntry(logger)

	assert.Equal(t, entry, WithTraceContext(context.Background(), entry))

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	WithTraceContext(ctx, entry).Info("traced")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, span.SpanContext().TraceID().String(), decoded["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), decoded["span_id"])
}

// TestRecoverPanic tests that panics are logged and contained
func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("info", "text", &buf)

	func() {
		defer RecoverPanic(logger, "worker")
		panic("boom")
	}()

	assert.Contains(t, buf.String(), "PANIC recovered")
	assert.Contains(t, buf.String(), "boom")
	assert.Contains(t, buf.String(), "worker")

	buf.Reset()
	func() {
		defer RecoverPanic(logger, "quiet")
	}()
	assert.Empty(t, buf.String())
}
