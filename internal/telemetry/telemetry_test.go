package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyontex/service/internal/logger"
)

func bufLogger(buf *bytes.Buffer) *logger.Logger {
	return &logger.Logger{Logger: slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}
}

func TestStart_DisabledNeverBinds(t *testing.T) {
	var buf bytes.Buffer
	tel := New(false, 6060, bufLogger(&buf))

	err := tel.Start(context.Background())
	require.NoError(t, err)
	assert.Empty(t, buf.String())
}

func TestRecordDuration_LogsOperationAndMillis(t *testing.T) {
	var buf bytes.Buffer
	tel := New(false, 6060, bufLogger(&buf))

	tel.RecordDuration("compile", time.Now().Add(-5*time.Millisecond))

	out := buf.String()
	assert.Contains(t, out, "operation completed")
	assert.Contains(t, out, "compile")
	assert.Contains(t, out, "duration_ms")
}

func TestRecordEvent_LogsEventAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	tel := New(false, 6060, bufLogger(&buf))

	tel.RecordEvent("cache_evicted", map[string]any{"tier": "pdf"})

	out := buf.String()
	assert.True(t, strings.Contains(out, "telemetry_event"))
	assert.Contains(t, out, "cache_evicted")
}
