// Package telemetry exposes the process's pprof endpoint and a thin
// event/duration logging helper. Adapted from the teacher's
// common/telemetry.Telemetry.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/tachyontex/service/internal/logger"
)

// Telemetry holds the process's observability endpoints.
type Telemetry struct {
	log       *logger.Logger
	pprofAddr string
	enabled   bool
}

// New creates a Telemetry instance. enabled gates whether Start
// actually binds the pprof listener (spec ambient addition,
// ENABLE_PPROF).
func New(enabled bool, pprofPort int, log *logger.Logger) *Telemetry {
	return &Telemetry{
		log:       log,
		pprofAddr: fmt.Sprintf("localhost:%d", pprofPort),
		enabled:   enabled,
	}
}

// Start binds the pprof HTTP listener in the background if enabled.
func (t *Telemetry) Start(ctx context.Context) error {
	if !t.enabled {
		return nil
	}
	go func() {
		t.log.Info("pprof server starting", "addr", t.pprofAddr)
		if err := http.ListenAndServe(t.pprofAddr, nil); err != nil {
			t.log.Error("pprof server error", "error", err)
		}
	}()
	return nil
}

// RecordDuration logs an operation's wall-clock duration.
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	t.log.Debug("operation completed", "operation", operation, "duration_ms", time.Since(start).Milliseconds())
}

// RecordEvent logs a structured telemetry event.
func (t *Telemetry) RecordEvent(event string, attrs map[string]any) {
	t.log.Info("telemetry_event", "event", event, "attrs", attrs)
}
