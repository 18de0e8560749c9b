package telemetry

import (
	"context"
	"log/slog"
	"time"
)

// emitTimeout is the max time allowed for a single emit.
const emitTimeout = 5 * time.Second

// Emit sends event through emitter with a short timeout derived from a context
// that ignores the caller's cancellation, so events for cancelled runs still
// go out. emitter may be nil. Errors are logged to logger.
func Emit(ctx context.Context, emitter EventEmitter, logger *slog.Logger, event Event) {
	if emitter == nil {
		return
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
	defer cancel()
	if err := emitter.Emit(emitCtx, event); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("telemetry emit failed", "event_type", event.Type, "device_uuid", event.DeviceUUID, "error", err)
	}
}
