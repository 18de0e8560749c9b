// Package telemetry defines the lifecycle events emitted while devices are
// leased, updated and tested. Events are best-effort: a failed emit is logged
// and never fails the operation that produced it.
package telemetry

import (
	"context"
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventLeaseAcquired      EventType = "lease_acquired"
	EventLeaseReleased      EventType = "lease_released"
	EventLeaseReleaseFailed EventType = "lease_release_failed"
	EventHeartbeatFailed    EventType = "lease_heartbeat_failed"
	EventLeaseReclaimed     EventType = "lease_reclaimed"
	EventSessionCreated     EventType = "session_created"
	EventSessionReused      EventType = "session_reused"
	EventUpdateLaunched     EventType = "update_launched"
	EventUpdateCompleted    EventType = "update_completed"
	EventUpdateRollback     EventType = "update_rollback"
	EventDeviceRunFailed    EventType = "device_run_failed"
	EventDeviceRunSucceeded EventType = "device_run_succeeded"
)

// Event is one lifecycle event for a device.
type Event struct {
	Type       EventType
	DeviceUUID string
	DeviceID   string
	// Holder identifies the process that owns the lease, if any.
	Holder     string
	Source     string
	Attributes map[string]string
	CreatedAt  time.Time
}

// EventEmitter emits telemetry events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event Event) error
}
