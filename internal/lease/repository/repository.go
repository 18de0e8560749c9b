package repository

import (
	"context"
	"time"

	"aval/internal/lease/domain"
)

// Repository is the persisted lease table. Acquire is the only mutual-exclusion
// primitive in the system: at most one caller observes true for a device until
// Release (or ReclaimStale) unlocks it.
type Repository interface {
	// Exists reports whether a row exists for deviceUUID.
	Exists(ctx context.Context, deviceUUID string) (bool, error)
	// Create inserts an unlocked row. Callers check Exists first; a duplicate
	// insert returns the store's error.
	Create(ctx context.Context, deviceUUID string) error
	// Get returns the lease row, or nil if the device has never been seen.
	Get(ctx context.Context, deviceUUID string) (*domain.DeviceLease, error)
	// Acquire atomically locks the row if it is unlocked and stamps the
	// heartbeat. Returns false when the row is already locked or missing.
	Acquire(ctx context.Context, deviceUUID string) (bool, error)
	// Release unconditionally unlocks the row.
	Release(ctx context.Context, deviceUUID string) error
	// Heartbeat stamps the row's heartbeat with the current time.
	Heartbeat(ctx context.Context, deviceUUID string) error
	// ReclaimStale unlocks every locked row whose heartbeat is older than
	// staleAfter and returns the reclaimed device ids.
	ReclaimStale(ctx context.Context, staleAfter time.Duration) ([]string, error)
}
