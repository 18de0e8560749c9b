package domain

import "time"

// DeviceLease is the persisted exclusive claim on one device.
// Locked means some process currently holds the device; LastHeartbeat is the
// last time the holder proved it was alive (or the lease changed state).
type DeviceLease struct {
	DeviceUUID    string
	Locked        bool
	LastHeartbeat time.Time
}

// IsStale reports whether a locked lease has missed heartbeats for longer than
// staleAfter as of now.
func (l *DeviceLease) IsStale(now time.Time, staleAfter time.Duration) bool {
	return l.Locked && l.LastHeartbeat.Before(now.Add(-staleAfter))
}
