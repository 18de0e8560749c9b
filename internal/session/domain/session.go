package domain

import (
	"fmt"
	"time"
)

// Transport is how a device is reached.
type Transport int

const (
	// Direct reaches the device on its LAN address.
	Direct Transport = iota
	// Tunneled reaches the device through a reverse port on the relay host.
	Tunneled
)

func (t Transport) String() string {
	switch t {
	case Direct:
		return "direct"
	case Tunneled:
		return "tunneled"
	}
	return fmt.Sprintf("transport(%d)", int(t))
}

// RemoteSession is a way into a device.
type RemoteSession struct {
	DeviceUUID string
	Transport  Transport
	Address    string
	Port       int
	// ExpiresAt is nil for sessions that never expire (Direct) and for a
	// tunnel that is not active.
	ExpiresAt *time.Time
}

// Remaining returns how long the session stays valid after now. It returns
// a negative duration for expired sessions and false for sessions without expiry.
func (s RemoteSession) Remaining(now time.Time) (time.Duration, bool) {
	if s.ExpiresAt == nil {
		return 0, false
	}
	return s.ExpiresAt.Sub(now), true
}

func (s RemoteSession) String() string {
	return fmt.Sprintf("%s %s:%d", s.Transport, s.Address, s.Port)
}
