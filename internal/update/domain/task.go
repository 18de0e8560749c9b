package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a task is moved backwards or out of a
// terminal state.
var ErrInvalidTransition = errors.New("invalid update status transition")

// Status is where an update stands for one device.
type Status int

const (
	StatusIdle Status = iota
	StatusLaunched
	// StatusAcknowledged means the device reported the assignment in flight.
	StatusAcknowledged
	StatusCompleted
	// StatusRolledBack means the device finished but kept its previous build.
	StatusRolledBack
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLaunched:
		return "launched"
	case StatusAcknowledged:
		return "acknowledged"
	case StatusCompleted:
		return "completed"
	case StatusRolledBack:
		return "rolled_back"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether no further transition is possible except to Failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRolledBack || s == StatusFailed
}

// Task tracks the convergence of one device to a target build.
type Task struct {
	DeviceUUID   string
	CurrentBuild string
	TargetBuild  string
	Status       Status
}

// Advance moves the task to next. Status only moves forward; Failed can be
// entered from any state but never left.
func (t *Task) Advance(next Status) error {
	if t.Status == StatusFailed {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, t.Status)
	}
	if next == StatusFailed {
		t.Status = next
		return nil
	}
	if t.Status.Terminal() || next <= t.Status {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	t.Status = next
	return nil
}

// UpToDate reports whether the device already runs the target build.
func (t *Task) UpToDate() bool {
	return t.CurrentBuild != "" && t.CurrentBuild == t.TargetBuild
}
