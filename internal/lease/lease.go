// Package lease provides exclusive, time-bounded access to devices on top of a
// lease repository. A lease is taken with Manager.Acquire, kept alive by a
// heartbeat goroutine owned by the returned Handle, and given back with
// Handle.Release. Leases whose heartbeat stops are reclaimed by a Reaper.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"aval/internal/clock"
	"aval/internal/lease/repository"
	"aval/internal/telemetry"
)

// ErrLeaseUnavailable is returned when a device stays locked for every attempt.
var ErrLeaseUnavailable = errors.New("lease unavailable")

const (
	DefaultHeartbeatInterval = 120 * time.Second
	DefaultJoinTimeout       = 5 * time.Second
	DefaultMaxAttempts       = 60
	DefaultRetryInterval     = 60 * time.Second

	heartbeatTimeout = 30 * time.Second
	releaseTimeout   = 30 * time.Second
)

// AcquireOptions controls how TryAcquire waits for a locked device.
type AcquireOptions struct {
	// FailFast makes a single attempt with no sleep.
	FailFast bool
	// MaxAttempts is the number of acquire calls before giving up. Default 60.
	MaxAttempts int
	// Interval is the sleep between attempts. Default 60s.
	Interval time.Duration
}

func (o AcquireOptions) withDefaults() AcquireOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Interval <= 0 {
		o.Interval = DefaultRetryInterval
	}
	return o
}

// ManagerConfig configures a Manager. Zero values select defaults.
type ManagerConfig struct {
	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration
	Clock             clock.Clock
	Logger            *slog.Logger
	Emitter           telemetry.EventEmitter
}

// Manager takes and returns device leases for one process.
type Manager struct {
	repo              repository.Repository
	heartbeatInterval time.Duration
	joinTimeout       time.Duration
	clock             clock.Clock
	logger            *slog.Logger
	emitter           telemetry.EventEmitter
	holder            string
}

// NewManager returns a Manager over repo.
func NewManager(repo repository.Repository, cfg ManagerConfig) *Manager {
	m := &Manager{
		repo:              repo,
		heartbeatInterval: cfg.HeartbeatInterval,
		joinTimeout:       cfg.JoinTimeout,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		emitter:           cfg.Emitter,
		holder:            uuid.NewString(),
	}
	if m.heartbeatInterval <= 0 {
		m.heartbeatInterval = DefaultHeartbeatInterval
	}
	if m.joinTimeout <= 0 {
		m.joinTimeout = DefaultJoinTimeout
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("holder", m.holder)
	return m
}

// Holder returns the id this process logs its leases under.
func (m *Manager) Holder() string { return m.holder }

// EnsureDevice creates an unlocked row for deviceUUID if none exists yet.
// It reports whether a row was created.
func (m *Manager) EnsureDevice(ctx context.Context, deviceUUID string) (bool, error) {
	exists, err := m.repo.Exists(ctx, deviceUUID)
	if err != nil {
		return false, fmt.Errorf("lookup device %s: %w", deviceUUID, err)
	}
	if exists {
		return false, nil
	}
	if err := m.repo.Create(ctx, deviceUUID); err != nil {
		return false, fmt.Errorf("create device %s: %w", deviceUUID, err)
	}
	m.logger.Info("device registered", "device_uuid", deviceUUID)
	return true, nil
}

// TryAcquire attempts to lock deviceUUID. With FailFast it makes one attempt and
// reports the result. Otherwise it makes up to MaxAttempts attempts, sleeping
// Interval between them, and returns ErrLeaseUnavailable when all fail.
// A datastore error aborts immediately.
func (m *Manager) TryAcquire(ctx context.Context, deviceUUID string, opts AcquireOptions) (bool, error) {
	opts = opts.withDefaults()
	for attempt := 1; ; attempt++ {
		ok, err := m.repo.Acquire(ctx, deviceUUID)
		if err != nil {
			return false, fmt.Errorf("acquire lease %s: %w", deviceUUID, err)
		}
		if ok || opts.FailFast {
			return ok, nil
		}
		if attempt >= opts.MaxAttempts {
			return false, fmt.Errorf("%w: %s still locked after %d attempts", ErrLeaseUnavailable, deviceUUID, attempt)
		}
		m.logger.Info("device locked, waiting", "device_uuid", deviceUUID, "attempt", attempt, "max_attempts", opts.MaxAttempts, "wait", opts.Interval)
		if err := clock.Sleep(ctx, m.clock, opts.Interval); err != nil {
			return false, err
		}
	}
}

// Acquire locks deviceUUID as TryAcquire does and starts its heartbeat. A
// FailFast attempt that finds the device locked returns ErrLeaseUnavailable.
// The caller owns the returned Handle and must Release it.
func (m *Manager) Acquire(ctx context.Context, deviceUUID string, opts AcquireOptions) (*Handle, error) {
	ok, err := m.TryAcquire(ctx, deviceUUID, opts)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is locked", ErrLeaseUnavailable, deviceUUID)
	}
	m.logger.Info("lease acquired", "device_uuid", deviceUUID)
	telemetry.Emit(ctx, m.emitter, m.logger, telemetry.Event{
		Type:       telemetry.EventLeaseAcquired,
		DeviceUUID: deviceUUID,
		Holder:     m.holder,
		Source:     "lease",
	})

	hbCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		m:          m,
		deviceUUID: deviceUUID,
		acquiredAt: m.clock.Now(),
		stop:       stop,
		done:       make(chan struct{}),
	}
	go h.heartbeat(hbCtx)
	return h, nil
}

// WithLease acquires deviceUUID, runs body and releases the lease on every
// exit path, including a panic in body. A release failure is joined with the
// error returned by body.
func (m *Manager) WithLease(ctx context.Context, deviceUUID string, opts AcquireOptions, body func(context.Context) error) (err error) {
	h, err := m.Acquire(ctx, deviceUUID, opts)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = h.Release(ctx)
			panic(r)
		}
		if relErr := h.Release(ctx); relErr != nil {
			err = errors.Join(err, relErr)
		}
	}()
	return body(ctx)
}

// Handle is a held lease. It is safe for concurrent use.
type Handle struct {
	m          *Manager
	deviceUUID string
	acquiredAt time.Time
	stop       context.CancelFunc
	done       chan struct{}

	releaseOnce sync.Once
	releaseErr  error
}

func (h *Handle) heartbeat(ctx context.Context) {
	defer close(h.done)
	m := h.m
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.heartbeatInterval):
		}
		writeCtx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
		err := m.repo.Heartbeat(writeCtx, h.deviceUUID)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.logger.Warn("heartbeat failed", "device_uuid", h.deviceUUID, "error", err)
			telemetry.Emit(ctx, m.emitter, m.logger, telemetry.Event{
				Type:       telemetry.EventHeartbeatFailed,
				DeviceUUID: h.deviceUUID,
				Holder:     m.holder,
				Source:     "lease",
				Attributes: map[string]string{"error": err.Error()},
			})
			continue
		}
		m.logger.Debug("heartbeat", "device_uuid", h.deviceUUID)
	}
}

// Release stops the heartbeat, waits for it to exit for at most the join
// timeout, then unlocks the device. The unlock runs even when ctx is already
// cancelled. Calls after the first return the first result.
func (h *Handle) Release(ctx context.Context) error {
	h.releaseOnce.Do(func() {
		h.releaseErr = h.release(ctx)
	})
	return h.releaseErr
}

func (h *Handle) release(ctx context.Context) error {
	m := h.m
	h.stop()
	select {
	case <-h.done:
	case <-m.clock.After(m.joinTimeout):
		m.logger.Warn("heartbeat did not stop in time, abandoning it", "device_uuid", h.deviceUUID, "timeout", m.joinTimeout)
	}

	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := m.repo.Release(relCtx, h.deviceUUID); err != nil {
		m.logger.Error("lease release failed", "device_uuid", h.deviceUUID, "error", err)
		telemetry.Emit(ctx, m.emitter, m.logger, telemetry.Event{
			Type:       telemetry.EventLeaseReleaseFailed,
			DeviceUUID: h.deviceUUID,
			Holder:     m.holder,
			Source:     "lease",
			Attributes: map[string]string{"error": err.Error()},
		})
		return fmt.Errorf("release lease %s: %w", h.deviceUUID, err)
	}
	held := m.clock.Now().Sub(h.acquiredAt)
	m.logger.Info("lease released", "device_uuid", h.deviceUUID, "held", held)
	telemetry.Emit(ctx, m.emitter, m.logger, telemetry.Event{
		Type:       telemetry.EventLeaseReleased,
		DeviceUUID: h.deviceUUID,
		Holder:     m.holder,
		Source:     "lease",
		Attributes: map[string]string{"held": held.String()},
	})
	return nil
}
