// Package update converges a device to the newest build of a release channel
// and confirms the device actually booted it.
//
// The cloud reports an empty assignment list both when an update succeeded
// and when the device rolled back, so completion is always followed by a
// second look at the installed build.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"aval/internal/clock"
	"aval/internal/cloud"
	"aval/internal/telemetry"
	"aval/internal/update/domain"
)

var (
	// ErrBuildLookupFailed is returned when the installed or latest build cannot be determined.
	ErrBuildLookupFailed = errors.New("build lookup failed")
	// ErrUpdateLaunchFailed is returned when the cloud refuses an update assignment.
	ErrUpdateLaunchFailed = errors.New("update launch failed")
	// ErrUpdateRollbackDetected is returned when a finished update left the old build installed.
	ErrUpdateRollbackDetected = errors.New("update rollback detected")
	// ErrUpdateTimeout is returned when an update does not finish within MaxWait.
	ErrUpdateTimeout = errors.New("update timed out")
)

const (
	DefaultLookupAttempts     = 10
	DefaultLookupInterval     = 30 * time.Second
	DefaultAckInterval        = 15 * time.Second
	DefaultCompletionInterval = 60 * time.Second
	DefaultMaxWait            = 2 * time.Hour
)

// Cloud is the part of the cloud API the orchestrator needs.
type Cloud interface {
	GetPackageMetadata(ctx context.Context, deviceUUID string) (*cloud.PackageMetadata, error)
	GetLatestBuild(ctx context.Context, hardwareID, releaseType string) (string, error)
	GetAssignmentStatus(ctx context.Context, deviceUUID string) ([]cloud.Assignment, error)
	LaunchUpdate(ctx context.Context, deviceUUID, packageID string) error
}

// Device identifies the update target.
type Device struct {
	UUID string
	// HardwareID selects the package component, e.g. verdin-imx8mp.
	HardwareID string
}

// Config configures an Orchestrator. Zero values select defaults.
type Config struct {
	Cloud Cloud
	// LookupAttempts bounds CurrentBuild, which the metadata service sometimes
	// answers without the device's component.
	LookupAttempts     int
	LookupInterval     time.Duration
	AckInterval        time.Duration
	CompletionInterval time.Duration
	// MaxWait bounds both polling phases of AwaitCompletion together.
	MaxWait time.Duration
	Clock   clock.Clock
	Logger  *slog.Logger
	Emitter telemetry.EventEmitter
}

// Orchestrator drives devices through firmware updates.
type Orchestrator struct {
	cloud              Cloud
	lookupAttempts     int
	lookupInterval     time.Duration
	ackInterval        time.Duration
	completionInterval time.Duration
	maxWait            time.Duration
	clock              clock.Clock
	logger             *slog.Logger
	emitter            telemetry.EventEmitter
}

// New returns an Orchestrator.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		cloud:              cfg.Cloud,
		lookupAttempts:     cfg.LookupAttempts,
		lookupInterval:     cfg.LookupInterval,
		ackInterval:        cfg.AckInterval,
		completionInterval: cfg.CompletionInterval,
		maxWait:            cfg.MaxWait,
		clock:              cfg.Clock,
		logger:             cfg.Logger,
		emitter:            cfg.Emitter,
	}
	if o.lookupAttempts <= 0 {
		o.lookupAttempts = DefaultLookupAttempts
	}
	if o.lookupInterval <= 0 {
		o.lookupInterval = DefaultLookupInterval
	}
	if o.ackInterval <= 0 {
		o.ackInterval = DefaultAckInterval
	}
	if o.completionInterval <= 0 {
		o.completionInterval = DefaultCompletionInterval
	}
	if o.maxWait <= 0 {
		o.maxWait = DefaultMaxWait
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// CurrentBuild returns the package installed on the device for its hardware id.
func (o *Orchestrator) CurrentBuild(ctx context.Context, dev Device) (string, error) {
	logger := o.logger.With("device_uuid", dev.UUID, "hardware_id", dev.HardwareID)
	var lastErr error
	for attempt := 1; attempt <= o.lookupAttempts; attempt++ {
		meta, err := o.cloud.GetPackageMetadata(ctx, dev.UUID)
		if err == nil {
			if build := meta.InstalledFor(dev.HardwareID); build != "" {
				logger.Debug("installed build", "build", build, "attempt", attempt)
				return build, nil
			}
			lastErr = fmt.Errorf("no installed package for %s", dev.HardwareID)
		} else {
			lastErr = err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		logger.Warn("installed build not available", "attempt", attempt, "max_attempts", o.lookupAttempts, "error", lastErr)
		if attempt == o.lookupAttempts {
			break
		}
		if err := clock.Sleep(ctx, o.clock, o.lookupInterval); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: device %s after %d attempts: %w", ErrBuildLookupFailed, dev.UUID, o.lookupAttempts, lastErr)
}

// LatestBuild returns the newest catalog build of releaseType for hardwareID.
// An empty releaseType would match every channel and is rejected.
func (o *Orchestrator) LatestBuild(ctx context.Context, releaseType, hardwareID string) (string, error) {
	if releaseType == "" {
		return "", fmt.Errorf("%w: no release type for %s", ErrBuildLookupFailed, hardwareID)
	}
	build, err := o.cloud.GetLatestBuild(ctx, hardwareID, releaseType)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBuildLookupFailed, err)
	}
	if build == "" {
		return "", fmt.Errorf("%w: no %s build for %s", ErrBuildLookupFailed, releaseType, hardwareID)
	}
	return build, nil
}

// IsUpToDate reports whether the device runs the latest build of releaseType.
func (o *Orchestrator) IsUpToDate(ctx context.Context, dev Device, releaseType string) (bool, error) {
	task, err := o.plan(ctx, dev, releaseType)
	if err != nil {
		return false, err
	}
	return task.UpToDate(), nil
}

func (o *Orchestrator) plan(ctx context.Context, dev Device, releaseType string) (*domain.Task, error) {
	current, err := o.CurrentBuild(ctx, dev)
	if err != nil {
		return nil, err
	}
	target, err := o.LatestBuild(ctx, releaseType, dev.HardwareID)
	if err != nil {
		return nil, err
	}
	return &domain.Task{DeviceUUID: dev.UUID, CurrentBuild: current, TargetBuild: target}, nil
}

// Launch assigns build to the device.
func (o *Orchestrator) Launch(ctx context.Context, dev Device, build string) error {
	if err := o.cloud.LaunchUpdate(ctx, dev.UUID, build); err != nil {
		return fmt.Errorf("%w: %w", ErrUpdateLaunchFailed, err)
	}
	return nil
}

// AwaitCompletion waits for the device to pick up its assignment and then for
// the assignment list to drain. task, when non-nil, is advanced to
// Acknowledged once the device reports the update in flight.
func (o *Orchestrator) AwaitCompletion(ctx context.Context, dev Device, task *domain.Task) error {
	logger := o.logger.With("device_uuid", dev.UUID)
	deadline := o.clock.Now().Add(o.maxWait)

	// Phase 1: wait for the device to acknowledge.
	for {
		assignments, err := o.cloud.GetAssignmentStatus(ctx, dev.UUID)
		if err != nil {
			return err
		}
		if len(assignments) == 0 {
			logger.Info("assignment already drained before acknowledgement")
			break
		}
		if inFlight(assignments) {
			logger.Info("update in flight")
			if task != nil {
				advance(logger, task, domain.StatusAcknowledged)
			}
			break
		}
		logger.Debug("waiting for device to acknowledge update", "pending", len(assignments))
		if err := o.waitUntil(ctx, deadline, o.ackInterval); err != nil {
			return err
		}
	}

	// Phase 2: wait for the assignment list to drain.
	for {
		assignments, err := o.cloud.GetAssignmentStatus(ctx, dev.UUID)
		if err != nil {
			return err
		}
		if len(assignments) == 0 {
			logger.Info("update assignment finished")
			return nil
		}
		logger.Debug("waiting for update to finish", "pending", len(assignments))
		if err := o.waitUntil(ctx, deadline, o.completionInterval); err != nil {
			return err
		}
	}
}

// waitUntil sleeps for interval, or returns ErrUpdateTimeout when deadline
// would pass first.
func (o *Orchestrator) waitUntil(ctx context.Context, deadline time.Time, interval time.Duration) error {
	left := deadline.Sub(o.clock.Now())
	if left <= 0 {
		return fmt.Errorf("%w after %s", ErrUpdateTimeout, o.maxWait)
	}
	if err := clock.Sleep(ctx, o.clock, min(interval, left)); err != nil {
		return err
	}
	return nil
}

// advance moves task to next, logging transitions the state machine refuses.
func advance(logger *slog.Logger, task *domain.Task, next domain.Status) {
	if err := task.Advance(next); err != nil {
		logger.Debug("update status unchanged", "status", task.Status.String(), "next", next.String(), "error", err)
	}
}

func inFlight(assignments []cloud.Assignment) bool {
	for _, a := range assignments {
		if a.InFlight {
			return true
		}
	}
	return false
}

// UpdateToLatest converges the device to the latest build of releaseType. The
// returned task records how far the update went, including on error.
func (o *Orchestrator) UpdateToLatest(ctx context.Context, dev Device, releaseType string) (*domain.Task, error) {
	logger := o.logger.With("device_uuid", dev.UUID)
	task, err := o.plan(ctx, dev, releaseType)
	if err != nil {
		return &domain.Task{DeviceUUID: dev.UUID, Status: domain.StatusFailed}, err
	}
	if task.UpToDate() {
		logger.Info("device already on latest build", "build", task.CurrentBuild, "release_type", releaseType)
		advance(logger, task, domain.StatusCompleted)
		return task, nil
	}

	logger.Info("updating device", "from", task.CurrentBuild, "to", task.TargetBuild, "release_type", releaseType)
	if err := o.Launch(ctx, dev, task.TargetBuild); err != nil {
		advance(logger, task, domain.StatusFailed)
		return task, err
	}
	advance(logger, task, domain.StatusLaunched)
	o.emit(ctx, logger, telemetry.EventUpdateLaunched, task)

	if err := o.AwaitCompletion(ctx, dev, task); err != nil {
		advance(logger, task, domain.StatusFailed)
		return task, err
	}

	after, err := o.CurrentBuild(ctx, dev)
	if err != nil {
		advance(logger, task, domain.StatusFailed)
		return task, err
	}
	previous := task.CurrentBuild
	task.CurrentBuild = after
	if !task.UpToDate() {
		advance(logger, task, domain.StatusRolledBack)
		o.emit(ctx, logger, telemetry.EventUpdateRollback, task)
		return task, fmt.Errorf("%w: device %s is on %s, wanted %s", ErrUpdateRollbackDetected, dev.UUID, after, task.TargetBuild)
	}
	advance(logger, task, domain.StatusCompleted)
	logger.Info("device updated", "from", previous, "to", after)
	o.emit(ctx, logger, telemetry.EventUpdateCompleted, task)
	return task, nil
}

func (o *Orchestrator) emit(ctx context.Context, logger *slog.Logger, t telemetry.EventType, task *domain.Task) {
	telemetry.Emit(ctx, o.emitter, logger, telemetry.Event{
		Type:       t,
		DeviceUUID: task.DeviceUUID,
		Source:     "update",
		Attributes: map[string]string{
			"current_build": task.CurrentBuild,
			"target_build":  task.TargetBuild,
			"status":        task.Status.String(),
		},
	})
}
