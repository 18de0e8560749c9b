// Package coordinator runs a job on devices of the fleet. For each device it
// takes the lease, opens a session, brings the firmware to the latest build,
// runs the job's commands, fetches artifacts and releases the lease, whatever
// happened in between.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"aval/internal/cloud"
	"aval/internal/fleet"
	"aval/internal/lease"
	"aval/internal/remote"
	"aval/internal/session"
	sessiondomain "aval/internal/session/domain"
	"aval/internal/telemetry"
	"aval/internal/update"
	updatedomain "aval/internal/update/domain"
)

const tracerName = "aval.coordinator"

var (
	// ErrNoEligibleDevice is returned when no candidate device could be locked.
	ErrNoEligibleDevice = errors.New("no eligible device")
	// ErrCommandFailed is returned when a job command exits non-zero.
	ErrCommandFailed = errors.New("remote command failed")
	// ErrInvalidArtifacts is returned for an odd number of artifact paths.
	ErrInvalidArtifacts = errors.New("artifacts must be remote-path local-output pairs")
)

// Leases is the lease manager as used by the coordinator.
type Leases interface {
	EnsureDevice(ctx context.Context, deviceUUID string) (bool, error)
	WithLease(ctx context.Context, deviceUUID string, opts lease.AcquireOptions, body func(context.Context) error) error
}

// Sessions opens command channels to devices.
type Sessions interface {
	Obtain(ctx context.Context, deviceUUID string, transport sessiondomain.Transport) (sessiondomain.RemoteSession, error)
	Connect(ctx context.Context, s sessiondomain.RemoteSession) (remote.Connection, error)
}

// Updater converges device firmware.
type Updater interface {
	UpdateToLatest(ctx context.Context, dev update.Device, releaseType string) (*updatedomain.Task, error)
}

var (
	_ Leases   = (*lease.Manager)(nil)
	_ Sessions = (*session.Controller)(nil)
	_ Updater  = (*update.Orchestrator)(nil)
)

// Artifact is a file copied from the device after the job.
type Artifact struct {
	Remote string
	Local  string
}

// ParseArtifacts pairs up remote-path local-output arguments.
func ParseArtifacts(args []string) ([]Artifact, error) {
	if len(args)%2 != 0 {
		return nil, fmt.Errorf("%w: got %d paths", ErrInvalidArtifacts, len(args))
	}
	out := make([]Artifact, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		out = append(out, Artifact{Remote: args[i], Local: args[i+1]})
	}
	return out, nil
}

// Job is what to do on a device.
type Job struct {
	Command string
	// Before runs ahead of Command when set.
	Before      string
	Artifacts   []Artifact
	ReleaseType string
	Transport   sessiondomain.Transport
	// WholeFleet runs the job on every lockable candidate instead of the first.
	WholeFleet bool
}

// Config configures a Coordinator.
type Config struct {
	Leases   Leases
	Sessions Sessions
	Updater  Updater
	// Wait is used for the last candidate of a fleet run; the others are
	// probed once.
	Wait lease.AcquireOptions
	// Stdout and Stderr receive command output. Default os.Stdout and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer
	// Tracer defaults to the global tracer provider's.
	Tracer  trace.Tracer
	Logger  *slog.Logger
	Emitter telemetry.EventEmitter
}

// Coordinator runs jobs on devices.
type Coordinator struct {
	leases   Leases
	sessions Sessions
	updater  Updater
	wait     lease.AcquireOptions
	stdout   io.Writer
	stderr   io.Writer
	tracer   trace.Tracer
	logger   *slog.Logger
	emitter  telemetry.EventEmitter
}

// New returns a Coordinator.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		leases:   cfg.Leases,
		sessions: cfg.Sessions,
		updater:  cfg.Updater,
		wait:     cfg.Wait,
		stdout:   cfg.Stdout,
		stderr:   cfg.Stderr,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
		emitter:  cfg.Emitter,
	}
	c.wait.FailFast = false
	if c.stdout == nil {
		c.stdout = os.Stdout
	}
	if c.stderr == nil {
		c.stderr = os.Stderr
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Summary lists what a fleet run did.
type Summary struct {
	Processed []string
	Busy      []string
}

// RunFleet runs job on the candidates in order. Every candidate but the last
// is probed once; the last one is waited for. Without WholeFleet the run
// stops after the first device processed. The first device failure stops the
// run. ErrNoEligibleDevice is returned when every candidate was busy.
func (c *Coordinator) RunFleet(ctx context.Context, candidates []cloud.Device, job Job) (Summary, error) {
	var sum Summary
	for i, dev := range candidates {
		opts := lease.AcquireOptions{FailFast: true}
		if i == len(candidates)-1 {
			opts = c.wait
		}
		err := c.RunDevice(ctx, dev, job, opts)
		if errors.Is(err, lease.ErrLeaseUnavailable) {
			sum.Busy = append(sum.Busy, dev.UUID)
			continue
		}
		if err != nil {
			return sum, err
		}
		sum.Processed = append(sum.Processed, dev.UUID)
		if !job.WholeFleet {
			return sum, nil
		}
	}
	if len(sum.Processed) == 0 {
		return sum, fmt.Errorf("%w: %d candidates busy", ErrNoEligibleDevice, len(sum.Busy))
	}
	return sum, nil
}

// RunDevice runs job on one device under its lease.
func (c *Coordinator) RunDevice(ctx context.Context, dev cloud.Device, job Job, opts lease.AcquireOptions) error {
	runID := uuid.NewString()
	ctx, span := c.tracer.Start(ctx, "coordinator.RunDevice", trace.WithAttributes(
		attribute.String("device.uuid", dev.UUID),
		attribute.String("device.id", dev.ID),
		attribute.String("run.id", runID),
	))
	defer span.End()
	logger := c.logger.With("device_uuid", dev.UUID, "device_id", dev.ID, "run_id", runID)

	created, err := c.leases.EnsureDevice(ctx, dev.UUID)
	if err != nil {
		err = fmt.Errorf("register device: %w", err)
		c.finish(ctx, span, logger, dev, err)
		return err
	}
	if created {
		logger.Info("created new device entry")
	}

	err = c.leases.WithLease(ctx, dev.UUID, opts, func(ctx context.Context) error {
		return c.process(ctx, logger, dev, job)
	})
	c.finish(ctx, span, logger, dev, err)
	return err
}

func (c *Coordinator) process(ctx context.Context, logger *slog.Logger, dev cloud.Device, job Job) error {
	span := trace.SpanFromContext(ctx)

	s, err := c.sessions.Obtain(ctx, dev.UUID, job.Transport)
	if err != nil {
		return err
	}
	logger.Info("session ready", "session", s.String())

	task, err := c.updater.UpdateToLatest(ctx, update.Device{UUID: dev.UUID, HardwareID: fleet.ParseHardwareID(dev.ID)}, job.ReleaseType)
	if task != nil {
		span.AddEvent("update", trace.WithAttributes(
			attribute.String("update.status", task.Status.String()),
			attribute.String("update.current_build", task.CurrentBuild),
			attribute.String("update.target_build", task.TargetBuild),
		))
	}
	if err != nil {
		return err
	}

	// The update may have rebooted the device or outlived the tunnel.
	s, err = c.sessions.Obtain(ctx, dev.UUID, job.Transport)
	if err != nil {
		return err
	}
	conn, err := c.sessions.Connect(ctx, s)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Warn("close connection", "error", err)
		}
	}()

	if job.Before != "" {
		if err := c.run(ctx, logger, conn, job.Before); err != nil {
			return err
		}
	}
	if err := c.run(ctx, logger, conn, job.Command); err != nil {
		return err
	}
	logger.Info("command executed", "command", job.Command)

	for _, a := range job.Artifacts {
		logger.Info("copying artifact", "remote", a.Remote, "local", a.Local)
		if err := conn.Fetch(ctx, a.Remote, a.Local); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) run(ctx context.Context, logger *slog.Logger, conn remote.Connection, cmd string) error {
	logger.Debug("running command", "command", cmd)
	res, err := conn.Run(ctx, cmd)
	_, _ = io.WriteString(c.stdout, res.Stdout)
	_, _ = io.WriteString(c.stderr, res.Stderr)
	if err != nil {
		return fmt.Errorf("run %q: %w", cmd, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: %q exited with status %d", ErrCommandFailed, cmd, res.ExitCode)
	}
	return nil
}

func (c *Coordinator) finish(ctx context.Context, span trace.Span, logger *slog.Logger, dev cloud.Device, err error) {
	event := telemetry.Event{DeviceUUID: dev.UUID, DeviceID: dev.ID, Source: "coordinator"}
	switch {
	case err == nil:
		logger.Info("device run succeeded")
		span.SetStatus(codes.Ok, "")
		event.Type = telemetry.EventDeviceRunSucceeded
	case errors.Is(err, lease.ErrLeaseUnavailable):
		logger.Info("device is busy", "error", err)
		span.SetAttributes(attribute.Bool("lease.unavailable", true))
		return
	default:
		class := ErrorClass(err)
		if errors.Is(err, update.ErrUpdateRollbackDetected) {
			logger.Error("device rolled back to its previous build", "class", class, "error", err)
		} else {
			logger.Error("device run failed", "class", class, "error", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, class)
		event.Type = telemetry.EventDeviceRunFailed
		event.Attributes = map[string]string{"class": class, "error": err.Error()}
	}
	telemetry.Emit(ctx, c.emitter, logger, event)
}
