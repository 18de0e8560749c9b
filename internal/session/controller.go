// Package session obtains and verifies remote-access sessions to devices.
//
// A tunneled session lives in the cloud and is evaluated lazily on each call:
//
//	Absent -> Creating -> Active -> Active (enough validity left)
//	                             -> Refreshing -> Active
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"aval/internal/clock"
	"aval/internal/cloud"
	"aval/internal/remote"
	"aval/internal/session/domain"
	"aval/internal/telemetry"
)

var (
	// ErrSessionCreationFailed is returned when no usable tunnel could be created.
	ErrSessionCreationFailed = errors.New("session creation failed")
	// ErrConnectivityFailed is returned when a device does not answer commands.
	ErrConnectivityFailed = errors.New("connectivity check failed")
)

const (
	DefaultRelayHost   = "ras.torizon.io"
	DefaultDirectPort  = 22
	DefaultMinValidity = 30 * time.Minute
	DefaultMaxDuration = 12 * time.Hour
	DefaultSettleDelay = 10 * time.Second
	DefaultAttempts    = 5
	DefaultSleepTime   = 3 * time.Second
)

// Cloud is the part of the cloud API the controller needs.
type Cloud interface {
	GetSession(ctx context.Context, deviceUUID string) (*cloud.Session, error)
	CreateSession(ctx context.Context, deviceUUID, publicKey string, duration time.Duration) (cloud.CreateResult, error)
	DeleteSession(ctx context.Context, deviceUUID string) error
	GetNetworkInfo(ctx context.Context, deviceUUID string) (*cloud.NetworkInfo, error)
}

// DialFunc opens a command channel to address:port.
type DialFunc func(ctx context.Context, address string, port int) (remote.Connection, error)

// RemoteDialer adapts a remote.Dialer with fixed credentials to a DialFunc.
func RemoteDialer(d *remote.Dialer, creds remote.Credentials) DialFunc {
	return func(ctx context.Context, address string, port int) (remote.Connection, error) {
		conn, err := d.Dial(ctx, address, port, creds)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Config configures a Controller. Zero durations and counts select defaults.
type Config struct {
	Cloud Cloud
	Dial  DialFunc
	// PublicKey is installed into tunneled sessions, in authorized_keys format.
	PublicKey   string
	RelayHost   string
	MinValidity time.Duration
	MaxDuration time.Duration
	// SettleDelay is waited once before dialing. Negative disables it.
	SettleDelay time.Duration
	Attempts    int
	// SleepTime is multiplied by the attempt number between probes.
	SleepTime time.Duration
	Clock     clock.Clock
	Logger    *slog.Logger
	Emitter   telemetry.EventEmitter
}

// Controller hands out sessions to devices.
type Controller struct {
	cloud       Cloud
	dial        DialFunc
	publicKey   string
	relayHost   string
	minValidity time.Duration
	maxDuration time.Duration
	settleDelay time.Duration
	attempts    int
	sleepTime   time.Duration
	clock       clock.Clock
	logger      *slog.Logger
	emitter     telemetry.EventEmitter
}

// New returns a Controller.
func New(cfg Config) *Controller {
	c := &Controller{
		cloud:       cfg.Cloud,
		dial:        cfg.Dial,
		publicKey:   cfg.PublicKey,
		relayHost:   cfg.RelayHost,
		minValidity: cfg.MinValidity,
		maxDuration: cfg.MaxDuration,
		settleDelay: cfg.SettleDelay,
		attempts:    cfg.Attempts,
		sleepTime:   cfg.SleepTime,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		emitter:     cfg.Emitter,
	}
	if c.relayHost == "" {
		c.relayHost = DefaultRelayHost
	}
	if c.minValidity <= 0 {
		c.minValidity = DefaultMinValidity
	}
	if c.maxDuration <= 0 {
		c.maxDuration = DefaultMaxDuration
	}
	if c.settleDelay < 0 {
		c.settleDelay = 0
	} else if c.settleDelay == 0 {
		c.settleDelay = DefaultSettleDelay
	}
	if c.attempts <= 0 {
		c.attempts = DefaultAttempts
	}
	if c.sleepTime <= 0 {
		c.sleepTime = DefaultSleepTime
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Direct returns a session to address on the SSH port. It never expires.
func (c *Controller) Direct(deviceUUID, address string) domain.RemoteSession {
	return domain.RemoteSession{DeviceUUID: deviceUUID, Transport: domain.Direct, Address: address, Port: DefaultDirectPort}
}

// Obtain returns a session of the requested transport. Direct sessions use
// the LAN address the device last reported to the cloud.
func (c *Controller) Obtain(ctx context.Context, deviceUUID string, transport domain.Transport) (domain.RemoteSession, error) {
	if transport == domain.Tunneled {
		return c.Tunneled(ctx, deviceUUID)
	}
	info, err := c.cloud.GetNetworkInfo(ctx, deviceUUID)
	if err != nil {
		return domain.RemoteSession{}, err
	}
	if info == nil {
		return domain.RemoteSession{}, fmt.Errorf("device %s has not reported a LAN address", deviceUUID)
	}
	return c.Direct(deviceUUID, info.LocalIPv4), nil
}

// Tunneled returns an active tunnel to the device through the relay, reusing
// the current one when it stays valid for longer than the minimum validity
// and replacing it otherwise.
func (c *Controller) Tunneled(ctx context.Context, deviceUUID string) (domain.RemoteSession, error) {
	logger := c.logger.With("device_uuid", deviceUUID)
	current, err := c.cloud.GetSession(ctx, deviceUUID)
	if err != nil {
		return domain.RemoteSession{}, err
	}
	if current != nil {
		session := c.tunnel(deviceUUID, current)
		remaining, _ := session.Remaining(c.clock.Now())
		if remaining > c.minValidity {
			logger.Info("reusing remote session", "port", current.ReversePort, "remaining", remaining.Round(time.Second))
			telemetry.Emit(ctx, c.emitter, logger, telemetry.Event{Type: telemetry.EventSessionReused, DeviceUUID: deviceUUID, Source: "session"})
			return session, nil
		}
		logger.Info("remote session expiring, refreshing", "remaining", remaining.Round(time.Second))
		if err := c.cloud.DeleteSession(ctx, deviceUUID); err != nil {
			logger.Warn("delete remote session failed, creating anyway", "error", err)
		}
	}

	result, err := c.cloud.CreateSession(ctx, deviceUUID, c.publicKey, c.maxDuration)
	if err != nil {
		return domain.RemoteSession{}, fmt.Errorf("%w: %w", ErrSessionCreationFailed, err)
	}
	if result == cloud.SessionConflict {
		logger.Info("remote session already exists, fetching it")
	}
	created, err := c.cloud.GetSession(ctx, deviceUUID)
	if err != nil {
		return domain.RemoteSession{}, fmt.Errorf("%w: %w", ErrSessionCreationFailed, err)
	}
	if created == nil {
		return domain.RemoteSession{}, fmt.Errorf("%w: no session for %s after create (%s)", ErrSessionCreationFailed, deviceUUID, result)
	}
	logger.Info("remote session ready", "port", created.ReversePort, "expires_at", created.ExpiresAt)
	telemetry.Emit(ctx, c.emitter, logger, telemetry.Event{
		Type:       telemetry.EventSessionCreated,
		DeviceUUID: deviceUUID,
		Source:     "session",
		Attributes: map[string]string{"result": result.String()},
	})
	return c.tunnel(deviceUUID, created), nil
}

func (c *Controller) tunnel(deviceUUID string, s *cloud.Session) domain.RemoteSession {
	expires := s.ExpiresAt
	return domain.RemoteSession{
		DeviceUUID: deviceUUID,
		Transport:  domain.Tunneled,
		Address:    c.relayHost,
		Port:       s.ReversePort,
		ExpiresAt:  &expires,
	}
}

// VerifyConnectivity runs `true` on conn until it succeeds, up to the
// configured attempts, sleeping SleepTime*attempt between failures.
func (c *Controller) VerifyConnectivity(ctx context.Context, conn remote.Connection) error {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		res, err := conn.Run(ctx, "true")
		switch {
		case err == nil && res.ExitCode == 0:
			c.logger.Info("remote connection test OK", "attempt", attempt)
			return nil
		case err != nil:
			lastErr = err
		default:
			lastErr = fmt.Errorf("exit code %d", res.ExitCode)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.Warn("remote connection test failed", "attempt", attempt, "max_attempts", c.attempts, "error", lastErr)
		if attempt == c.attempts {
			break
		}
		if err := clock.Sleep(ctx, c.clock, c.sleepTime*time.Duration(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrConnectivityFailed, c.attempts, lastErr)
}

// Connect dials the session, waits for the link to settle and verifies it.
// The returned connection is owned by the caller.
func (c *Controller) Connect(ctx context.Context, s domain.RemoteSession) (remote.Connection, error) {
	if err := clock.Sleep(ctx, c.clock, c.settleDelay); err != nil {
		return nil, err
	}
	var conn remote.Connection
	var dialErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		conn, dialErr = c.dial(ctx, s.Address, s.Port)
		if dialErr == nil {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Warn("dial failed", "device_uuid", s.DeviceUUID, "session", s.String(), "attempt", attempt, "error", dialErr)
		if attempt < c.attempts {
			if err := clock.Sleep(ctx, c.clock, c.sleepTime*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}
	}
	if dialErr != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectivityFailed, s, dialErr)
	}
	if err := c.VerifyConnectivity(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}
