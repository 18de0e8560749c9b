package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"aval/internal/clock"
	"aval/internal/lease/repository"
	"aval/internal/telemetry"
)

const (
	DefaultStaleAfter     = 3 * time.Hour
	DefaultReaperInterval = 10 * time.Minute
)

// ReaperConfig configures a Reaper. Zero values select defaults.
type ReaperConfig struct {
	// StaleAfter is how old a locked row's heartbeat must be to be reclaimed.
	StaleAfter time.Duration
	Clock      clock.Clock
	Logger     *slog.Logger
	Emitter    telemetry.EventEmitter
}

// Reaper unlocks leases whose holder stopped heartbeating.
type Reaper struct {
	repo       repository.Repository
	staleAfter time.Duration
	clock      clock.Clock
	logger     *slog.Logger
	emitter    telemetry.EventEmitter

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

// NewReaper returns a Reaper over repo.
func NewReaper(repo repository.Repository, cfg ReaperConfig) *Reaper {
	r := &Reaper{
		repo:       repo,
		staleAfter: cfg.StaleAfter,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		emitter:    cfg.Emitter,
	}
	if r.staleAfter <= 0 {
		r.staleAfter = DefaultStaleAfter
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// RunOnce reclaims every stale lease and returns the device ids it unlocked.
func (r *Reaper) RunOnce(ctx context.Context) ([]string, error) {
	ids, err := r.repo.ReclaimStale(ctx, r.staleAfter)
	r.mu.Lock()
	r.lastRun = r.clock.Now()
	r.lastErr = err
	r.mu.Unlock()
	if err != nil {
		r.logger.Error("reclaim stale leases", "error", err)
		return nil, fmt.Errorf("reclaim stale leases: %w", err)
	}
	if len(ids) == 0 {
		r.logger.Info("no stale leases")
		return nil, nil
	}
	for _, id := range ids {
		r.logger.Warn("reclaimed stale lease", "device_uuid", id, "stale_after", r.staleAfter)
		telemetry.Emit(ctx, r.emitter, r.logger, telemetry.Event{
			Type:       telemetry.EventLeaseReclaimed,
			DeviceUUID: id,
			Source:     "reaper",
		})
	}
	return ids, nil
}

// Run calls RunOnce immediately and then every interval until ctx is done.
// Failed passes are logged and retried on the next tick. It returns ctx's error.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	for {
		_, _ = r.RunOnce(ctx)
		if err := clock.Sleep(ctx, r.clock, interval); err != nil {
			return err
		}
	}
}

// Status returns when the last pass finished and its error, if any.
// A zero time means no pass has run yet.
func (r *Reaper) Status() (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun, r.lastErr
}
