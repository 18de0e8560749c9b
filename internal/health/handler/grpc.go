package handler

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"aval/internal/clock"
)

// ReaperService is the service name reported for the reaper loop.
const ReaperService = "aval.reaper"

// Pinger checks datastore reachability (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ReaperStatus reports when the last reclaim pass finished and its error.
type ReaperStatus interface {
	Status() (time.Time, error)
}

// Config configures a Server. Zero values select defaults.
type Config struct {
	// Pinger is checked on every request. If nil, the datastore check is skipped.
	Pinger Pinger
	// Reaper is checked on every request. If nil, only the datastore is checked.
	Reaper ReaperStatus
	// MaxPassAge is how long after the last reclaim pass the reaper still
	// counts as serving. Zero disables the age check.
	MaxPassAge time.Duration
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Server implements the standard gRPC health service for the reaper daemon.
// Statuses are recomputed on each Check and pushed to Watch subscribers.
type Server struct {
	*health.Server
	pinger     Pinger
	reaper     ReaperStatus
	maxPassAge time.Duration
	clock      clock.Clock
	logger     *slog.Logger
}

// NewServer returns a health server. Both services start NOT_SERVING until
// the first Refresh.
func NewServer(cfg Config) *Server {
	s := &Server{
		Server:     health.NewServer(),
		pinger:     cfg.Pinger,
		reaper:     cfg.Reaper,
		maxPassAge: cfg.MaxPassAge,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.SetServingStatus(ReaperService, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Check refreshes the statuses and answers from them.
func (s *Server) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	s.Refresh(ctx)
	return s.Server.Check(ctx, req)
}

// Refresh recomputes the overall and reaper statuses.
func (s *Server) Refresh(ctx context.Context) {
	overall := healthpb.HealthCheckResponse_SERVING
	if s.pinger != nil {
		if err := s.pinger.PingContext(ctx); err != nil {
			s.logger.Warn("health: datastore ping failed", "error", err)
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	reaper := overall
	if s.reaper != nil && reaper == healthpb.HealthCheckResponse_SERVING {
		reaper = s.reaperStatus()
	}
	s.SetServingStatus("", overall)
	s.SetServingStatus(ReaperService, reaper)
}

func (s *Server) reaperStatus() healthpb.HealthCheckResponse_ServingStatus {
	last, err := s.reaper.Status()
	switch {
	case last.IsZero():
		return healthpb.HealthCheckResponse_NOT_SERVING
	case err != nil:
		s.logger.Warn("health: last reclaim pass failed", "error", err)
		return healthpb.HealthCheckResponse_NOT_SERVING
	case s.maxPassAge > 0 && s.clock.Now().Sub(last) > s.maxPassAge:
		s.logger.Warn("health: reclaim pass overdue", "last_pass", last)
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Run refreshes the statuses every interval until ctx is done, so Watch
// subscribers see changes without polling Check.
func (s *Server) Run(ctx context.Context, interval time.Duration) error {
	for {
		s.Refresh(ctx)
		if err := clock.Sleep(ctx, s.clock, interval); err != nil {
			s.Shutdown()
			return err
		}
	}
}
