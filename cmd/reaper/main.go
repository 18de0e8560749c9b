// reaper unlocks device leases whose holder stopped heartbeating. With --once
// it makes a single pass (for cron); otherwise it runs every REAPER_INTERVAL
// and serves grpc.health.v1 on REAPER_HEALTH_ADDR.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"aval/internal/config"
	"aval/internal/db"
	healthhandler "aval/internal/health/handler"
	"aval/internal/lease"
	"aval/internal/lease/repository"
	"aval/internal/server"
	oteltelemetry "aval/internal/telemetry/otel"
)

func main() {
	once := pflag.Bool("once", false, "reclaim stale leases once and exit")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *once, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("reaper failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, once bool, logger *slog.Logger) error {
	providers, err := oteltelemetry.NewProviders(ctx, oteltelemetry.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName + "-reaper",
		Insecure:    cfg.OTLPInsecure,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	providers.SetGlobal()
	defer func() { _ = providers.Shutdown(context.WithoutCancel(ctx)) }()

	repo, pinger, closeRepo, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	reaper := lease.NewReaper(repo, lease.ReaperConfig{
		StaleAfter: cfg.StaleAfter(),
		Logger:     logger,
		Emitter:    oteltelemetry.NewEventEmitter(providers.LoggerProvider, providers.MeterProvider),
	})
	if once {
		_, err := reaper.RunOnce(ctx)
		return err
	}

	lis, err := net.Listen("tcp", cfg.ReaperHealthAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ReaperHealthAddr, err)
	}
	return serve(ctx, lis, reaper, pinger, cfg, logger)
}

// serve runs the reclaim loop, the health refresher and the gRPC server until
// ctx is done or one of them fails.
func serve(ctx context.Context, lis net.Listener, reaper *lease.Reaper, pinger healthhandler.Pinger, cfg *config.Config, logger *slog.Logger) error {
	interval := cfg.ReaperEvery()
	health := healthhandler.NewServer(healthhandler.Config{
		Pinger:     pinger,
		Reaper:     reaper,
		MaxPassAge: 2 * interval,
		Logger:     logger,
	})
	srv := server.NewServer(server.Deps{Health: health, Reflection: true, Logger: logger})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reaper.Run(ctx, interval) })
	g.Go(func() error { return health.Run(ctx, interval) })
	g.Go(func() error {
		logger.Info("health server listening", "addr", lis.Addr().String())
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down reaper")
		srv.GracefulStop()
		return nil
	})
	return g.Wait()
}

// openStore opens the lease datastore. pinger is nil for bbolt, which has no
// connection to check.
func openStore(ctx context.Context, cfg *config.Config) (repository.Repository, healthhandler.Pinger, func(), error) {
	if cfg.LeaseStore == config.LeaseStoreBolt {
		repo, err := repository.NewBoltRepository(cfg.BoltPath)
		if err != nil {
			return nil, nil, nil, err
		}
		return repo, nil, func() {}, nil
	}
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("lease store: %w", err)
	}
	return repository.NewPostgresRepository(conn), conn, func() { _ = conn.Close() }, nil
}
