package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"aval/internal/config"
	healthhandler "aval/internal/health/handler"
	"aval/internal/lease"
)

func TestServe_ReportsHealthAndStops(t *testing.T) {
	cfg := &config.Config{
		LeaseStore:     config.LeaseStoreBolt,
		BoltPath:       filepath.Join(t.TempDir(), "leases.db"),
		ReaperInterval: "1h",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo, pinger, closeRepo, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer closeRepo()
	if pinger != nil {
		t.Error("bolt store should have no pinger")
	}
	reaper := lease.NewReaper(repo, lease.ReaperConfig{Logger: logger})

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, lis, reaper, pinger, cfg, logger) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	deadline := time.Now().Add(5 * time.Second)
	for {
		checkCtx, checkCancel := context.WithTimeout(context.Background(), time.Second)
		resp, err := client.Check(checkCtx, &healthpb.HealthCheckRequest{Service: healthhandler.ReaperService})
		checkCancel()
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reaper never reported SERVING: resp=%v err=%v", resp, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("serve = %v, want nil or context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}

func TestRun_OnceWithBolt(t *testing.T) {
	cfg := &config.Config{
		LeaseStore: config.LeaseStoreBolt,
		BoltPath:   filepath.Join(t.TempDir(), "leases.db"),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := run(context.Background(), cfg, true, logger); err != nil {
		t.Fatalf("run --once: %v", err)
	}
}
