// aval runs a command on a device of the fleet: it picks eligible devices,
// locks one, updates it to the latest build, runs the command over SSH and
// copies artifacts back. Configuration comes from the environment (see
// internal/config).
//
// Exit status: 0 on success, 69 when every eligible device was busy, 2 for
// usage errors and 1 for anything else.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"aval/internal/cloud"
	"aval/internal/config"
	"aval/internal/coordinator"
	"aval/internal/fleet"
	"aval/internal/lease"
	"aval/internal/session"
	sessiondomain "aval/internal/session/domain"
	oteltelemetry "aval/internal/telemetry/otel"
	"aval/internal/update"
)

const exitUsage = 2

// options are the command-line arguments.
type options struct {
	Command          string
	Before           string
	Artifacts        []string
	DeviceConfig     string
	DelegationConfig string
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var opts options
	flags := pflag.NewFlagSet("aval", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintln(stderr, "Run commands on remote devices provisioned on Torizon Cloud.")
		fmt.Fprintln(stderr, "\nUsage: aval [flags] command")
		flags.PrintDefaults()
	}
	flags.StringVar(&opts.Before, "before", "", "command to run before the main command on the target device")
	flags.StringArrayVar(&opts.Artifacts, "copy-artifact", nil, "remote-path then local-output; repeat to copy several files")
	flags.StringVar(&opts.DeviceConfig, "device-config", "", "TOML config naming the SoC and properties to match")
	flags.StringVar(&opts.DelegationConfig, "delegation-config", "", "rego policy deciding device eligibility (overrides FLEET_POLICY_PATH)")
	if err := flags.Parse(args); err != nil {
		return opts, err
	}
	if flags.NArg() != 1 {
		flags.Usage()
		return opts, errors.New("exactly one command is required")
	}
	opts.Command = flags.Arg(0)
	if _, err := coordinator.ParseArtifacts(opts.Artifacts); err != nil {
		return opts, fmt.Errorf("--copy-artifact: %w", err)
	}
	return opts, nil
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, "aval:", err)
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 1
	}
	if err := cfg.ValidateCloud(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger := newLogger(stderr, cfg.Verbose)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = execute(ctx, cfg, opts, stdout, stderr, logger)
	if err != nil {
		logger.Error("run failed", "class", coordinator.ErrorClass(err), "error", err)
	}
	return coordinator.ExitCode(err)
}

func execute(ctx context.Context, cfg *config.Config, opts options, stdout, stderr io.Writer, logger *slog.Logger) error {
	providers, err := oteltelemetry.NewProviders(ctx, oteltelemetry.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Insecure:    cfg.OTLPInsecure,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	providers.SetGlobal()
	defer func() {
		if err := providers.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()
	emitter := oteltelemetry.NewEventEmitter(providers.LoggerProvider, providers.MeterProvider)

	artifacts, err := coordinator.ParseArtifacts(opts.Artifacts)
	if err != nil {
		return err
	}

	client := cloud.New(cloud.Config{
		BaseURL:      cfg.CloudBaseURL,
		TokenURL:     cfg.CloudTokenURL,
		ClientID:     cfg.CloudClientID,
		ClientSecret: cfg.CloudClientSecret,
		Logger:       logger,
	})
	if err := client.Init(ctx); err != nil {
		return err
	}

	candidates, err := findCandidates(ctx, cfg, opts, client, logger)
	if err != nil {
		return err
	}

	repo, closeRepo, err := openLeaseStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	dial, err := newDialer(cfg, logger)
	if err != nil {
		return err
	}
	publicKey, err := loadPublicKey(cfg)
	if err != nil {
		return err
	}

	c := coordinator.New(coordinator.Config{
		Leases: lease.NewManager(repo, lease.ManagerConfig{
			HeartbeatInterval: cfg.Heartbeat(),
			Logger:            logger,
			Emitter:           emitter,
		}),
		Sessions: session.New(session.Config{
			Cloud:     client,
			Dial:      dial,
			PublicKey: publicKey,
			Logger:    logger,
			Emitter:   emitter,
		}),
		Updater: update.New(update.Config{
			Cloud:   client,
			MaxWait: cfg.UpdateWait(),
			Logger:  logger,
			Emitter: emitter,
		}),
		Wait: lease.AcquireOptions{
			MaxAttempts: cfg.LockMaxAttempts,
			Interval:    cfg.LockRetry(),
		},
		Stdout:  stdout,
		Stderr:  stderr,
		Logger:  logger,
		Emitter: emitter,
	})

	transport := sessiondomain.Direct
	if cfg.UseRAC {
		transport = sessiondomain.Tunneled
	}
	sum, err := c.RunFleet(ctx, candidates, coordinator.Job{
		Command:     opts.Command,
		Before:      opts.Before,
		Artifacts:   artifacts,
		ReleaseType: cfg.TargetBuildType,
		Transport:   transport,
		WholeFleet:  cfg.WholeFleet,
	})
	logger.Info("fleet run finished", "processed", len(sum.Processed), "busy", len(sum.Busy))
	return err
}

// findCandidates lists the provisioned fleet and keeps the devices the
// eligibility policy accepts.
func findCandidates(ctx context.Context, cfg *config.Config, opts options, client *cloud.Client, logger *slog.Logger) ([]cloud.Device, error) {
	criteria, err := loadCriteria(cfg, opts)
	if err != nil {
		return nil, err
	}
	evaluator, err := newEvaluator(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}

	devices, err := client.ListProvisionedDevices(ctx)
	if err != nil {
		return nil, err
	}
	candidates, err := fleet.NewMatcher(evaluator, logger).Match(ctx, devices, criteria)
	if err != nil {
		if errors.Is(err, fleet.ErrNoCandidates) {
			logger.Error("couldn't find any devices to run on")
		}
		return nil, err
	}
	return candidates, nil
}
