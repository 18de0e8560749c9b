package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"aval/internal/config"
	"aval/internal/db"
	"aval/internal/fleet"
	"aval/internal/fleet/policy"
	"aval/internal/lease/repository"
	"aval/internal/remote"
	"aval/internal/security"
	"aval/internal/session"
)

// loadCriteria builds the match criteria from the environment, the PID map
// and the optional device config. A missing PID map file makes devices match
// on the SoC in their device id.
func loadCriteria(cfg *config.Config, opts options) (fleet.Criteria, error) {
	criteria := fleet.Criteria{WholeFleet: cfg.WholeFleet, SoC: cfg.SoCUDT}
	if opts.DeviceConfig != "" {
		dc, err := fleet.LoadDeviceConfig(opts.DeviceConfig)
		if err != nil {
			return criteria, err
		}
		criteria = criteria.WithDeviceConfig(dc)
	}
	if !criteria.WholeFleet && criteria.SoC == "" {
		return criteria, errors.New("config: SOC_UDT or --device-config is required unless TEST_WHOLE_FLEET is set")
	}
	if cfg.PIDMapPath == "" {
		return criteria, nil
	}
	m, err := fleet.LoadPIDMap(cfg.PIDMapPath)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("no PID map, matching devices by SoC", "path", cfg.PIDMapPath)
		return criteria, nil
	}
	if err != nil {
		return criteria, err
	}
	criteria.PIDMap = m
	return criteria, nil
}

// newEvaluator compiles the eligibility policy. --delegation-config wins over
// FLEET_POLICY_PATH; with neither the built-in policy is used.
func newEvaluator(ctx context.Context, cfg *config.Config, opts options) (policy.Evaluator, error) {
	path := cfg.FleetPolicyPath
	if opts.DelegationConfig != "" {
		path = opts.DelegationConfig
	}
	return policy.LoadOPAEvaluator(ctx, path)
}

// openLeaseStore opens the configured lease datastore. The returned func
// closes it.
func openLeaseStore(ctx context.Context, cfg *config.Config) (repository.Repository, func(), error) {
	switch cfg.LeaseStore {
	case config.LeaseStoreBolt:
		repo, err := repository.NewBoltRepository(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {}, nil
	default:
		conn, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("lease store: %w", err)
		}
		return repository.NewPostgresRepository(conn), func() { _ = conn.Close() }, nil
	}
}

// newDialer returns the SSH dial func for the configured device credentials.
func newDialer(cfg *config.Config, logger *slog.Logger) (session.DialFunc, error) {
	creds := remote.Credentials{User: cfg.DeviceUser, Password: cfg.DevicePassword}
	if cfg.SSHPrivateKey != "" {
		signer, err := security.ParseSigner(cfg.SSHPrivateKey, nil)
		if err != nil {
			return nil, fmt.Errorf("SSH_PRIVATE_KEY: %w", err)
		}
		creds.Signer = signer
	}
	hostKey, err := security.HostKeyCallback(cfg.SSHKnownHosts)
	if err != nil {
		return nil, err
	}
	creds.HostKeyCallback = hostKey
	return session.RemoteDialer(&remote.Dialer{Logger: logger}, creds), nil
}

// loadPublicKey returns PUBLIC_KEY in canonical authorized_keys form. Tunneled
// sessions need it; direct ones do not.
func loadPublicKey(cfg *config.Config) (string, error) {
	if cfg.PublicKey == "" {
		if cfg.UseRAC {
			return "", errors.New("config: PUBLIC_KEY must be set when USE_RAC is true")
		}
		return "", nil
	}
	_, line, err := security.ParseAuthorizedKey(cfg.PublicKey)
	if err != nil {
		return "", fmt.Errorf("PUBLIC_KEY: %w", err)
	}
	return line, nil
}
