// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	LeaseStorePostgres = "postgres"
	LeaseStoreBolt     = "bolt"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// DatabaseURL is the Postgres DSN for the lease table. Required when LeaseStore is postgres.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// LeaseStore selects the lease datastore: "postgres" (default) or "bolt".
	LeaseStore string `mapstructure:"LEASE_STORE"`
	// BoltPath is the bbolt file used when LeaseStore is bolt.
	BoltPath string `mapstructure:"BOLT_PATH"`

	// Cloud API credentials (client-credentials grant).
	CloudClientID     string `mapstructure:"TORIZON_API_CLIENT_ID"`
	CloudClientSecret string `mapstructure:"TORIZON_API_SECRET_ID"`
	CloudBaseURL      string `mapstructure:"TORIZON_API_BASE_URL"`
	CloudTokenURL     string `mapstructure:"TORIZON_TOKEN_URL"`

	// PublicKey is installed into remote-access sessions (key or path to a .pub file).
	PublicKey string `mapstructure:"PUBLIC_KEY"`
	// DevicePassword authenticates SSH when no private key is set.
	DevicePassword string `mapstructure:"DEVICE_PASSWORD"`
	// DeviceUser is the SSH login on devices (default torizon).
	DeviceUser string `mapstructure:"DEVICE_USER"`
	// SSHPrivateKey is inline PEM or a path to the key matching PublicKey.
	SSHPrivateKey string `mapstructure:"SSH_PRIVATE_KEY"`
	// SSHKnownHosts is a known_hosts path. Empty accepts any host key.
	SSHKnownHosts string `mapstructure:"SSH_KNOWN_HOSTS"`

	// TargetBuildType is the release type devices are updated to (e.g. "monthly").
	TargetBuildType string `mapstructure:"TARGET_BUILD_TYPE"`
	// WholeFleet runs on every eligible device instead of stopping after the first.
	WholeFleet bool `mapstructure:"TEST_WHOLE_FLEET"`
	// UseRAC reaches devices through the remote-access tunnel instead of the LAN.
	UseRAC bool `mapstructure:"USE_RAC"`
	// SoCUDT is the SoC (or hardware id) to target when no device config is given.
	SoCUDT string `mapstructure:"SOC_UDT"`
	// PIDMapPath is the YAML map from SoC to PID4 ids.
	PIDMapPath string `mapstructure:"PID_MAP_PATH"`
	// FleetPolicyPath is a rego file replacing the built-in eligibility policy.
	FleetPolicyPath string `mapstructure:"FLEET_POLICY_PATH"`

	// Lease and reaper timings, parsed with time.ParseDuration (see the accessors).
	HeartbeatInterval string `mapstructure:"HEARTBEAT_INTERVAL"`
	LockMaxAttempts   int    `mapstructure:"LOCK_MAX_ATTEMPTS"`
	LockRetryInterval string `mapstructure:"LOCK_RETRY_INTERVAL"`
	ReaperStaleAfter  string `mapstructure:"REAPER_STALE_AFTER"`
	ReaperInterval    string `mapstructure:"REAPER_INTERVAL"`
	// ReaperHealthAddr is where the reaper daemon serves grpc.health.v1 (e.g. :8081).
	ReaperHealthAddr string `mapstructure:"REAPER_HEALTH_ADDR"`
	// UpdateMaxWait bounds how long an update is polled before giving up.
	UpdateMaxWait string `mapstructure:"UPDATE_MAX_WAIT"`

	// Telemetry (optional). When the endpoint is empty, OTel providers are no-ops.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName  string `mapstructure:"OTEL_SERVICE_NAME"`
	// Verbose enables debug logging.
	Verbose bool `mapstructure:"AVAL_VERBOSE"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("LEASE_STORE", LeaseStorePostgres)
	v.SetDefault("BOLT_PATH", "aval-leases.db")
	v.SetDefault("TORIZON_API_CLIENT_ID", "")
	v.SetDefault("TORIZON_API_SECRET_ID", "")
	v.SetDefault("TORIZON_API_BASE_URL", "https://app.torizon.io/api/v2beta")
	v.SetDefault("TORIZON_TOKEN_URL", "https://kc.torizon.io/auth/realms/ota-users/protocol/openid-connect/token")
	v.SetDefault("PUBLIC_KEY", "")
	v.SetDefault("DEVICE_PASSWORD", "")
	v.SetDefault("DEVICE_USER", "torizon")
	v.SetDefault("SSH_PRIVATE_KEY", "")
	v.SetDefault("SSH_KNOWN_HOSTS", "")
	v.SetDefault("TARGET_BUILD_TYPE", "")
	v.SetDefault("TEST_WHOLE_FLEET", false)
	v.SetDefault("USE_RAC", false)
	v.SetDefault("SOC_UDT", "")
	v.SetDefault("PID_MAP_PATH", "pid_map.yaml")
	v.SetDefault("FLEET_POLICY_PATH", "")
	v.SetDefault("HEARTBEAT_INTERVAL", "120s")
	v.SetDefault("LOCK_MAX_ATTEMPTS", 60)
	v.SetDefault("LOCK_RETRY_INTERVAL", "60s")
	v.SetDefault("REAPER_STALE_AFTER", "3h")
	v.SetDefault("REAPER_INTERVAL", "10m")
	v.SetDefault("REAPER_HEALTH_ADDR", ":8081")
	v.SetDefault("UPDATE_MAX_WAIT", "2h")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "aval")
	v.SetDefault("AVAL_VERBOSE", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.LeaseStore = strings.ToLower(strings.TrimSpace(cfg.LeaseStore))
	switch cfg.LeaseStore {
	case LeaseStorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("config: DATABASE_URL must be set when LEASE_STORE=postgres")
		}
	case LeaseStoreBolt:
		if cfg.BoltPath == "" {
			return nil, errors.New("config: BOLT_PATH must be set when LEASE_STORE=bolt")
		}
	default:
		return nil, errors.New("config: LEASE_STORE must be postgres or bolt")
	}

	if cfg.LockMaxAttempts < 0 {
		return nil, errors.New("config: LOCK_MAX_ATTEMPTS must not be negative")
	}

	return &cfg, nil
}

// ValidateCloud reports an error unless the cloud credentials and the target
// release type are set. The reaper does not talk to the cloud, so Load does
// not require them.
func (c *Config) ValidateCloud() error {
	var errs []error
	if c.CloudClientID == "" {
		errs = append(errs, errors.New("config: TORIZON_API_CLIENT_ID must be set"))
	}
	if c.CloudClientSecret == "" {
		errs = append(errs, errors.New("config: TORIZON_API_SECRET_ID must be set"))
	}
	if strings.TrimSpace(c.TargetBuildType) == "" {
		errs = append(errs, errors.New("config: TARGET_BUILD_TYPE must be set"))
	}
	if c.SSHPrivateKey == "" && c.DevicePassword == "" {
		errs = append(errs, errors.New("config: SSH_PRIVATE_KEY or DEVICE_PASSWORD must be set"))
	}
	return errors.Join(errs...)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Heartbeat parses HeartbeatInterval. Returns 120s if unset or invalid.
func (c *Config) Heartbeat() time.Duration {
	return parseDuration(c.HeartbeatInterval, 120*time.Second)
}

// LockRetry parses LockRetryInterval. Returns 60s if unset or invalid.
func (c *Config) LockRetry() time.Duration {
	return parseDuration(c.LockRetryInterval, 60*time.Second)
}

// StaleAfter parses ReaperStaleAfter. Returns 3h if unset or invalid.
func (c *Config) StaleAfter() time.Duration {
	return parseDuration(c.ReaperStaleAfter, 3*time.Hour)
}

// ReaperEvery parses ReaperInterval. Returns 10m if unset or invalid.
func (c *Config) ReaperEvery() time.Duration {
	return parseDuration(c.ReaperInterval, 10*time.Minute)
}

// UpdateWait parses UpdateMaxWait. Returns 2h if unset or invalid.
func (c *Config) UpdateWait() time.Duration {
	return parseDuration(c.UpdateMaxWait, 2*time.Hour)
}
