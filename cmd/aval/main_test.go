package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/ssh"

	"aval/internal/config"
	"aval/internal/coordinator"
	"aval/internal/fleet/policy"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseArgs(t *testing.T) {
	testCases := []struct {
		name    string
		args    []string
		want    options
		wantErr error
	}{
		{
			name: "command only",
			args: []string{"docker run --rm tests"},
			want: options{Command: "docker run --rm tests"},
		},
		{
			name: "all flags",
			args: []string{
				"--before", "systemctl stop app",
				"--copy-artifact", "/home/torizon/report.xml", "--copy-artifact", "report.xml",
				"--device-config", "device.toml",
				"--delegation-config", "fleet.rego",
				"run-tests",
			},
			want: options{
				Command:          "run-tests",
				Before:           "systemctl stop app",
				Artifacts:        []string{"/home/torizon/report.xml", "report.xml"},
				DeviceConfig:     "device.toml",
				DelegationConfig: "fleet.rego",
			},
		},
		{
			name:    "odd artifacts",
			args:    []string{"--copy-artifact", "/tmp/a", "run"},
			wantErr: coordinator.ErrInvalidArtifacts,
		},
		{
			name:    "help",
			args:    []string{"--help"},
			wantErr: pflag.ErrHelp,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseArgs(tc.args, &bytes.Buffer{})
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseArgs: %v", err)
			}
			if got.Command != tc.want.Command || got.Before != tc.want.Before ||
				got.DeviceConfig != tc.want.DeviceConfig || got.DelegationConfig != tc.want.DelegationConfig {
				t.Errorf("options = %+v, want %+v", got, tc.want)
			}
			if !slices.Equal(got.Artifacts, tc.want.Artifacts) {
				t.Errorf("Artifacts = %v, want %v", got.Artifacts, tc.want.Artifacts)
			}
		})
	}
}

func TestParseArgs_CommandCount(t *testing.T) {
	for _, args := range [][]string{nil, {"one", "two"}} {
		var stderr bytes.Buffer
		if _, err := parseArgs(args, &stderr); err == nil {
			t.Errorf("parseArgs(%q) should fail", args)
		}
		if !strings.Contains(stderr.String(), "Usage: aval") {
			t.Errorf("stderr = %q, want usage", stderr.String())
		}
	}
}

func TestRun_ExitCodes(t *testing.T) {
	var stderr bytes.Buffer
	if code := run([]string{"--help"}, &bytes.Buffer{}, &stderr); code != 0 {
		t.Errorf("run(--help) = %d, want 0", code)
	}
	if code := run(nil, &bytes.Buffer{}, &stderr); code != exitUsage {
		t.Errorf("run() = %d, want %d", code, exitUsage)
	}
}

func TestLoadCriteria(t *testing.T) {
	pidMap := writeFile(t, "pid_map.yaml", `
verdin-imx8mp:
  pid4:
    - id: "0058"
      soc_npu: true
    - "0063"
`)
	deviceConfig := writeFile(t, "device.toml", `
[soc_udt]
soc_udt_name = "verdin-imx8mp"
soc_properties = ["soc_npu"]
`)

	t.Run("device config wins over SOC_UDT", func(t *testing.T) {
		cfg := &config.Config{SoCUDT: "imx8mm", PIDMapPath: pidMap}
		c, err := loadCriteria(cfg, options{DeviceConfig: deviceConfig})
		if err != nil {
			t.Fatalf("loadCriteria: %v", err)
		}
		if c.SoC != "verdin-imx8mp" {
			t.Errorf("SoC = %q, want verdin-imx8mp", c.SoC)
		}
		if got := c.PIDMap.Targets(c.SoC, c.Properties); !slices.Equal(got, []string{"0058"}) {
			t.Errorf("targets = %v, want [0058]", got)
		}
	})

	t.Run("missing pid map matches by SoC", func(t *testing.T) {
		cfg := &config.Config{SoCUDT: "imx8mp", PIDMapPath: filepath.Join(t.TempDir(), "absent.yaml")}
		c, err := loadCriteria(cfg, options{})
		if err != nil {
			t.Fatalf("loadCriteria: %v", err)
		}
		if c.PIDMap != nil {
			t.Errorf("PIDMap = %v, want nil", c.PIDMap)
		}
	})

	t.Run("no SoC outside whole fleet", func(t *testing.T) {
		if _, err := loadCriteria(&config.Config{}, options{}); err == nil {
			t.Error("loadCriteria should fail without a SoC")
		}
	})

	t.Run("whole fleet needs no SoC", func(t *testing.T) {
		c, err := loadCriteria(&config.Config{WholeFleet: true}, options{})
		if err != nil {
			t.Fatalf("loadCriteria: %v", err)
		}
		if !c.WholeFleet {
			t.Error("WholeFleet should be set")
		}
	})

	t.Run("broken pid map", func(t *testing.T) {
		cfg := &config.Config{SoCUDT: "imx8mp", PIDMapPath: writeFile(t, "bad.yaml", "verdin: [")}
		if _, err := loadCriteria(cfg, options{}); err == nil {
			t.Error("loadCriteria should fail on a malformed PID map")
		}
	})
}

func TestNewEvaluator_DelegationConfigWins(t *testing.T) {
	rego := writeFile(t, "fleet.rego", `package aval.fleet

import rego.v1

default eligible := false

eligible if input.device.name == "bench"
`)
	cfg := &config.Config{FleetPolicyPath: filepath.Join(t.TempDir(), "absent.rego")}
	ev, err := newEvaluator(context.Background(), cfg, options{DelegationConfig: rego})
	if err != nil {
		t.Fatalf("newEvaluator: %v", err)
	}
	d, err := ev.Evaluate(context.Background(), policy.Input{WholeFleet: true}, policy.Device{Name: "desk"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Eligible {
		t.Error("custom policy should reject devices not named bench")
	}

	if _, err := newEvaluator(context.Background(), cfg, options{}); err == nil {
		t.Error("FLEET_POLICY_PATH should be used without --delegation-config")
	}
}

func TestOpenLeaseStore_Bolt(t *testing.T) {
	cfg := &config.Config{LeaseStore: config.LeaseStoreBolt, BoltPath: filepath.Join(t.TempDir(), "leases.db")}
	repo, closeRepo, err := openLeaseStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openLeaseStore: %v", err)
	}
	defer closeRepo()
	if err := repo.Create(context.Background(), "dev-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ok, err := repo.Exists(context.Background(), "dev-1")
	if err != nil || !ok {
		t.Errorf("Exists = %v, %v; want true", ok, err)
	}
}

func TestLoadPublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("NewPublicKey: %v", err)
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))

	got, err := loadPublicKey(&config.Config{PublicKey: line + " ci@bench", UseRAC: true})
	if err != nil {
		t.Fatalf("loadPublicKey: %v", err)
	}
	if got != line {
		t.Errorf("key = %q, want %q", got, line)
	}

	if _, err := loadPublicKey(&config.Config{UseRAC: true}); err == nil {
		t.Error("tunneled sessions need PUBLIC_KEY")
	}
	if got, err := loadPublicKey(&config.Config{}); err != nil || got != "" {
		t.Errorf("direct without key = %q, %v; want empty, nil", got, err)
	}
}
