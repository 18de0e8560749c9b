package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"aval/internal/cloud"
	"aval/internal/fleet/policy"
)

// ErrNoCandidates is returned when no provisioned device matches the run.
var ErrNoCandidates = errors.New("no matching devices")

// Criteria describes which devices a run wants.
type Criteria struct {
	WholeFleet bool
	// SoC is the SOC_UDT value, or the device config's soc_udt_name.
	SoC string
	// Properties narrow the PID map entries for SoC.
	Properties []string
	// PIDMap, when nil, makes devices match on the SoC in their device id.
	PIDMap PIDMap
}

// WithDeviceConfig merges a device config into c. The config wins over
// SOC_UDT.
func (c Criteria) WithDeviceConfig(cfg *DeviceConfig) Criteria {
	if cfg == nil {
		return c
	}
	c.SoC = cfg.SoC.Name
	c.Properties = cfg.SoC.Properties
	return c
}

// Matcher filters the provisioned fleet through an eligibility policy.
type Matcher struct {
	policy policy.Evaluator
	logger *slog.Logger
}

// NewMatcher returns a Matcher. If logger is nil, slog.Default() is used.
func NewMatcher(p policy.Evaluator, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{policy: p, logger: logger}
}

// Match returns the devices eligible for c, in fleet order.
func (m *Matcher) Match(ctx context.Context, devices []cloud.Device, c Criteria) ([]cloud.Device, error) {
	in := policy.Input{
		WholeFleet: c.WholeFleet,
		SoC:        c.SoC,
		Properties: c.Properties,
		MatchBySoC: c.PIDMap == nil,
	}
	if c.PIDMap != nil {
		in.Targets = c.PIDMap.Targets(c.SoC, c.Properties)
	}
	m.logger.Info("finding devices", "soc", c.SoC, "properties", c.Properties, "whole_fleet", c.WholeFleet, "pid4_targets", in.Targets)

	var out []cloud.Device
	for _, d := range devices {
		decision, err := m.policy.Evaluate(ctx, in, toPolicyDevice(d))
		if err != nil {
			return nil, fmt.Errorf("evaluate %s: %w", d.UUID, err)
		}
		switch decision.Reason {
		case policy.ReasonMissingPID4:
			m.logger.Error("device has no PID4 in its notes", "device_uuid", d.UUID, "device_id", d.ID)
		case policy.ReasonInvalidPID4:
			m.logger.Error("device has an invalid PID4 in its notes", "device_uuid", d.UUID, "device_id", d.ID, "pid4", d.Notes)
		}
		if decision.Eligible {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoCandidates
	}
	m.logger.Info("found devices to run on\n" + Table(out))
	return out, nil
}

func toPolicyDevice(d cloud.Device) policy.Device {
	return policy.Device{
		UUID:       d.UUID,
		DeviceID:   d.ID,
		Name:       d.Name,
		PID4:       d.Notes,
		HardwareID: ParseHardwareID(d.ID),
		SoC:        ParseSoC(d.ID),
		Status:     d.Status,
	}
}
