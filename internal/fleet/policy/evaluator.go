package policy

import "context"

// Reasons reported by the default policy.
const (
	ReasonWholeFleet  = "whole_fleet"
	ReasonPID4Match   = "pid4_match"
	ReasonSoCMatch    = "soc_match"
	ReasonMissingPID4 = "missing_pid4"
	ReasonInvalidPID4 = "invalid_pid4"
	ReasonNotTargeted = "not_targeted"
)

// Device is the policy's view of one provisioned device.
type Device struct {
	UUID       string
	DeviceID   string
	Name       string
	PID4       string
	HardwareID string
	SoC        string
	Status     string
}

// Input is what a run asks for.
type Input struct {
	WholeFleet bool
	// SoC and Properties come from SOC_UDT or the device config.
	SoC        string
	Properties []string
	// Targets are the product ids the PID map lists for SoC. When
	// MatchBySoC is set no PID map is configured and devices match on SoC.
	Targets    []string
	MatchBySoC bool
}

// Decision is the policy result for one device.
type Decision struct {
	Eligible bool
	Reason   string
}

// Evaluator decides whether a device may be used for a run.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input, device Device) (Decision, error)
}
