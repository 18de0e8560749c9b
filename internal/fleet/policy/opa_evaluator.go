// Package policy evaluates fleet eligibility rules written in Rego.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const (
	eligibleQuery = "data.aval.fleet.eligible"
	reasonQuery   = "data.aval.fleet.reason"
)

// DefaultPolicy matches devices on whole-fleet mode, on their PID4 (kept in
// the device notes) or, without a PID map, on the SoC or hardware id in their
// device id.
const DefaultPolicy = `package aval.fleet

default eligible := false

default reason := "not_targeted"

eligible if {
	input.whole_fleet
}

eligible if {
	not input.whole_fleet
	not input.match_by_soc
	valid_pid4
	input.device.pid4 in input.targets
}

eligible if {
	not input.whole_fleet
	input.match_by_soc
	soc_matches
}

soc_matches if {
	input.device.soc == input.soc
}

soc_matches if {
	input.device.hardware_id == input.soc
}

valid_pid4 if {
	regex.match("^[0-9]+$", input.device.pid4)
}

reason := "whole_fleet" if {
	input.whole_fleet
} else := "soc_match" if {
	input.match_by_soc
	soc_matches
} else := "missing_pid4" if {
	not input.match_by_soc
	input.device.pid4 == ""
} else := "invalid_pid4" if {
	not input.match_by_soc
	not valid_pid4
} else := "pid4_match" if {
	eligible
}
`

// OPAEvaluator evaluates fleet eligibility with an in-process Rego engine.
// Policies are compiled once at construction.
type OPAEvaluator struct {
	eligible rego.PreparedEvalQuery
	reason   rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles the given Rego modules. With no modules the
// default policy is used. A policy must define data.aval.fleet.eligible and
// may define data.aval.fleet.reason.
func NewOPAEvaluator(ctx context.Context, policies ...string) (*OPAEvaluator, error) {
	if len(policies) == 0 {
		policies = []string{DefaultPolicy}
	}
	modules := make(map[string]string, len(policies))
	for i, p := range policies {
		modules[fmt.Sprintf("policy_%d.rego", i)] = p
	}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return nil, fmt.Errorf("compile policies: %w", err)
	}
	eligible, err := rego.New(rego.Query(eligibleQuery), rego.Compiler(compiler)).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", eligibleQuery, err)
	}
	reason, err := rego.New(rego.Query(reasonQuery), rego.Compiler(compiler)).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", reasonQuery, err)
	}
	return &OPAEvaluator{eligible: eligible, reason: reason}, nil
}

// LoadOPAEvaluator compiles the policy file at path, or the default policy
// when path is empty.
func LoadOPAEvaluator(ctx context.Context, path string) (*OPAEvaluator, error) {
	if path == "" {
		return NewOPAEvaluator(ctx)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return NewOPAEvaluator(ctx, string(data))
}

// Evaluate returns the decision for device. An undefined eligible rule is
// treated as not eligible.
func (e *OPAEvaluator) Evaluate(ctx context.Context, in Input, device Device) (Decision, error) {
	input := buildInput(in, device)

	rs, err := e.eligible.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("eval %s: %w", eligibleQuery, err)
	}
	var out Decision
	if len(rs) > 0 && len(rs[0].Expressions) > 0 {
		if v, ok := rs[0].Expressions[0].Value.(bool); ok {
			out.Eligible = v
		}
	}

	rs, err = e.reason.Eval(ctx, rego.EvalInput(input))
	if err == nil && len(rs) > 0 && len(rs[0].Expressions) > 0 {
		if v, ok := rs[0].Expressions[0].Value.(string); ok {
			out.Reason = v
		}
	}
	return out, nil
}

func buildInput(in Input, device Device) map[string]interface{} {
	targets := make([]interface{}, 0, len(in.Targets))
	for _, t := range in.Targets {
		targets = append(targets, t)
	}
	properties := make([]interface{}, 0, len(in.Properties))
	for _, p := range in.Properties {
		properties = append(properties, p)
	}
	return map[string]interface{}{
		"whole_fleet":  in.WholeFleet,
		"match_by_soc": in.MatchBySoC,
		"soc":          in.SoC,
		"properties":   properties,
		"targets":      targets,
		"device": map[string]interface{}{
			"uuid":        device.UUID,
			"device_id":   device.DeviceID,
			"name":        device.Name,
			"pid4":        device.PID4,
			"hardware_id": device.HardwareID,
			"soc":         device.SoC,
			"status":      device.Status,
		},
	}
}
