// Package planner produces and repairs automation scripts. Every
// implementation returns Lua text satisfying the script package contract;
// callers validate it before trusting it.
package planner

import (
	"context"
	"errors"

	"github.com/arnavsurve/mendstep/pkg/types"
)

// Generator writes a first script for a workflow.
type Generator interface {
	Plan(ctx context.Context, spec types.WorkflowSpec) (string, error)
}

// Repairer patches a failing script using the redacted failure context.
type Repairer interface {
	Repair(ctx context.Context, code string, failure types.FailureContext) (string, error)
}

// Planner is both halves.
type Planner interface {
	Generator
	Repairer
}

// ErrCannotRepair means a repairer found nothing it knows how to fix.
var ErrCannotRepair = errors.New("no repair found for this failure")
