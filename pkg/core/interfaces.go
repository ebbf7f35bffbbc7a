package core

import (
	"context"

	"github.com/arnavsurve/mendstep/pkg/executor"
	"github.com/arnavsurve/mendstep/pkg/types"
)

// Planner writes and repairs scripts. It is usually a model client and is
// treated as slow and fallible.
type Planner interface {
	Plan(ctx context.Context, spec types.WorkflowSpec) (string, error)
	Repair(ctx context.Context, code string, failure types.FailureContext) (string, error)
}

// Executor runs one script attempt in a fresh browser session.
type Executor interface {
	Execute(ctx context.Context, code string, spec types.WorkflowSpec, runID string) executor.Outcome
}

// attemptForgetter is implemented by executors that keep per-run counters.
type attemptForgetter interface {
	Forget(runID string)
}
