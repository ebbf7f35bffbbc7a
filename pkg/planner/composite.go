package planner

import (
	"context"
	"errors"
	"fmt"

	"github.com/arnavsurve/mendstep/pkg/types"
)

// Composite plans with one generator and repairs with a chain of repairers;
// the first repairer that returns code wins.
type Composite struct {
	generator Generator
	repairers []Repairer
}

func NewComposite(generator Generator, repairers ...Repairer) *Composite {
	return &Composite{generator: generator, repairers: repairers}
}

func (c *Composite) Plan(ctx context.Context, spec types.WorkflowSpec) (string, error) {
	if c.generator == nil {
		return "", errors.New("no generator configured")
	}
	return c.generator.Plan(ctx, spec)
}

func (c *Composite) Repair(ctx context.Context, code string, failure types.FailureContext) (string, error) {
	var errs []error
	for _, r := range c.repairers {
		patched, err := r.Repair(ctx, code, failure)
		if err == nil {
			return patched, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", ErrCannotRepair
	}
	return "", fmt.Errorf("every repairer failed: %w", errors.Join(errs...))
}
