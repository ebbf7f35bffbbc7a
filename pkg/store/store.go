// Package store persists script versions and run records.
//
// Versions for a workflow form a gap-free sequence starting at 1. SaveNew is
// the only mutator of that sequence and is serialized per workflow id, while
// reads and writes for distinct workflows proceed independently.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/arnavsurve/mendstep/pkg/types"
)

// ErrNotFound is returned when a version or run record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the script version store.
type Store interface {
	// SaveNew appends code as the next version of workflowID.
	SaveNew(ctx context.Context, workflowID, code, notes string) (types.ScriptVersion, error)
	// GetLatest returns the newest visible version, if any.
	GetLatest(ctx context.Context, workflowID string) (types.ScriptVersion, bool, error)
	// ListVersions returns every version in ascending order.
	ListVersions(ctx context.Context, workflowID string) ([]types.ScriptVersion, error)
	// Get returns exactly one version or ErrNotFound.
	Get(ctx context.Context, workflowID string, version int) (types.ScriptVersion, error)
	// Invalidate hides the latest version from GetLatest until the next SaveNew.
	Invalidate(ctx context.Context, workflowID string) error
}

// RunRecorder persists finished runs so they can be inspected later.
type RunRecorder interface {
	RecordRun(ctx context.Context, result types.RunResult) error
	GetRun(ctx context.Context, runID string) (types.RunResult, error)
}

// runsDir is the reserved name the FS store keeps run records under.
const runsDir = "_runs"

var idRegex = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateWorkflowID reports whether id is safe to use as a storage key.
func ValidateWorkflowID(id string) error {
	if id == "" {
		return fmt.Errorf("workflow is missing 'id'")
	}
	if id == "." || id == ".." || id == runsDir || !idRegex.MatchString(id) {
		return fmt.Errorf("workflow id %q must match [A-Za-z0-9._-]+", id)
	}
	return nil
}

func validateRunID(id string) error {
	if id == "" || id == "." || id == ".." || !idRegex.MatchString(id) {
		return fmt.Errorf("invalid run id %q", id)
	}
	return nil
}

func writeErr(workflowID string, err error) error {
	return &types.StoreWriteError{WorkflowID: workflowID, Err: err}
}
