package types

import (
	"errors"
	"fmt"
	"strings"
)

// PlanningError means the planner call failed or returned non-conforming code.
type PlanningError struct {
	Err error
}

func (e *PlanningError) Error() string { return "planning failed: " + e.Err.Error() }
func (e *PlanningError) Unwrap() error { return e.Err }

// RepairError means a repair call failed or returned non-conforming code.
type RepairError struct {
	Attempt int
	Err     error
}

func (e *RepairError) Error() string {
	return fmt.Sprintf("repair attempt %d failed: %s", e.Attempt, e.Err.Error())
}
func (e *RepairError) Unwrap() error { return e.Err }

// StoreWriteError means the version store could not persist a write.
type StoreWriteError struct {
	WorkflowID string
	Err        error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("storing script for workflow %q: %s", e.WorkflowID, e.Err.Error())
}
func (e *StoreWriteError) Unwrap() error { return e.Err }

// ExecutionError means a step failed after its internal retry.
type ExecutionError struct {
	StepIndex int
	StepName  string
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.StepName == "" {
		return "execution failed: " + e.Err.Error()
	}
	return fmt.Sprintf("step %d (%s) failed: %s", e.StepIndex, e.StepName, e.Err.Error())
}
func (e *ExecutionError) Unwrap() error { return e.Err }

// EnvironmentError is a fault outside the script, such as an unknown engine
// or a browser that would not start. No script change can fix it.
type EnvironmentError struct {
	Err error
}

func (e *EnvironmentError) Error() string { return "browser environment: " + e.Err.Error() }
func (e *EnvironmentError) Unwrap() error { return e.Err }

// IsEnvironmentFault reports whether err carries an EnvironmentError.
func IsEnvironmentFault(err error) bool {
	var envErr *EnvironmentError
	return errors.As(err, &envErr)
}

// ElementNotFoundError is the ExecutionError cause raised when every
// resolution strategy was exhausted for a target.
type ElementNotFoundError struct {
	Target     string
	Action     string
	Role       string
	Strategies []string
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("element not found: target=%q action=%s role=%s strategies=%s",
		e.Target, e.Action, e.Role, strings.Join(e.Strategies, ","))
}

// AsElementNotFound extracts an ElementNotFoundError from an error chain.
func AsElementNotFound(err error) (*ElementNotFoundError, bool) {
	var enf *ElementNotFoundError
	if errors.As(err, &enf) {
		return enf, true
	}
	return nil, false
}

// IsExecutionFailure reports whether err is recoverable through repair.
func IsExecutionFailure(err error) bool {
	if IsEnvironmentFault(err) {
		return false
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return true
	}
	_, ok := AsElementNotFound(err)
	return ok
}

// AsExecutionError extracts the step failure from an error chain.
func AsExecutionError(err error) (*ExecutionError, bool) {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr, true
	}
	return nil, false
}
