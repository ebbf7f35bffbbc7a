package core

import (
	"github.com/arnavsurve/mendstep/pkg/executor"
	"github.com/arnavsurve/mendstep/pkg/types"
)

// Phase is a state of the plan, run and repair loop.
type Phase int

const (
	PhasePlanning Phase = iota
	PhaseRunning
	PhaseRepairing
	PhaseTerminal
)

func (p Phase) String() string {
	switch p {
	case PhasePlanning:
		return "planning"
	case PhaseRunning:
		return "running"
	case PhaseRepairing:
		return "repairing"
	case PhaseTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// runState is the value folded over the attempts of one run. Only next
// produces new states.
type runState struct {
	phase Phase

	code    string
	version int
	// failedVersion is the version of the last failed execution.
	failedVersion int

	allowRepair bool
	maxRepairs  int
	// repairs counts repair attempts, including ones that produced no code.
	repairs int
	// patched counts repair attempts that persisted a new version.
	patched int

	executions int
	outcome    executor.Outcome
	status     types.RunStatus
	err        error
}

func initialState(req types.RunRequest) runState {
	maxRepairs := req.MaxRepairAttempts
	if maxRepairs < 0 {
		maxRepairs = 0
	}
	return runState{
		phase:       PhasePlanning,
		allowRepair: req.AllowRepair && maxRepairs > 0,
		maxRepairs:  maxRepairs,
	}
}

// withScript starts the loop from an existing version instead of planning.
func (s runState) withScript(code string, version int) runState {
	s.phase = PhaseRunning
	s.code = code
	s.version = version
	return s
}

// event is the result of performing the effect a phase asks for.
type event interface{ isEvent() }

type (
	// planned: a fresh script was persisted.
	planned struct {
		code    string
		version int
	}
	// executed: one execution attempt finished.
	executed struct {
		outcome executor.Outcome
	}
	// repaired: a patched script was persisted.
	repaired struct {
		code    string
		version int
	}
	// repairFailed: the repair call failed or returned unusable code.
	repairFailed struct {
		err error
	}
	// aborted: planning, persistence or the caller ended the run.
	aborted struct {
		err error
	}
)

func (planned) isEvent()      {}
func (executed) isEvent()     {}
func (repaired) isEvent()     {}
func (repairFailed) isEvent() {}
func (aborted) isEvent()      {}

// next is the transition function of the loop. It performs no I/O.
func next(s runState, ev event) runState {
	if s.phase == PhaseTerminal {
		return s
	}

	switch e := ev.(type) {
	case aborted:
		return s.terminate(types.StatusFailed, e.err)

	case planned:
		if s.phase != PhasePlanning {
			return s
		}
		s.code, s.version = e.code, e.version
		s.phase = PhaseRunning
		return s

	case executed:
		if s.phase != PhaseRunning {
			return s
		}
		s.executions++
		s.outcome = e.outcome
		if !e.outcome.Failed() {
			if s.patched > 0 {
				return s.terminate(types.StatusRepairedSuccess, nil)
			}
			return s.terminate(types.StatusSuccess, nil)
		}
		s.failedVersion = s.version
		return s.triage(e.outcome.Err)

	case repaired:
		if s.phase != PhaseRepairing {
			return s
		}
		s.patched++
		s.code, s.version = e.code, e.version
		s.phase = PhaseRunning
		return s

	case repairFailed:
		if s.phase != PhaseRepairing {
			return s
		}
		if s.repairs >= s.maxRepairs {
			return s.terminate(s.failedStatus(), e.err)
		}
		s.repairs++
		return s
	}
	return s
}

// triage decides whether a failed execution is repaired or final.
func (s runState) triage(err error) runState {
	if !s.allowRepair || s.repairs >= s.maxRepairs || types.IsEnvironmentFault(err) {
		return s.terminate(s.failedStatus(), err)
	}
	s.repairs++
	s.phase = PhaseRepairing
	return s
}

// failedStatus is repaired_failed only when a repair produced the version
// that failed last.
func (s runState) failedStatus() types.RunStatus {
	if s.patched > 0 {
		return types.StatusRepairedFailed
	}
	return types.StatusFailed
}

func (s runState) terminate(status types.RunStatus, err error) runState {
	s.phase = PhaseTerminal
	s.status = status
	s.err = err
	return s
}
