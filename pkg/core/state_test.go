package core

import (
	"errors"
	"testing"

	"github.com/arnavsurve/mendstep/pkg/executor"
	"github.com/arnavsurve/mendstep/pkg/types"
	"github.com/stretchr/testify/assert"
)

var (
	failedRun  = executed{outcome: executor.Outcome{Status: types.StatusFailed, Err: errors.New("step failed")}}
	successRun = executed{outcome: executor.Outcome{Status: types.StatusSuccess}}
	noBrowser  = executed{outcome: executor.Outcome{Status: types.StatusFailed, Err: &types.EnvironmentError{Err: errors.New("chrome not installed")}}}
)

func fold(s runState, events ...event) runState {
	for _, ev := range events {
		s = next(s, ev)
	}
	return s
}

func TestNext(t *testing.T) {
	repairable := types.RunRequest{AllowRepair: true, MaxRepairAttempts: 2}

	tests := []struct {
		name       string
		req        types.RunRequest
		events     []event
		phase      Phase
		status     types.RunStatus
		version    int
		executions int
		repairs    int
	}{
		{
			name:   "plan then succeed",
			req:    repairable,
			events: []event{planned{code: "a", version: 1}, successRun},
			phase:  PhaseTerminal, status: types.StatusSuccess, version: 1, executions: 1,
		},
		{
			name:   "failure enters repair",
			req:    repairable,
			events: []event{planned{code: "a", version: 1}, failedRun},
			phase:  PhaseRepairing, version: 1, executions: 1, repairs: 1,
		},
		{
			name:   "repair then succeed",
			req:    repairable,
			events: []event{planned{code: "a", version: 1}, failedRun, repaired{code: "b", version: 2}, successRun},
			phase:  PhaseTerminal, status: types.StatusRepairedSuccess, version: 2, executions: 2, repairs: 1,
		},
		{
			name: "exhausted",
			req:  repairable,
			events: []event{
				planned{code: "a", version: 1}, failedRun,
				repaired{code: "b", version: 2}, failedRun,
				repaired{code: "c", version: 3}, failedRun,
			},
			phase: PhaseTerminal, status: types.StatusRepairedFailed, version: 3, executions: 3, repairs: 2,
		},
		{
			name:   "environment fault is final",
			req:    repairable,
			events: []event{planned{code: "a", version: 1}, noBrowser},
			phase:  PhaseTerminal, status: types.StatusFailed, version: 1, executions: 1,
		},
		{
			name:   "environment fault after a patch",
			req:    repairable,
			events: []event{planned{code: "a", version: 1}, failedRun, repaired{code: "b", version: 2}, noBrowser},
			phase:  PhaseTerminal, status: types.StatusRepairedFailed, version: 2, executions: 2, repairs: 1,
		},
		{
			name:   "repair disabled",
			req:    types.RunRequest{MaxRepairAttempts: 3},
			events: []event{planned{code: "a", version: 1}, failedRun},
			phase:  PhaseTerminal, status: types.StatusFailed, version: 1, executions: 1,
		},
		{
			name:   "zero attempts",
			req:    types.RunRequest{AllowRepair: true},
			events: []event{planned{code: "a", version: 1}, failedRun},
			phase:  PhaseTerminal, status: types.StatusFailed, version: 1, executions: 1,
		},
		{
			name:   "repair error retries",
			req:    repairable,
			events: []event{planned{code: "a", version: 1}, failedRun, repairFailed{err: errors.New("bad")}},
			phase:  PhaseRepairing, version: 1, executions: 1, repairs: 2,
		},
		{
			name: "every repair errors",
			req:  repairable,
			events: []event{
				planned{code: "a", version: 1}, failedRun,
				repairFailed{err: errors.New("bad")}, repairFailed{err: errors.New("worse")},
			},
			phase: PhaseTerminal, status: types.StatusFailed, version: 1, executions: 1, repairs: 2,
		},
		{
			name: "final repair error after a patch",
			req:  repairable,
			events: []event{
				planned{code: "a", version: 1}, failedRun,
				repaired{code: "b", version: 2}, failedRun,
				repairFailed{err: errors.New("bad")},
			},
			phase: PhaseTerminal, status: types.StatusRepairedFailed, version: 2, executions: 2, repairs: 2,
		},
		{
			name:   "planning aborted",
			req:    repairable,
			events: []event{aborted{err: &types.PlanningError{Err: errors.New("x")}}},
			phase:  PhaseTerminal, status: types.StatusFailed,
		},
		{
			name:   "terminal absorbs events",
			req:    repairable,
			events: []event{planned{code: "a", version: 1}, successRun, failedRun, aborted{err: errors.New("late")}},
			phase:  PhaseTerminal, status: types.StatusSuccess, version: 1, executions: 1,
		},
		{
			name:   "out of phase event ignored",
			req:    repairable,
			events: []event{repaired{code: "b", version: 2}},
			phase:  PhasePlanning,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := fold(initialState(tt.req), tt.events...)
			assert.Equal(t, tt.phase, s.phase, "phase %s", s.phase)
			assert.Equal(t, tt.status, s.status)
			assert.Equal(t, tt.version, s.version)
			assert.Equal(t, tt.executions, s.executions)
			assert.Equal(t, tt.repairs, s.repairs)
		})
	}
}

func TestNext_SurfacesLastError(t *testing.T) {
	final := errors.New("repair attempt 2 failed")
	s := fold(initialState(types.RunRequest{AllowRepair: true, MaxRepairAttempts: 2}),
		planned{code: "a", version: 1}, failedRun,
		repairFailed{err: errors.New("first")}, repairFailed{err: final})
	assert.Same(t, final, s.err)

	s = fold(initialState(types.RunRequest{}), planned{code: "a", version: 1}, failedRun)
	assert.Equal(t, failedRun.outcome.Err, s.err)
}

func TestInitialState_WithScript(t *testing.T) {
	s := initialState(types.RunRequest{AllowRepair: true, MaxRepairAttempts: -1}).withScript("a", 4)
	assert.Equal(t, PhaseRunning, s.phase)
	assert.False(t, s.allowRepair)
	s = next(s, failedRun)
	assert.Equal(t, types.StatusFailed, s.status)
	assert.Equal(t, 4, s.version)
}
