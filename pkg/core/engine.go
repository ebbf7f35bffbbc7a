package core

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/arnavsurve/mendstep/pkg/log"
	"github.com/arnavsurve/mendstep/pkg/metrics"
	"github.com/arnavsurve/mendstep/pkg/script"
	"github.com/arnavsurve/mendstep/pkg/security"
	"github.com/arnavsurve/mendstep/pkg/store"
	"github.com/arnavsurve/mendstep/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxParallelRuns = 2
	DefaultPlannerTimeout  = 2 * time.Minute
	DefaultRunTimeout      = 10 * time.Minute

	// maxErrorLen bounds RunResult.Error in bytes.
	maxErrorLen = 2000
)

// HybridEngine plans, runs, repairs and persists workflow scripts.
type HybridEngine struct {
	store    store.Store
	recorder store.RunRecorder
	planner  Planner
	executor Executor
	logger   types.Logger
	metrics  *metrics.Metrics

	slots          *semaphore.Weighted
	plannerTimeout time.Duration
	runTimeout     time.Duration

	newRunID func() string
	now      func() time.Time
}

type EngineOption func(*HybridEngine)

func WithEngineLogger(logger types.Logger) EngineOption {
	return func(e *HybridEngine) { e.logger = logger }
}

func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *HybridEngine) { e.metrics = m }
}

// WithRunRecorder persists every finished run. Stores that implement
// store.RunRecorder are used automatically.
func WithRunRecorder(rec store.RunRecorder) EngineOption {
	return func(e *HybridEngine) { e.recorder = rec }
}

// WithMaxParallelRuns bounds how many runs hold a browser at once. Excess
// runs wait for a slot.
func WithMaxParallelRuns(n int) EngineOption {
	return func(e *HybridEngine) {
		if n > 0 {
			e.slots = semaphore.NewWeighted(int64(n))
		}
	}
}

func WithPlannerTimeout(d time.Duration) EngineOption {
	return func(e *HybridEngine) { e.plannerTimeout = d }
}

func WithRunTimeout(d time.Duration) EngineOption {
	return func(e *HybridEngine) { e.runTimeout = d }
}

func WithRunIDs(gen func() string) EngineOption {
	return func(e *HybridEngine) { e.newRunID = gen }
}

func NewHybridEngine(st store.Store, p Planner, ex Executor, opts ...EngineOption) *HybridEngine {
	e := &HybridEngine{
		store:          st,
		planner:        p,
		executor:       ex,
		logger:         log.Nop(),
		slots:          semaphore.NewWeighted(DefaultMaxParallelRuns),
		plannerTimeout: DefaultPlannerTimeout,
		runTimeout:     DefaultRunTimeout,
		newRunID:       uuid.NewString,
		now:            time.Now,
	}
	if rec, ok := st.(store.RunRecorder); ok {
		e.recorder = rec
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run is the bookkeeping of one RunWorkflow call.
type run struct {
	id        string
	spec      types.WorkflowSpec
	redactor  *security.Redactor
	logger    types.Logger
	logs      []string
	artifacts string
}

func (r *run) note(format string, args ...any) {
	r.logs = append(r.logs, fmt.Sprintf(format, args...))
}

// RunWorkflow executes the request to a terminal status. It never panics and
// never returns an unredacted credential.
func (e *HybridEngine) RunWorkflow(ctx context.Context, req types.RunRequest) (result types.RunResult) {
	r := &run{
		id:       e.newRunID(),
		spec:     req.Spec,
		redactor: security.NewRedactor(req.Spec.CredentialValues()...),
	}
	r.logger = e.logger.With().Str("run_id", r.id).Str("workflow_id", req.Spec.WorkflowID).Logger()
	started := e.now()

	s := initialState(req)
	defer func() {
		if rec := recover(); rec != nil {
			s = s.terminate(types.StatusFailed, fmt.Errorf("internal fault: %v", rec))
		}
		result = e.finish(r, s, started)
	}()
	if f, ok := e.executor.(attemptForgetter); ok {
		defer f.Forget(r.id)
	}

	if err := store.ValidateWorkflowID(req.Spec.WorkflowID); err != nil {
		s = next(s, aborted{err: err})
		return
	}

	e.metrics.Queued(1)
	err := e.slots.Acquire(ctx, 1)
	e.metrics.Queued(-1)
	if err != nil {
		s = next(s, aborted{err: fmt.Errorf("waiting for a browser slot: %w", err)})
		return
	}
	defer e.slots.Release(1)
	e.metrics.Active(1)
	defer e.metrics.Active(-1)

	s, err = e.start(ctx, r, req, s)
	if err != nil {
		s = next(s, aborted{err: err})
		return
	}

	for s.phase != PhaseTerminal {
		var ev event
		switch s.phase {
		case PhasePlanning:
			ev = e.plan(ctx, r)
		case PhaseRunning:
			ev = e.execute(ctx, r, s)
		case PhaseRepairing:
			ev = e.repair(ctx, r, s)
		}
		s = next(s, ev)
		if s.phase != PhaseTerminal && ctx.Err() != nil {
			s = next(s, aborted{err: ctx.Err()})
		}
	}
	return
}

// start picks the script the first execution uses: a pinned version, the
// latest stored one, or none (planning).
func (e *HybridEngine) start(ctx context.Context, r *run, req types.RunRequest, s runState) (runState, error) {
	id := req.Spec.WorkflowID
	if req.PinnedVersion > 0 {
		v, err := e.store.Get(ctx, id, req.PinnedVersion)
		if err != nil {
			return s, fmt.Errorf("loading version %d: %w", req.PinnedVersion, err)
		}
		r.note("running pinned version %d", v.Version)
		r.logger.Info().Int("version", v.Version).Msg("Running pinned version")
		return s.withScript(v.Code, v.Version), nil
	}
	if !req.ReuseExisting {
		return s, nil
	}
	v, ok, err := e.store.GetLatest(ctx, id)
	if err != nil {
		return s, fmt.Errorf("loading latest version: %w", err)
	}
	if !ok {
		return s, nil
	}
	r.note("reusing version %d", v.Version)
	r.logger.Info().Int("version", v.Version).Msg("Reusing stored script")
	return s.withScript(v.Code, v.Version), nil
}

func (e *HybridEngine) plan(ctx context.Context, r *run) event {
	r.logger.Info().Msg("Planning script")
	pctx, cancel := context.WithTimeout(ctx, e.plannerTimeout)
	code, err := e.planner.Plan(pctx, r.spec)
	cancel()
	if err != nil {
		return aborted{err: &types.PlanningError{Err: err}}
	}
	if err := script.Validate(code); err != nil {
		return aborted{err: &types.PlanningError{Err: err}}
	}

	v, err := e.save(ctx, r, code, "planned")
	if err != nil {
		return aborted{err: err}
	}
	e.metrics.VersionSaved("plan")
	r.note("planned version %d", v.Version)
	return planned{code: v.Code, version: v.Version}
}

func (e *HybridEngine) execute(ctx context.Context, r *run, s runState) event {
	n := s.executions + 1
	r.logger.Info().Int("version", s.version).Int("attempt", n).Msg("Executing script")

	xctx, cancel := context.WithTimeout(ctx, e.runTimeout)
	defer cancel()
	began := e.now()
	out := e.executor.Execute(xctx, s.code, r.spec, r.id)
	e.metrics.ObserveExecution(!out.Failed(), e.now().Sub(began))

	r.logs = append(r.logs, out.Logs...)
	if out.ArtifactsPath != "" {
		r.artifacts = out.ArtifactsPath
	}
	if out.Failed() {
		r.note("attempt %d with version %d failed: %s", n, s.version, errText(out.Err))
		r.logger.Warn().Int("version", s.version).Int("attempt", n).Str("error", r.redactor.Redact(errText(out.Err))).Msg("Execution failed")
	} else {
		r.note("attempt %d with version %d succeeded", n, s.version)
	}
	return executed{outcome: out}
}

func (e *HybridEngine) repair(ctx context.Context, r *run, s runState) event {
	n := s.repairs
	failure := s.outcome.Failure
	if failure == nil {
		failure = &types.FailureContext{Logs: s.outcome.Logs}
	}
	failure = redactFailure(r.redactor, failure)
	r.logger.Info().Int("repair_attempt", n).Int("version", s.version).Msg("Requesting repair")

	pctx, cancel := context.WithTimeout(ctx, e.plannerTimeout)
	patched, err := e.planner.Repair(pctx, s.code, *failure)
	cancel()
	if err == nil {
		if verr := script.Validate(patched); verr != nil {
			err = fmt.Errorf("repaired script is invalid: %w", verr)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return aborted{err: ctx.Err()}
		}
		e.metrics.RepairAttempted("failed")
		rerr := &types.RepairError{Attempt: n, Err: err}
		r.note("repair attempt %d failed: %s", n, err)
		r.logger.Warn().Int("repair_attempt", n).Str("error", r.redactor.Redact(rerr.Error())).Msg("Repair failed")
		return repairFailed{err: rerr}
	}

	diff := DiffScripts(s.code, patched)
	notes := fmt.Sprintf("repair attempt %d of version %d: %s (%s)", n, s.version, describeFailure(failure, s.outcome.Err), diff.Summary())
	v, err := e.save(ctx, r, patched, r.redactor.Redact(notes))
	if err != nil {
		return aborted{err: err}
	}
	e.metrics.RepairAttempted("patched")
	e.metrics.VersionSaved("repair")
	r.note("repair attempt %d saved version %d", n, v.Version)
	return repaired{code: v.Code, version: v.Version}
}

// save persists code, retrying a failed write once.
func (e *HybridEngine) save(ctx context.Context, r *run, code, notes string) (types.ScriptVersion, error) {
	id := r.spec.WorkflowID
	v, err := e.store.SaveNew(ctx, id, code, notes)
	if err != nil && ctx.Err() == nil {
		r.logger.Warn().Str("error", r.redactor.Redact(err.Error())).Msg("Retrying store write")
		v, err = e.store.SaveNew(ctx, id, code, notes)
	}
	if err != nil {
		var swe *types.StoreWriteError
		if !errors.As(err, &swe) {
			err = &types.StoreWriteError{WorkflowID: id, Err: err}
		}
		return types.ScriptVersion{}, err
	}
	r.logger.Info().Int("version", v.Version).Msg("Saved script version")
	return v, nil
}

func (e *HybridEngine) finish(r *run, s runState, started time.Time) types.RunResult {
	res := types.RunResult{
		RunID:             r.id,
		WorkflowID:        r.spec.WorkflowID,
		Status:            s.status,
		ScriptVersionUsed: s.version,
		ArtifactsPath:     r.artifacts,
		Logs:              r.redactor.RedactAll(r.logs),
		Attempts:          s.executions,
		StartedAt:         started,
		FinishedAt:        e.now(),
	}
	if res.Status == "" {
		res.Status = types.StatusFailed
	}
	if res.Logs == nil {
		res.Logs = []string{}
	}
	if s.err != nil {
		res.Error = truncate(r.redactor.Redact(s.err.Error()), maxErrorLen)
	}

	evt := r.logger.Info()
	if res.Error != "" {
		evt = r.logger.Warn().Str("error", res.Error)
	}
	evt.Str("status", string(res.Status)).Int("version", res.ScriptVersionUsed).Int("attempts", res.Attempts).Msg("Run finished")

	e.metrics.RunFinished(string(res.Status))
	if e.recorder != nil {
		if err := e.recorder.RecordRun(context.Background(), res); err != nil {
			r.logger.Warn().Err(err).Msg("Could not record run")
		}
	}
	return res
}

func redactFailure(redactor *security.Redactor, f *types.FailureContext) *types.FailureContext {
	out := &types.FailureContext{Logs: redactor.RedactAll(f.Logs)}
	if f.DOM != nil {
		out.DOM = &types.DOMSnapshot{
			HTML:              redactor.Redact(f.DOM.HTML),
			AccessibilityTree: redactor.Redact(f.DOM.AccessibilityTree),
		}
	}
	if f.Diagnostic != nil {
		d := *f.Diagnostic
		d.Message = redactor.Redact(d.Message)
		out.Diagnostic = &d
	}
	return out
}

func describeFailure(f *types.FailureContext, err error) string {
	if d := f.Diagnostic; d != nil {
		if d.Target != "" {
			return fmt.Sprintf("step %d (%s) could not find %q", d.StepIndex, d.StepName, d.Target)
		}
		return fmt.Sprintf("step %d (%s): %s", d.StepIndex, d.StepName, d.Message)
	}
	return errText(err)
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
