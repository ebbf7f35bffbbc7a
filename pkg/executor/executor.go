// Package executor runs a script against a fresh browser session and
// captures a redacted failure bundle when it fails.
package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/arnavsurve/mendstep/pkg/browser"
	"github.com/arnavsurve/mendstep/pkg/log"
	"github.com/arnavsurve/mendstep/pkg/log/sinks"
	"github.com/arnavsurve/mendstep/pkg/resolver"
	"github.com/arnavsurve/mendstep/pkg/script"
	"github.com/arnavsurve/mendstep/pkg/security"
	"github.com/arnavsurve/mendstep/pkg/types"
)

const defaultCaptureTimeout = 10 * time.Second

// Outcome is the executor's part of a run result.
type Outcome struct {
	Status        types.RunStatus
	Logs          []string
	Failure       *types.FailureContext
	ArtifactsPath string
	Err           error
	Notes         string
	Artifacts     []string
}

// Failed reports whether the execution did not succeed.
func (o Outcome) Failed() bool { return o.Status != types.StatusSuccess }

// EngineLookup resolves a workflow's engine name.
type EngineLookup func(name string) (browser.Engine, error)

type Executor struct {
	lookup         EngineLookup
	artifactsRoot  string
	sessionsRoot   string
	stepTimeout    time.Duration
	attemptTimeout time.Duration
	captureTimeout time.Duration
	logger         types.Logger

	mu       sync.Mutex
	last     *types.FailureContext
	attempts map[string]int
}

type Option func(*Executor)

func WithEngineLookup(lookup EngineLookup) Option {
	return func(e *Executor) { e.lookup = lookup }
}

// WithEngine runs every workflow on engine regardless of its configured name.
func WithEngine(engine browser.Engine) Option {
	return func(e *Executor) {
		e.lookup = func(string) (browser.Engine, error) { return engine, nil }
	}
}

func WithArtifactsRoot(dir string) Option {
	return func(e *Executor) { e.artifactsRoot = dir }
}

// WithSessionsRoot is where persisted browser profiles live, one per workflow.
func WithSessionsRoot(dir string) Option {
	return func(e *Executor) { e.sessionsRoot = dir }
}

func WithStepTimeout(d time.Duration) Option {
	return func(e *Executor) { e.stepTimeout = d }
}

// WithAttemptTimeout is the resolver's per-tier polling budget.
func WithAttemptTimeout(d time.Duration) Option {
	return func(e *Executor) { e.attemptTimeout = d }
}

// WithLogger forwards every redacted execution log line to logger.
func WithLogger(logger types.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

func New(opts ...Option) *Executor {
	e := &Executor{
		lookup:         browser.Lookup,
		artifactsRoot:  filepath.Join(".mendstep", "artifacts"),
		sessionsRoot:   filepath.Join(".mendstep", "sessions"),
		stepTimeout:    script.DefaultStepTimeout,
		attemptTimeout: resolver.DefaultAttemptTimeout,
		captureTimeout: defaultCaptureTimeout,
		attempts:       map[string]int{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LastFailureContext returns the failure of the most recent failed execution.
func (e *Executor) LastFailureContext() (*types.FailureContext, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.last != nil
}

func (e *Executor) nextAttempt(runID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts[runID]++
	return e.attempts[runID]
}

// Forget drops the attempt counter kept for runID.
func (e *Executor) Forget(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.attempts, runID)
}

// execution is the state of one Execute call.
type execution struct {
	spec       types.WorkflowSpec
	runID      string
	attempt    int
	redactor   *security.Redactor
	transcript *sinks.TranscriptSink
	logger     types.Logger
}

// Execute runs code against a session created for this call only. The
// session is closed on every return path, including panics and cancellation.
func (e *Executor) Execute(ctx context.Context, code string, spec types.WorkflowSpec, runID string) (out Outcome) {
	x := e.newExecution(spec, runID)
	x.logger.Info().Str("engine", spec.Browser.Engine).Msg("Execution started")

	var page browser.Page
	var sess browser.Session
	defer func() {
		if rec := recover(); rec != nil {
			out = e.fail(ctx, x, sess, page, &types.ExecutionError{Err: fmt.Errorf("executor panic: %v", rec)}, script.Result{})
		}
		if sess != nil {
			if err := sess.Close(); err != nil {
				x.logger.Warn().Err(err).Msg("Closing browser session failed")
			}
		}
	}()

	engine, err := e.lookup(spec.Browser.Engine)
	if err != nil {
		return e.fail(ctx, x, nil, nil, &types.EnvironmentError{Err: err}, script.Result{})
	}
	sess, err = engine.NewSession(ctx, e.launchOptions(spec))
	if err != nil {
		return e.fail(ctx, x, nil, nil, &types.EnvironmentError{Err: fmt.Errorf("starting %s session: %w", engine.Name(), err)}, script.Result{})
	}
	page = sess.Page()

	res := resolver.New(resolver.WithAttemptTimeout(e.attemptTimeout), resolver.WithLogger(x.logger))
	rtOpts := []script.Option{script.WithLogger(x.logger), script.WithStepTimeout(e.stepTimeout)}
	if spec.Artifacts {
		rtOpts = append(rtOpts, script.WithArtifactsDir(e.bundleDir(x)))
	}

	result, err := script.NewRuntime(page, res, rtOpts...).Run(ctx, code, spec)
	if err != nil {
		return e.fail(ctx, x, sess, page, err, result)
	}

	x.logger.Info().Msg("Execution succeeded")
	return Outcome{
		Status:    types.StatusSuccess,
		Logs:      x.transcript.Lines(),
		Notes:     x.redactor.Redact(result.Notes),
		Artifacts: result.Artifacts,
	}
}

func (e *Executor) newExecution(spec types.WorkflowSpec, runID string) *execution {
	redactor := security.NewRedactor(spec.CredentialValues()...)
	transcript := sinks.NewTranscriptSink()
	router := log.NewRouter(transcript)
	if e.logger != nil {
		router.AddSink(sinks.NewLoggerSink(e.logger))
	}
	router.SetRedactor(redactor)

	attempt := e.nextAttempt(runID)
	logger := log.NewLogger(router).With().
		Str("workflow_id", spec.WorkflowID).
		Str("run_id", runID).
		Int("attempt", attempt).
		Logger()

	return &execution{
		spec:       spec,
		runID:      runID,
		attempt:    attempt,
		redactor:   redactor,
		transcript: transcript,
		logger:     logger,
	}
}

func (e *Executor) launchOptions(spec types.WorkflowSpec) browser.LaunchOptions {
	opts := browser.LaunchOptions{
		Headless:      spec.Browser.Headless,
		Locale:        spec.Browser.Locale,
		UserAgent:     spec.Browser.UserAgent,
		Proxy:         spec.Browser.Proxy,
		DownloadDir:   spec.Browser.DownloadDir,
		RecordNetwork: spec.Browser.RecordNetwork,
	}
	if spec.Browser.PersistSession {
		opts.SessionDir = filepath.Join(e.sessionsRoot, spec.WorkflowID)
	}
	return opts
}

func (e *Executor) bundleDir(x *execution) string {
	return filepath.Join(e.artifactsRoot, x.runID, fmt.Sprintf("attempt-%d", x.attempt))
}

func (e *Executor) setLast(fc *types.FailureContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = fc
}
