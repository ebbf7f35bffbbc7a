package executor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arnavsurve/mendstep/internal/testsite"
	"github.com/arnavsurve/mendstep/pkg/browser"
	"github.com/arnavsurve/mendstep/pkg/browser/htmlpage"
	"github.com/arnavsurve/mendstep/pkg/executor"
	"github.com/arnavsurve/mendstep/pkg/planner"
	"github.com/arnavsurve/mendstep/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEngine wraps the static engine and counts session lifecycles.
type countingEngine struct {
	inner       browser.Engine
	panicOnNav  bool
	opened      atomic.Int32
	closed      atomic.Int32
	mu          sync.Mutex
	lastOptions browser.LaunchOptions
}

func newCountingEngine(v testsite.Variant) *countingEngine {
	return &countingEngine{inner: htmlpage.New(htmlpage.WithFixtures(testsite.Pages(v)))}
}

func (c *countingEngine) Name() string { return "counting" }

func (c *countingEngine) NewSession(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	c.mu.Lock()
	c.lastOptions = opts
	c.mu.Unlock()
	s, err := c.inner.NewSession(ctx, opts)
	if err != nil {
		return nil, err
	}
	c.opened.Add(1)
	return &countingSession{Session: s, engine: c}, nil
}

type countingSession struct {
	browser.Session
	engine *countingEngine
	once   sync.Once
}

func (s *countingSession) Page() browser.Page {
	if s.engine.panicOnNav {
		return panickyPage{s.Session.Page()}
	}
	return s.Session.Page()
}

func (s *countingSession) Close() error {
	s.once.Do(func() { s.engine.closed.Add(1) })
	return s.Session.Close()
}

type panickyPage struct{ browser.Page }

func (panickyPage) Navigate(ctx context.Context, url string) error { panic("driver crashed") }

func plan(t *testing.T) string {
	t.Helper()
	code, err := planner.NewTemplatePlanner().Plan(context.Background(), testsite.Spec())
	require.NoError(t, err)
	return code
}

func newExecutor(engine browser.Engine, opts ...executor.Option) *executor.Executor {
	base := []executor.Option{
		executor.WithEngine(engine),
		executor.WithAttemptTimeout(20 * time.Millisecond),
		executor.WithStepTimeout(5 * time.Second),
	}
	return executor.New(append(base, opts...)...)
}

func TestExecute_Success(t *testing.T) {
	engine := newCountingEngine(testsite.Stable)
	ex := newExecutor(engine)

	out := ex.Execute(context.Background(), plan(t), testsite.Spec(), "run-1")
	require.NoError(t, out.Err)
	assert.Equal(t, types.StatusSuccess, out.Status)
	assert.False(t, out.Failed())
	assert.Nil(t, out.Failure)
	assert.Empty(t, out.ArtifactsPath)
	assert.NotEmpty(t, out.Logs)
	assert.NotContains(t, strings.Join(out.Logs, "\n"), testsite.Password)

	assert.EqualValues(t, 1, engine.opened.Load())
	assert.EqualValues(t, 1, engine.closed.Load())
	_, ok := ex.LastFailureContext()
	assert.False(t, ok)
}

func TestExecute_FailureBundle(t *testing.T) {
	engine := newCountingEngine(testsite.Drifted)
	root := t.TempDir()
	ex := newExecutor(engine, executor.WithArtifactsRoot(root))

	spec := testsite.Spec()
	spec.Artifacts = true
	spec.Browser.RecordNetwork = true

	out := ex.Execute(context.Background(), plan(t), spec, "run-7")
	require.Error(t, out.Err)
	assert.Equal(t, types.StatusFailed, out.Status)
	assert.EqualValues(t, 1, engine.closed.Load())

	require.NotNil(t, out.Failure)
	d := out.Failure.Diagnostic
	require.NotNil(t, d)
	assert.Equal(t, 2, d.StepIndex)
	assert.Equal(t, "login", d.StepName)
	assert.Equal(t, "click", d.Action)
	assert.Equal(t, "Login", d.Target)
	assert.Equal(t, []string{"role", "label", "text", "testid"}, d.Strategies)
	require.NotNil(t, out.Failure.DOM)
	assert.Contains(t, out.Failure.DOM.HTML, "Sign in")
	assert.NotEmpty(t, out.Failure.DOM.AccessibilityTree)

	assert.Equal(t, filepath.Join(root, "run-7", "attempt-1"), out.ArtifactsPath)
	for _, name := range []string{"screenshot.png", "page.html", "accessibility.json", "trace.json", "log.txt"} {
		data, err := os.ReadFile(filepath.Join(out.ArtifactsPath, name))
		require.NoError(t, err, name)
		assert.NotContains(t, string(data), testsite.Password, name)
	}
	logTxt, err := os.ReadFile(filepath.Join(out.ArtifactsPath, "log.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(logTxt), "Execution failed")

	last, ok := ex.LastFailureContext()
	require.True(t, ok)
	assert.Same(t, out.Failure, last)

	again := ex.Execute(context.Background(), plan(t), spec, "run-7")
	assert.Equal(t, filepath.Join(root, "run-7", "attempt-2"), again.ArtifactsPath)
	assert.EqualValues(t, 2, engine.closed.Load())
}

func TestExecute_NoBundleWithoutArtifactsFlag(t *testing.T) {
	root := t.TempDir()
	ex := newExecutor(newCountingEngine(testsite.Drifted), executor.WithArtifactsRoot(root))

	out := ex.Execute(context.Background(), plan(t), testsite.Spec(), "run-1")
	assert.True(t, out.Failed())
	assert.Empty(t, out.ArtifactsPath)
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExecute_EngineLookupFails(t *testing.T) {
	ex := executor.New(executor.WithEngineLookup(func(name string) (browser.Engine, error) {
		return nil, errors.New("unknown browser engine " + name)
	}))

	out := ex.Execute(context.Background(), plan(t), testsite.Spec(), "run-1")
	assert.Equal(t, types.StatusFailed, out.Status)
	assert.True(t, types.IsEnvironmentFault(out.Err))
	assert.False(t, types.IsExecutionFailure(out.Err))
	require.NotNil(t, out.Failure)
	assert.Nil(t, out.Failure.DOM)
	assert.Contains(t, out.Failure.Diagnostic.Message, "unknown browser engine htmlpage")
}

func TestExecute_CancelledReleasesSession(t *testing.T) {
	engine := newCountingEngine(testsite.Stable)
	ex := newExecutor(engine)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := ex.Execute(ctx, plan(t), testsite.Spec(), "run-1")
	assert.True(t, out.Failed())
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, engine.opened.Load(), engine.closed.Load())
}

func TestExecute_PanicReleasesSession(t *testing.T) {
	engine := newCountingEngine(testsite.Stable)
	engine.panicOnNav = true
	ex := newExecutor(engine, executor.WithStepTimeout(time.Second))

	out := ex.Execute(context.Background(), plan(t), testsite.Spec(), "run-1")
	assert.True(t, out.Failed())
	assert.Contains(t, out.Err.Error(), "driver crashed")
	assert.EqualValues(t, 1, engine.closed.Load())
}

func TestExecute_LaunchOptions(t *testing.T) {
	engine := newCountingEngine(testsite.Stable)
	sessions := t.TempDir()
	ex := newExecutor(engine, executor.WithSessionsRoot(sessions))

	spec := testsite.Spec()
	spec.Browser.Locale = "fr-CA"
	spec.Browser.UserAgent = "mendstep-test"
	spec.Browser.PersistSession = true
	ex.Execute(context.Background(), plan(t), spec, "run-1")

	opts := engine.lastOptions
	assert.True(t, opts.Headless)
	assert.Equal(t, "fr-CA", opts.Locale)
	assert.Equal(t, "mendstep-test", opts.UserAgent)
	assert.Equal(t, filepath.Join(sessions, "travel-search"), opts.SessionDir)

	spec.Browser.PersistSession = false
	ex.Execute(context.Background(), plan(t), spec, "run-2")
	assert.Empty(t, engine.lastOptions.SessionDir)
}
