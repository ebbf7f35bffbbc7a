package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arnavsurve/mendstep/pkg/browser"
	"github.com/arnavsurve/mendstep/pkg/log"
	"github.com/arnavsurve/mendstep/pkg/resolver"
	"github.com/arnavsurve/mendstep/pkg/types"
	lua "github.com/yuin/gopher-lua"
)

const (
	DefaultStepTimeout = 15 * time.Second
	DefaultStepRetries = 1
)

// Result is what a script's run(spec) returns.
type Result struct {
	Status    string   `json:"status"`
	Notes     string   `json:"notes,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// Runtime executes one script against one page. It is not safe for
// concurrent use; the executor creates one per execution.
type Runtime struct {
	page         browser.Page
	resolver     *resolver.Resolver
	logger       types.Logger
	stepTimeout  time.Duration
	retries      int
	artifactsDir string

	runCtx  context.Context
	stepCtx context.Context
	// lastErr holds the typed error behind the most recent raised Lua error.
	lastErr   error
	failure   *types.ExecutionError
	artifacts []string
}

type Option func(*Runtime)

func WithLogger(logger types.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithStepTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.stepTimeout = d
		}
	}
}

// WithStepRetries sets how many times a failed step is retried.
func WithStepRetries(n int) Option {
	return func(r *Runtime) {
		if n >= 0 {
			r.retries = n
		}
	}
}

// WithArtifactsDir is where page.screenshot writes its images.
func WithArtifactsDir(dir string) Option {
	return func(r *Runtime) { r.artifactsDir = dir }
}

func NewRuntime(page browser.Page, res *resolver.Resolver, opts ...Option) *Runtime {
	if res == nil {
		res = resolver.New()
	}
	r := &Runtime{
		page:        page,
		resolver:    res,
		logger:      log.Nop(),
		stepTimeout: DefaultStepTimeout,
		retries:     DefaultStepRetries,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run loads code, calls run(spec) and returns its result. Any failure is
// returned as a *types.ExecutionError; a failing step carries its index and name.
func (r *Runtime) Run(ctx context.Context, code string, spec types.WorkflowSpec) (res Result, err error) {
	r.runCtx = ctx
	r.failure = nil
	r.artifacts = nil

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)

	defer func() {
		if rec := recover(); rec != nil {
			err = &types.ExecutionError{Err: fmt.Errorf("script runtime panic: %v", rec)}
			res = Result{Status: "failed"}
		}
	}()

	if err := ctx.Err(); err != nil {
		return Result{Status: "failed"}, &types.ExecutionError{Err: err}
	}
	openSafeLibs(L)
	r.registerAPI(L)

	if err := L.DoString(code); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{Status: "failed"}, &types.ExecutionError{Err: ctxErr}
		}
		return Result{Status: "failed"}, &types.ExecutionError{Err: fmt.Errorf("loading script: %s", luaMessage(err))}
	}

	entry, ok := L.GetGlobal(EntryPoint).(*lua.LFunction)
	if !ok {
		return Result{Status: "failed"}, &types.ExecutionError{Err: ErrNoEntryPoint}
	}

	L.Push(entry)
	L.Push(specTable(L, spec))
	if err := L.PCall(1, 1, nil); err != nil {
		return Result{Status: "failed", Artifacts: r.artifacts}, r.classify(err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	res, err = r.parseResult(ret)
	if err != nil {
		return res, &types.ExecutionError{Err: err}
	}
	if res.Status != "success" {
		return res, &types.ExecutionError{Err: fmt.Errorf("script reported status %q: %s", res.Status, res.Notes)}
	}
	return res, nil
}

func (r *Runtime) classify(luaErr error) error {
	if r.failure != nil {
		return r.failure
	}
	if ctxErr := r.runCtx.Err(); ctxErr != nil {
		return &types.ExecutionError{Err: ctxErr}
	}
	if r.lastErr != nil {
		return &types.ExecutionError{Err: r.lastErr}
	}
	return &types.ExecutionError{Err: errors.New(luaMessage(luaErr))}
}

func (r *Runtime) parseResult(ret lua.LValue) (Result, error) {
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return Result{Status: "failed", Artifacts: r.artifacts}, fmt.Errorf("%s(spec) returned %s, want a result table", EntryPoint, ret.Type())
	}
	res := Result{
		Status: lua.LVAsString(tbl.RawGetString("status")),
		Notes:  lua.LVAsString(tbl.RawGetString("notes")),
	}
	if arts, ok := tbl.RawGetString("artifacts").(*lua.LTable); ok {
		arts.ForEach(func(_, v lua.LValue) {
			if s, ok := v.(lua.LString); ok {
				res.Artifacts = append(res.Artifacts, string(s))
			}
		})
	}
	res.Artifacts = append(res.Artifacts, r.artifacts...)
	switch res.Status {
	case "success", "failed":
		return res, nil
	case "":
		return res, errors.New("result table has no status")
	default:
		return res, fmt.Errorf("result status %q is neither success nor failed", res.Status)
	}
}

// openSafeLibs loads base, table, string and math without file, loader or
// randomness access.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print", "require", "module", "collectgarbage"} {
		L.SetGlobal(name, lua.LNil)
	}
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	if math, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(math, "random", lua.LNil)
		L.SetField(math, "randomseed", lua.LNil)
	}
}

func (r *Runtime) registerAPI(L *lua.LState) {
	page := L.NewTable()
	L.SetFuncs(page, map[string]lua.LGFunction{
		"navigate":       r.luaNavigate,
		"click":          r.luaClick,
		"fill":           r.luaFill,
		"select":         r.luaSelect,
		"upload":         r.luaUpload,
		"download":       r.luaDownload,
		"wait_for":       r.luaWaitFor,
		"assert_text":    r.luaAssertText,
		"screenshot":     r.luaScreenshot,
		"dismiss_modals": r.luaDismissModals,
	})
	L.SetGlobal("page", page)
	L.SetGlobal("step", L.NewFunction(r.luaStep))
	L.SetGlobal("log", L.NewFunction(r.luaLog))
}

// luaStep implements step(index, name, fn): dismiss modals, run fn under the
// step timeout, retry once, dismiss modals again.
func (r *Runtime) luaStep(L *lua.LState) int {
	index := L.CheckInt(1)
	name := L.CheckString(2)
	fn := L.CheckFunction(3)

	logger := r.logger.With().Int("index", index).Str("step", name).Logger()
	logger.Info().Msg("Step started")

	var cause error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			logger.Warn().Err(cause).Int("attempt", attempt+1).Msg("Retrying step")
		}
		cause = r.attempt(L, fn)
		if cause == nil {
			logger.Info().Msg("Step finished")
			return 0
		}
		if r.runCtx.Err() != nil {
			break
		}
	}

	r.failure = &types.ExecutionError{StepIndex: index, StepName: name, Err: cause}
	logger.Error().Err(cause).Msg("Step failed")
	L.RaiseError("%s", r.failure.Error())
	return 0
}

func (r *Runtime) attempt(L *lua.LState, fn *lua.LFunction) error {
	stepCtx, cancel := context.WithTimeout(r.runCtx, r.stepTimeout)
	defer cancel()
	prev := r.stepCtx
	r.stepCtx = stepCtx
	defer func() { r.stepCtx = prev }()
	r.lastErr = nil

	r.dismissModals(stepCtx)

	L.Push(fn)
	if err := L.PCall(0, 0, nil); err != nil {
		if r.failure != nil {
			// A nested step already failed; keep its diagnostic.
			return r.failure.Err
		}
		if r.lastErr != nil {
			return r.lastErr
		}
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && r.runCtx.Err() == nil {
			return fmt.Errorf("step timed out after %s", r.stepTimeout)
		}
		return errors.New(luaMessage(err))
	}

	r.dismissModals(stepCtx)
	return nil
}

func (r *Runtime) dismissModals(ctx context.Context) {
	if _, err := r.resolver.DismissModals(ctx, r.page); err != nil {
		r.logger.Debug().Err(err).Msg("Modal check failed")
	}
}

// ctx is the step context inside step() and the run context elsewhere.
func (r *Runtime) ctx() context.Context {
	if r.stepCtx != nil {
		return r.stepCtx
	}
	return r.runCtx
}

// raise records err for errors.As and aborts the calling Lua function.
func (r *Runtime) raise(L *lua.LState, err error) int {
	r.lastErr = err
	L.RaiseError("%s", err.Error())
	return 0
}

// luaMessage drops the Lua stack traceback from an error raised by a script.
func luaMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object.String()
	}
	return err.Error()
}

func (r *Runtime) luaLog(L *lua.LState) int {
	r.logger.Info().Str("source", "script").Msg(L.CheckString(1))
	return 0
}
