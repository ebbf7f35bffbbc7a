package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/arnavsurve/mendstep/pkg/config"
	"github.com/arnavsurve/mendstep/pkg/core"
	"github.com/arnavsurve/mendstep/pkg/executor"
	"github.com/arnavsurve/mendstep/pkg/log"
	"github.com/arnavsurve/mendstep/pkg/log/sinks"
	"github.com/arnavsurve/mendstep/pkg/planner"
	"github.com/arnavsurve/mendstep/pkg/security"
	"github.com/arnavsurve/mendstep/pkg/store"
	"github.com/arnavsurve/mendstep/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	// Register the browser engines workflows can name.
	_ "github.com/arnavsurve/mendstep/pkg/browser/cdp"
	_ "github.com/arnavsurve/mendstep/pkg/browser/htmlpage"
)

// Globals are the flags shared by every command.
type Globals struct {
	Config   string `help:"Config file (defaults to ./mendstep.yml when present)." type:"path"`
	LogLevel string `help:"Overrides log_level from the config." placeholder:"LEVEL"`

	stdout io.Writer
	stderr io.Writer
}

// out receives command output, logs go to logs().
func (g *Globals) out() io.Writer {
	if g.stdout != nil {
		return g.stdout
	}
	return os.Stdout
}

func (g *Globals) logs() io.Writer {
	if g.stderr != nil {
		return g.stderr
	}
	return os.Stderr
}

// app is the wiring shared by commands: config, logging and the store.
type app struct {
	cfg      *config.Config
	router   *log.Router
	logger   types.Logger
	logFile  string
	store    store.Store
	recorder store.RunRecorder
	closers  []func() error
}

// open loads the config and opens the store. withLogFile adds a JSON log
// file sink under the logs directory.
func (g *Globals) open(withLogFile bool) (*app, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if g.LogLevel != "" {
		level = g.LogLevel
	}

	a := &app{cfg: cfg, router: log.NewRouter(sinks.NewConsoleSinkTo(g.logs()))}
	a.closers = append(a.closers, a.router.Close)
	if withLogFile {
		if err := os.MkdirAll(cfg.LogsDir(), 0o755); err != nil {
			return nil, fmt.Errorf("creating logs directory %q: %w", cfg.LogsDir(), err)
		}
		a.logFile = filepath.Join(cfg.LogsDir(), uuid.NewString()+".json")
		fileSink, err := sinks.NewFileSink(a.logFile)
		if err != nil {
			return nil, fmt.Errorf("creating file log sink: %w", err)
		}
		a.router.AddSink(fileSink)
	}
	a.logger = newLogger(a.router, level)

	if err := a.openStore(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore() error {
	var base store.Store
	switch a.cfg.Store.Backend {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(a.cfg.StorePath()), 0o755); err != nil {
			return fmt.Errorf("creating store directory: %w", err)
		}
		s, err := store.NewSQLiteStore(a.cfg.StorePath())
		if err != nil {
			return fmt.Errorf("opening sqlite store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		base, a.recorder = s, s
	default:
		s, err := store.NewFSStore(a.cfg.StorePath())
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		base, a.recorder = s, s
	}

	if a.cfg.Store.CacheSize <= 0 {
		a.store = base
		return nil
	}
	cached, err := store.NewCachedStore(base, a.cfg.Store.CacheSize)
	if err != nil {
		return err
	}
	a.store = cached
	return nil
}

// Close releases the store and flushes log sinks, last opened first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
	}
}

// redactWith extends the router's redactor with a workflow's secrets.
func (a *app) redactWith(r *security.Redactor, secrets []string) *security.Redactor {
	if r == nil {
		r = security.NewRedactor(secrets...)
	} else {
		r = r.With(secrets...)
	}
	a.router.SetRedactor(r)
	return r
}

func (a *app) planner() core.Planner {
	pc := a.cfg.Planner
	if pc.Kind != "llm" {
		return planner.NewComposite(planner.NewTemplatePlanner(), planner.NewHeuristicRepairer())
	}
	llm := planner.NewLLMPlanner(planner.LLMConfig{
		BaseURL:     pc.BaseURL,
		APIKey:      pc.APIKey,
		Model:       pc.Model,
		Temperature: pc.Temperature,
		MaxDOMBytes: pc.MaxDOMBytes,
		Logger:      a.logger,
	})
	var repairers []planner.Repairer
	if pc.HeuristicRepair {
		repairers = append(repairers, planner.NewHeuristicRepairer())
	}
	return planner.NewComposite(llm, append(repairers, llm)...)
}

func (a *app) executor() *executor.Executor {
	return executor.New(
		executor.WithArtifactsRoot(a.cfg.ArtifactsDir()),
		executor.WithSessionsRoot(a.cfg.SessionsDir()),
		executor.WithStepTimeout(a.cfg.StepTimeout),
		executor.WithAttemptTimeout(a.cfg.AttemptTimeout),
		executor.WithLogger(a.logger),
	)
}

// loadSpec reads, resolves and validates one workflow file and returns the
// engine spec together with every secret it carries.
func loadSpec(path, varfile string, logger types.Logger) (types.WorkflowSpec, []string, error) {
	wf, err := core.LoadWorkflowFromFile(path)
	if err != nil {
		return types.WorkflowSpec{}, nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return types.WorkflowSpec{}, nil, fmt.Errorf("determining absolute path for workflow file %q: %w", path, err)
	}

	vars := make(core.VarContext)
	if varfile != "" {
		if _, statErr := os.Stat(varfile); statErr == nil {
			if vars, err = core.ResolveVarfile(varfile, logger); err != nil {
				return types.WorkflowSpec{}, nil, err
			}
		} else {
			logger.Warn().Str("varfile", varfile).Msg("Varfile not found, using input defaults and ENV only")
		}
	}
	if vars, err = core.BuildVarContext(wf, vars); err != nil {
		return types.WorkflowSpec{}, nil, err
	}
	secrets := core.SecretValues(wf, vars)

	resolved, err := core.ResolveWorkflow(wf, vars, filepath.Dir(abs))
	if err != nil {
		return types.WorkflowSpec{}, secrets, fmt.Errorf("resolving workflow %q: %w", wf.ID, err)
	}
	spec := resolved.Spec()
	secrets = append(secrets, spec.CredentialValues()...)
	if err := core.ValidateSpec(spec); err != nil {
		return types.WorkflowSpec{}, secrets, fmt.Errorf("invalid workflow %q: %w", path, err)
	}
	return spec, secrets, nil
}

func newLogger(router *log.Router, level string) types.Logger {
	return log.NewZerologAdapter(zerolog.New(router).Level(log.ParseLevel(level)).With().Timestamp().Logger())
}
