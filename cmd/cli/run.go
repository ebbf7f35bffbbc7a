package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/arnavsurve/mendstep/pkg/core"
	"github.com/arnavsurve/mendstep/pkg/metrics"
	"github.com/arnavsurve/mendstep/pkg/security"
	"github.com/arnavsurve/mendstep/pkg/types"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RunCmd struct {
	Workflows  []string `arg:"" optional:"" name:"workflow" help:"Workflow files to run." type:"existingfile"`
	Varfile    string   `help:"The YAML varfile for input variables." default:"msvars.yml"`
	NoReuse    bool     `help:"Plan a fresh script instead of reusing the latest version."`
	NoRepair   bool     `help:"Fail instead of repairing a broken script."`
	MaxRepairs int      `help:"Repair attempts per run (-1 uses max_repair_attempts from the config)." default:"-1"`
	Version    int      `help:"Run this stored version instead of the latest one."`
	JSON       bool     `help:"Print results as JSON."`
}

func (r *RunCmd) Run(g *Globals) error {
	a, err := g.open(true)
	if err != nil {
		return err
	}
	defer a.Close()

	workflows := r.Workflows
	if len(workflows) == 0 {
		workflows = []string{"mendstep.yml"}
	}
	if r.Version > 0 && len(workflows) > 1 {
		return errors.New("--version applies to a single workflow")
	}

	var redactor *security.Redactor
	specs := make([]types.WorkflowSpec, 0, len(workflows))
	for _, path := range workflows {
		spec, secrets, err := loadSpec(path, r.Varfile, a.logger)
		redactor = a.redactWith(redactor, secrets)
		if err != nil {
			a.logger.Error().Str("workflow", path).Err(err).Msg("Failed to load workflow")
			return fmt.Errorf("loading workflow file %q: %w", path, err)
		}
		specs = append(specs, spec)
		a.logger.Info().Str("workflow_id", spec.WorkflowID).Msgf("Loaded workflow from %s", path)
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}
	if a.cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: metricsHandler(reg)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Warn().Err(err).Msg("Metrics endpoint stopped")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
		a.logger.Info().Str("addr", a.cfg.MetricsAddr).Msg("Serving metrics")
	}

	engine := core.NewHybridEngine(a.store, a.planner(), a.executor(),
		core.WithEngineLogger(a.logger),
		core.WithMetrics(m),
		core.WithRunRecorder(a.recorder),
		core.WithMaxParallelRuns(a.cfg.MaxParallelRuns),
		core.WithPlannerTimeout(a.cfg.PlannerTimeout),
		core.WithRunTimeout(a.cfg.RunTimeout),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	maxRepairs := r.MaxRepairs
	if maxRepairs < 0 {
		maxRepairs = a.cfg.MaxRepairAttempts
	}
	results := make([]types.RunResult, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		req := types.RunRequest{
			Spec:              spec,
			ReuseExisting:     !r.NoReuse,
			AllowRepair:       !r.NoRepair,
			MaxRepairAttempts: maxRepairs,
			PinnedVersion:     r.Version,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = engine.RunWorkflow(ctx, req)
		}()
	}
	wg.Wait()

	if err := printResults(g.out(), results, r.JSON); err != nil {
		return err
	}
	a.logger.Info().Msgf("Logs can be found at %q", a.logFile)

	failed := 0
	for _, res := range results {
		if res.Status == types.StatusFailed || res.Status == types.StatusRepairedFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, len(results))
	}
	return nil
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

var statusColor = map[types.RunStatus]*color.Color{
	types.StatusSuccess:         color.New(color.FgGreen),
	types.StatusRepairedSuccess: color.New(color.FgCyan),
	types.StatusFailed:          color.New(color.FgRed),
	types.StatusRepairedFailed:  color.New(color.FgRed, color.Bold),
}

func printResults(w io.Writer, results []types.RunResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	for _, res := range results {
		status := string(res.Status)
		if c, ok := statusColor[res.Status]; ok {
			status = c.Sprint(status)
		}
		fmt.Fprintf(w, "%s  %s  version=%d attempts=%d run=%s\n",
			res.WorkflowID, status, res.ScriptVersionUsed, res.Attempts, res.RunID)
		if res.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", res.Error)
		}
		if res.ArtifactsPath != "" {
			fmt.Fprintf(w, "  artifacts: %s\n", res.ArtifactsPath)
		}
	}
	return nil
}
