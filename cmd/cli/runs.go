package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/arnavsurve/mendstep/pkg/types"
)

type RunsCmd struct {
	Show RunsShowCmd `cmd:"" help:"Print a recorded run."`
}

type RunsShowCmd struct {
	RunID string `arg:"" name:"run-id"`
	JSON  bool   `help:"Print the run as JSON."`
	Logs  bool   `help:"Include the run's log transcript."`
}

func (r *RunsShowCmd) Run(g *Globals) error {
	a, err := g.open(false)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.recorder.GetRun(context.Background(), r.RunID)
	if err != nil {
		return fmt.Errorf("loading run %q: %w", r.RunID, err)
	}
	w := g.out()
	if err := printResults(w, []types.RunResult{res}, r.JSON); err != nil {
		return err
	}
	if r.JSON {
		return nil
	}
	fmt.Fprintf(w, "  started: %s  took: %s\n", res.StartedAt.Format("2006-01-02 15:04:05"), res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	if r.Logs && len(res.Logs) > 0 {
		fmt.Fprintf(w, "  logs:\n    %s\n", strings.Join(res.Logs, "\n    "))
	}
	return nil
}
