package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/arnavsurve/mendstep/pkg/core"
	"github.com/fatih/color"
)

type VersionsCmd struct {
	WorkflowID string `arg:"" name:"workflow-id" help:"Workflow whose versions to list."`
	Show       int    `help:"Print the code of this version."`
	Diff       []int  `help:"Print a line diff between two versions, e.g. --diff=1,2." sep:","`
}

func (v *VersionsCmd) Run(g *Globals) error {
	a, err := g.open(false)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()
	w := g.out()

	switch {
	case len(v.Diff) > 0:
		if len(v.Diff) != 2 {
			return fmt.Errorf("--diff takes exactly two versions")
		}
		from, err := a.store.Get(ctx, v.WorkflowID, v.Diff[0])
		if err != nil {
			return fmt.Errorf("loading version %d: %w", v.Diff[0], err)
		}
		to, err := a.store.Get(ctx, v.WorkflowID, v.Diff[1])
		if err != nil {
			return fmt.Errorf("loading version %d: %w", v.Diff[1], err)
		}
		d := core.DiffScripts(from.Code, to.Code)
		fmt.Fprintf(w, "--- %s v%d\n+++ %s v%d (%s)\n", v.WorkflowID, from.Version, v.WorkflowID, to.Version, d.Summary())
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			switch {
			case strings.HasPrefix(line, "+"):
				fmt.Fprint(w, color.GreenString("%s", line))
			case strings.HasPrefix(line, "-"):
				fmt.Fprint(w, color.RedString("%s", line))
			default:
				fmt.Fprint(w, line)
			}
		}
		return nil

	case v.Show > 0:
		sv, err := a.store.Get(ctx, v.WorkflowID, v.Show)
		if err != nil {
			return fmt.Errorf("loading version %d: %w", v.Show, err)
		}
		fmt.Fprintf(w, "-- %s v%d %s\n", sv.WorkflowID, sv.Version, sv.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
		if sv.Notes != "" {
			fmt.Fprintf(w, "-- %s\n", sv.Notes)
		}
		fmt.Fprintln(w, strings.TrimRight(sv.Code, "\n"))
		return nil
	}

	list, err := a.store.ListVersions(ctx, v.WorkflowID)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintf(w, "no versions stored for %s\n", v.WorkflowID)
		return nil
	}
	latest, ok, err := a.store.GetLatest(ctx, v.WorkflowID)
	if err != nil {
		return err
	}
	for _, sv := range list {
		marker := " "
		if ok && sv.Version == latest.Version {
			marker = "*"
		}
		fmt.Fprintf(w, "%s v%d  %s  %s\n", marker, sv.Version, sv.CreatedAt.Format("2006-01-02 15:04:05"), sv.Notes)
	}
	return nil
}

type InvalidateCmd struct {
	WorkflowID string `arg:"" name:"workflow-id" help:"Workflow to re-plan on its next run."`
}

func (i *InvalidateCmd) Run(g *Globals) error {
	a, err := g.open(false)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.store.Invalidate(context.Background(), i.WorkflowID); err != nil {
		return fmt.Errorf("invalidating %q: %w", i.WorkflowID, err)
	}
	a.logger.Info().Str("workflow_id", i.WorkflowID).Msg("Invalidated latest version; the next run plans a new script")
	return nil
}
