package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/arnavsurve/mendstep/cmd/cli"
	"github.com/joho/godotenv"
)

type CLI struct {
	cli.Globals

	Run        cli.RunCmd        `cmd:"" help:"Run workflows, repairing their scripts when they break."`
	Lint       cli.LintCmd       `cmd:"" help:"Validate workflow files without running them."`
	Versions   cli.VersionsCmd   `cmd:"" help:"List, show or diff stored script versions."`
	Invalidate cli.InvalidateCmd `cmd:"" help:"Force the next run of a workflow to plan a new script."`
	Runs       cli.RunsCmd       `cmd:"" help:"Inspect recorded runs."`
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: could not load .env: %v\n", err)
	}

	var c CLI
	ctx := kong.Parse(&c,
		kong.Name("mendstep"),
		kong.Description("Self-repairing browser workflow runner."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&c.Globals))
}
