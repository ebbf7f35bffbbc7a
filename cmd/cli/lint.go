package cli

import (
	"context"
	"fmt"

	"github.com/arnavsurve/mendstep/pkg/config"
	"github.com/arnavsurve/mendstep/pkg/log"
	"github.com/arnavsurve/mendstep/pkg/log/sinks"
	"github.com/arnavsurve/mendstep/pkg/planner"
	"github.com/arnavsurve/mendstep/pkg/script"
	"github.com/arnavsurve/mendstep/pkg/security"
)

type LintCmd struct {
	Workflows []string `arg:"" optional:"" name:"workflow" help:"Workflow files to validate." type:"existingfile"`
	Varfile   string   `help:"The YAML varfile for input variables." default:"msvars.yml"`
}

// Run validates each workflow and checks that the script planned for it by
// the template planner satisfies the script contract. It makes no model calls
// and opens no browser.
func (l *LintCmd) Run(g *Globals) error {
	router := log.NewRouter(sinks.NewConsoleSinkTo(g.logs()))
	defer router.Close()
	level := g.LogLevel
	if level == "" {
		level = "info"
		if cfg, err := config.Load(g.Config); err == nil {
			level = cfg.LogLevel
		}
	}
	cmdLogger := newLogger(router, level)

	workflows := l.Workflows
	if len(workflows) == 0 {
		workflows = []string{"mendstep.yml"}
	}

	var redactor *security.Redactor
	for _, path := range workflows {
		cmdLogger.Info().Msgf("Validating %s using %s", path, l.Varfile)

		spec, secrets, err := loadSpec(path, l.Varfile, cmdLogger)
		if redactor == nil {
			redactor = security.NewRedactor(secrets...)
		} else {
			redactor = redactor.With(secrets...)
		}
		router.SetRedactor(redactor)
		if err != nil {
			cmdLogger.Error().Err(err).Msgf("Failed to validate workflow file %s", path)
			return fmt.Errorf("validating workflow file %q: %w", path, err)
		}
		stepLogger := cmdLogger.With().Str("workflow_id", spec.WorkflowID).Logger()
		stepLogger.Info().Int("steps", len(spec.Steps)).Msg("Workflow configuration is valid")

		code, err := planner.NewTemplatePlanner().Plan(context.Background(), spec)
		if err != nil {
			stepLogger.Error().Err(err).Msg("Could not plan a script")
			return fmt.Errorf("planning %q: %w", spec.WorkflowID, err)
		}
		if err := script.Validate(code); err != nil {
			stepLogger.Error().Err(err).Msg("Planned script breaks the script contract")
			return fmt.Errorf("validating planned script for %q: %w", spec.WorkflowID, err)
		}
		stepLogger.Info().Msg("Planned script satisfies the script contract")
	}

	cmdLogger.Info().Msg("Successfully validated workflow configuration ✅")
	return nil
}
