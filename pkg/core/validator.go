package core

import (
	"fmt"
	"net/url"

	"github.com/arnavsurve/mendstep/pkg/store"
	"github.com/arnavsurve/mendstep/pkg/types"
)

// ValidateWorkflowID reports whether id can key the version store.
func ValidateWorkflowID(id string) error {
	return store.ValidateWorkflowID(id)
}

// ValidateWorkflowStructure checks fields at the workflow level: id, inputs
// and that every step carries what its action needs.
func ValidateWorkflowStructure(wf *Workflow) error {
	if err := ValidateWorkflowID(wf.ID); err != nil {
		return err
	}
	if wf.URL == "" {
		return fmt.Errorf("workflow %q is missing 'url'", wf.ID)
	}

	validInputTypes := map[string]bool{
		"string":  true,
		"file":    true,
		"number":  true,
		"boolean": true,
	}

	inputNames := make(map[string]bool)
	for i, input := range wf.Inputs {
		if input.Name == "" {
			return fmt.Errorf("input %d is missing 'name'", i)
		}
		if inputNames[input.Name] {
			return fmt.Errorf("duplicate input name: %q", input.Name)
		}
		inputNames[input.Name] = true

		if !validInputTypes[input.Type] {
			return fmt.Errorf("input %q has invalid type %q", input.Name, input.Type)
		}
	}

	if len(wf.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", wf.ID)
	}
	for i, step := range wf.Steps {
		if err := ValidateStep(step); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

// ValidateStep checks a single step's required fields.
func ValidateStep(step types.Step) error {
	if step.Action == nil {
		return fmt.Errorf("step has no action")
	}
	target, value := types.StepFields(step.Action)
	switch a := step.Action.(type) {
	case types.Navigate:
	case types.Login:
	case types.Click, types.WaitFor, types.Download, types.Fill, types.Select:
		if target == "" {
			return fmt.Errorf("%s step requires a target", a.Kind())
		}
	case types.Upload:
		if target == "" || value == "" {
			return fmt.Errorf("upload step requires a target and a path")
		}
	case types.Screenshot:
	case types.AssertText:
		if value == "" {
			return fmt.Errorf("assert_text step requires text")
		}
	}
	return nil
}

// ValidateSpec checks a resolved spec before it is handed to the engine:
// absolute URLs and every credential a login step reads.
func ValidateSpec(spec types.WorkflowSpec) error {
	if err := ValidateWorkflowID(spec.WorkflowID); err != nil {
		return err
	}
	if err := validateURL(spec.URL); err != nil {
		return fmt.Errorf("workflow %q: %w", spec.WorkflowID, err)
	}
	for i, step := range spec.Steps {
		if err := ValidateStep(step); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		switch a := step.Action.(type) {
		case types.Navigate:
			if a.URL != "" {
				if err := validateURL(a.URL); err != nil {
					return fmt.Errorf("step %d: %w", i+1, err)
				}
			}
		case types.Login:
			for _, key := range []string{step.Option("username_key", "username"), step.Option("password_key", "password")} {
				if spec.Credentials[key] == "" {
					return fmt.Errorf("step %d: login requires credential %q", i+1, key)
				}
			}
		}
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme == "" || (u.Host == "" && u.Scheme != "file") {
		return fmt.Errorf("url %q must be absolute", raw)
	}
	return nil
}
