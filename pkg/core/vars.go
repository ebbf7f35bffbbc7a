package core

import (
	"fmt"
	"os"
	"regexp"

	"github.com/arnavsurve/mendstep/pkg/security"
	"github.com/arnavsurve/mendstep/pkg/types"
	"gopkg.in/yaml.v3"
)

// VarContext holds resolved input variables from a varfile.
type VarContext map[string]string

// varRegex matches {{ varName }} placeholders.
var varRegex = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9\._-]+)\s*\}\}`)

var envRegex = regexp.MustCompile(`^\s*\{\{\s*env\.([A-Za-z0-9_]+)\s*}}\s*$`)

// ResolveVarfile loads a YAML varfile and resolves `{{ env.NAME }}` values.
// A missing environment variable resolves to "" and is reported on logger.
func ResolveVarfile(path string, logger types.Logger) (VarContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading varfile %q: %w", path, err)
	}

	var rawVars map[string]string
	if err := yaml.Unmarshal(data, &rawVars); err != nil {
		return nil, fmt.Errorf("parsing varfile YAML from %q: %w", path, err)
	}

	resolvedCtx := make(VarContext, len(rawVars))
	for key, val := range rawVars {
		match := envRegex.FindStringSubmatch(val)
		if match == nil {
			resolvedCtx[key] = val
			continue
		}
		envVal, exists := os.LookupEnv(match[1])
		if !exists && logger != nil {
			logger.Warn().Str("var", key).Str("env", match[1]).Msg("Environment variable not set for varfile key")
		}
		resolvedCtx[key] = envVal
	}
	return resolvedCtx, nil
}

// BuildVarContext applies input defaults and checks required inputs.
func BuildVarContext(wf *Workflow, vars VarContext) (VarContext, error) {
	out := make(VarContext, len(vars)+len(wf.Inputs))
	for k, v := range vars {
		out[k] = v
	}
	for _, input := range wf.Inputs {
		if _, ok := out[input.Name]; ok {
			continue
		}
		if input.Default != "" {
			out[input.Name] = input.Default
			continue
		}
		if input.Required {
			return nil, fmt.Errorf("required input %q is missing from the varfile and no default value is provided", input.Name)
		}
	}
	return out, nil
}

// ResolveStringWithContext replaces every {{ var }} in input. An undefined
// variable is an error.
func ResolveStringWithContext(input string, vars VarContext) (string, error) {
	var firstErr error
	output := varRegex.ReplaceAllStringFunc(input, func(match string) string {
		if firstErr != nil {
			return match
		}
		key := varRegex.FindStringSubmatch(match)[1]
		val, ok := vars[key]
		if !ok {
			firstErr = fmt.Errorf("undefined variable: %s", key)
			return match
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return output, nil
}

// ResolveWorkflow returns a copy of wf with every templated field resolved.
// Upload paths are made relative to workflowDir.
func ResolveWorkflow(wf *Workflow, vars VarContext, workflowDir string) (*Workflow, error) {
	if wf == nil {
		return nil, fmt.Errorf("resolving vars in nil workflow")
	}
	resolve := func(field, in string) (string, error) {
		out, err := ResolveStringWithContext(in, vars)
		if err != nil {
			return "", fmt.Errorf("resolving %s: %w", field, err)
		}
		return out, nil
	}

	out := *wf
	var err error
	if out.URL, err = resolve("url", wf.URL); err != nil {
		return nil, err
	}

	out.Credentials = make(map[string]string, len(wf.Credentials))
	for k, v := range wf.Credentials {
		// The credential name goes into the error, never the value.
		if out.Credentials[k], err = resolve("credentials."+k, v); err != nil {
			return nil, err
		}
	}

	b := &out.Browser
	for field, ptr := range map[string]*string{
		"browser.locale":       &b.Locale,
		"browser.user_agent":   &b.UserAgent,
		"browser.proxy":        &b.Proxy,
		"browser.download_dir": &b.DownloadDir,
	} {
		if *ptr, err = resolve(field, *ptr); err != nil {
			return nil, err
		}
	}
	b.DownloadDir = ResolvePathFromWorkflow(workflowDir, b.DownloadDir)

	out.Steps = make([]types.Step, len(wf.Steps))
	for i, step := range wf.Steps {
		resolved, err := resolveStep(step, vars, workflowDir)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Action.Kind(), err)
		}
		out.Steps[i] = resolved
	}
	return &out, nil
}

func resolveStep(step types.Step, vars VarContext, workflowDir string) (types.Step, error) {
	target, value := types.StepFields(step.Action)
	target, err := ResolveStringWithContext(target, vars)
	if err != nil {
		return types.Step{}, fmt.Errorf("resolving target: %w", err)
	}
	value, err = ResolveStringWithContext(value, vars)
	if err != nil {
		return types.Step{}, fmt.Errorf("resolving value: %w", err)
	}
	if step.Action.Kind() == types.ActionUpload {
		value = ResolvePathFromWorkflow(workflowDir, value)
	}

	action, err := types.NewAction(step.Action.Kind(), target, value)
	if err != nil {
		return types.Step{}, err
	}

	out := types.Step{Action: action}
	if len(step.Options) > 0 {
		out.Options = make(map[string]string, len(step.Options))
		for k, v := range step.Options {
			if out.Options[k], err = ResolveStringWithContext(v, vars); err != nil {
				return types.Step{}, fmt.Errorf("resolving option %q: %w", k, err)
			}
		}
	}
	return out, nil
}

// SecretValues collects every value that must never be logged: secret
// inputs and all credential values of the resolved workflow.
func SecretValues(wf *Workflow, vars VarContext) []string {
	var secrets []string
	for _, input := range wf.Inputs {
		if input.Secret {
			if v := vars[input.Name]; v != "" {
				secrets = append(secrets, v)
			}
		}
	}
	for _, v := range wf.Credentials {
		if v != "" {
			secrets = append(secrets, v)
		}
	}
	return secrets
}

// NewWorkflowRedactor builds the redactor for a resolved workflow.
func NewWorkflowRedactor(wf *Workflow, vars VarContext) *security.Redactor {
	return security.NewRedactor(SecretValues(wf, vars)...)
}
