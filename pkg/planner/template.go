package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/arnavsurve/mendstep/pkg/types"
)

// TemplatePlanner renders a workflow's steps into a script without any
// model call. It cannot repair; pair it with a Repairer through Composite.
type TemplatePlanner struct{}

func NewTemplatePlanner() *TemplatePlanner { return &TemplatePlanner{} }

func (p *TemplatePlanner) Plan(ctx context.Context, spec types.WorkflowSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "-- workflow: %s\n", spec.WorkflowID)
	b.WriteString("function run(spec)\n")
	b.WriteString("  local creds = spec.credentials\n")

	r := &renderer{b: &b, secrets: credentialRefs(spec.Credentials)}
	for i, step := range spec.Steps {
		if step.Action == nil {
			return "", fmt.Errorf("step %d has no action", i+1)
		}
		r.step = step
		fmt.Fprintf(&b, "\n  step(%d, %s, function()\n", i+1, luaQuote(StepName(step)))
		if err := step.Action.Accept(r); err != nil {
			return "", fmt.Errorf("rendering step %d: %w", i+1, err)
		}
		b.WriteString("  end)\n")
	}
	b.WriteString("\n  return {status = \"success\", notes = \"\", artifacts = {}}\nend\n")
	return b.String(), nil
}

func (p *TemplatePlanner) Repair(ctx context.Context, code string, failure types.FailureContext) (string, error) {
	return "", ErrCannotRepair
}

// StepName is the label a step gets in the script and its diagnostics.
func StepName(step types.Step) string {
	if name := step.Option("name", ""); name != "" {
		return name
	}
	kind := string(step.Action.Kind())
	switch a := step.Action.(type) {
	case types.Navigate, types.Login:
		return kind
	case types.Screenshot:
		return strings.TrimSpace(kind + " " + a.Name)
	case types.AssertText:
		return kind + " " + a.Text
	}
	target, _ := types.StepFields(step.Action)
	return strings.TrimSpace(kind + " " + target)
}

// credentialRefs maps credential values to their keys so literal values that
// happen to be secrets are emitted as references instead.
func credentialRefs(creds map[string]string) map[string]string {
	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	refs := make(map[string]string, len(creds))
	for _, k := range keys {
		if v := creds[k]; v != "" {
			if _, taken := refs[v]; !taken {
				refs[v] = k
			}
		}
	}
	return refs
}

type renderer struct {
	b       *strings.Builder
	step    types.Step
	secrets map[string]string
}

func (r *renderer) line(format string, args ...any) {
	r.b.WriteString("    ")
	fmt.Fprintf(r.b, format, args...)
	r.b.WriteByte('\n')
}

// value quotes v, or references the credential it equals.
func (r *renderer) value(v string) string {
	if key, ok := r.secrets[v]; ok {
		return "creds[" + luaQuote(key) + "]"
	}
	return luaQuote(v)
}

// VisitNavigate opens the workflow's start URL when the step names none.
func (r *renderer) VisitNavigate(a types.Navigate) error {
	if a.URL == "" {
		r.line("page.navigate(spec.url)")
		return nil
	}
	r.line("page.navigate(%s)", luaQuote(a.URL))
	return nil
}

func (r *renderer) VisitLogin(types.Login) error {
	userKey := r.step.Option("username_key", "username")
	passKey := r.step.Option("password_key", "password")
	r.line("page.fill(%s, creds[%s])", luaQuote(r.step.Option("username_field", "Username")), luaQuote(userKey))
	r.line("page.fill(%s, creds[%s])", luaQuote(r.step.Option("password_field", "Password")), luaQuote(passKey))
	r.line("page.click(%s)", luaQuote(r.step.Option("submit", "Login")))
	return nil
}

func (r *renderer) VisitClick(a types.Click) error {
	r.line("page.click(%s)", luaQuote(a.Target))
	return nil
}

func (r *renderer) VisitFill(a types.Fill) error {
	r.line("page.fill(%s, %s)", luaQuote(a.Target), r.value(a.Value))
	return nil
}

func (r *renderer) VisitWaitFor(a types.WaitFor) error {
	r.line("page.wait_for(%s)", luaQuote(a.Target))
	return nil
}

func (r *renderer) VisitSelect(a types.Select) error {
	r.line("page.select(%s, %s)", luaQuote(a.Target), r.value(a.Value))
	return nil
}

func (r *renderer) VisitUpload(a types.Upload) error {
	r.line("page.upload(%s, %s)", luaQuote(a.Target), luaQuote(a.Path))
	return nil
}

func (r *renderer) VisitDownload(a types.Download) error {
	r.line("page.download(%s)", luaQuote(a.Target))
	return nil
}

func (r *renderer) VisitScreenshot(a types.Screenshot) error {
	name := a.Name
	if name == "" {
		name = "screenshot"
	}
	r.line("page.screenshot(%s)", luaQuote(name))
	return nil
}

func (r *renderer) VisitAssertText(a types.AssertText) error {
	r.line("page.assert_text(%s)", luaQuote(a.Text))
	return nil
}
