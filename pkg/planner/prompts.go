package planner

import (
	"embed"
	"strings"
	"text/template"

	"github.com/arnavsurve/mendstep/pkg/types"
)

//go:embed prompts
var promptsFS embed.FS

const (
	systemPromptFile = "prompts/system.md"
	planPromptFile   = "prompts/plan.tmpl"
	repairPromptFile = "prompts/repair.tmpl"
)

var promptFuncs = template.FuncMap{
	"join": strings.Join,
	"inc":  func(i int) int { return i + 1 },
}

var (
	systemPrompt   = mustRead(systemPromptFile)
	planTemplate   = template.Must(template.New("plan").Funcs(promptFuncs).Parse(mustRead(planPromptFile)))
	repairTemplate = template.Must(template.New("repair").Funcs(promptFuncs).Parse(mustRead(repairPromptFile)))
)

func mustRead(name string) string {
	data, err := promptsFS.ReadFile(name)
	if err != nil {
		panic("missing embedded prompt " + name + ": " + err.Error())
	}
	return string(data)
}

type planPrompt struct {
	WorkflowID     string
	URL            string
	CredentialKeys []string
	Steps          []string
}

type repairPrompt struct {
	Code       string
	Diagnostic *types.Diagnostic
	Logs       []string
	HTML       string
	Truncated  bool
}

func render(t *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
