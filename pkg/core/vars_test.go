package core_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/arnavsurve/mendstep/pkg/core"
	"github.com/arnavsurve/mendstep/pkg/log"
	"github.com/arnavsurve/mendstep/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveVarfile(t *testing.T) {
	tempDir := t.TempDir()
	varfilePath := filepath.Join(tempDir, "test_vars.yml")

	t.Setenv("TEST_ENV_VAR", "env_value")

	varfileContent := `
plain_var: plain_value
env_var: "{{ env.TEST_ENV_VAR }}"
empty_env_var: "{{ env.NONEXISTENT_VAR }}"
`
	require.NoError(t, os.WriteFile(varfilePath, []byte(varfileContent), 0644))

	vars, err := core.ResolveVarfile(varfilePath, log.Nop())
	require.NoError(t, err)

	assert.Equal(t, "plain_value", vars["plain_var"])
	assert.Equal(t, "env_value", vars["env_var"])
	assert.Equal(t, "", vars["empty_env_var"])

	_, err = core.ResolveVarfile("nonexistent_file.yml", nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "reading varfile")

	invalidPath := filepath.Join(tempDir, "invalid.yml")
	require.NoError(t, os.WriteFile(invalidPath, []byte("invalid: yaml: ]:"), 0644))
	_, err = core.ResolveVarfile(invalidPath, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "parsing varfile YAML")
}

func TestResolveStringWithContext(t *testing.T) {
	vars := core.VarContext{"domain": "example.com", "user": "grace"}

	testCases := []struct {
		input    string
		expected string
		errorMsg string
	}{
		{"https://{{ domain }}/login", "https://example.com/login", ""},
		{"{{user}}@{{ domain }}", "grace@example.com", ""},
		{"no placeholders", "no placeholders", ""},
		{"{{ missing }}", "", "undefined variable: missing"},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := core.ResolveStringWithContext(tc.input, vars)
			if tc.errorMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errorMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestBuildVarContext_RequiredInput(t *testing.T) {
	wf := &core.Workflow{Inputs: []core.Input{{Name: "password", Type: "string", Required: true}}}
	_, err := core.BuildVarContext(wf, core.VarContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required input "password"`)
}

func TestResolveWorkflow_ErrorsOmitCredentialValues(t *testing.T) {
	wf := &core.Workflow{
		ID:          "wf",
		URL:         "https://x.test",
		Credentials: map[string]string{"password": "s3cret-{{ nope }}"},
		Steps:       []types.Step{{Action: types.Click{Target: "Go"}}},
	}
	_, err := core.ResolveWorkflow(wf, core.VarContext{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials.password")
	assert.NotContains(t, err.Error(), "s3cret")
}

func TestResolveWorkflow_StepOptions(t *testing.T) {
	wf := &core.Workflow{
		ID:  "wf",
		URL: "https://x.test",
		Steps: []types.Step{{
			Action:  types.Login{},
			Options: map[string]string{"submit": "{{ label }}"},
		}},
	}
	resolved, err := core.ResolveWorkflow(wf, core.VarContext{"label": "Sign in"}, "")
	require.NoError(t, err)
	assert.Equal(t, "Sign in", resolved.Steps[0].Option("submit", "Login"))
	assert.Equal(t, "{{ label }}", wf.Steps[0].Options["submit"])
}
