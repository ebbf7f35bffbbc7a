package planner_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/arnavsurve/mendstep/internal/testsite"
	"github.com/arnavsurve/mendstep/pkg/planner"
	"github.com/arnavsurve/mendstep/pkg/script"
	"github.com/arnavsurve/mendstep/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplatePlanner_Plan(t *testing.T) {
	spec := testsite.Spec()
	spec.Steps = append(spec.Steps,
		types.Step{Action: types.Fill{Target: "Secret answer", Value: testsite.Password}},
		types.Step{Action: types.Select{Target: "Cabin", Value: "Business"}, Options: map[string]string{"name": "pick cabin"}},
		types.Step{Action: types.Fill{Target: `Quote "me"`, Value: "line1\nline2"}},
	)

	code, err := planner.NewTemplatePlanner().Plan(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, script.Validate(code))

	assert.Contains(t, code, `step(2, "login", function()`)
	assert.Contains(t, code, `page.fill("Username", creds["username"])`)
	assert.Contains(t, code, `page.fill("Password", creds["password"])`)
	assert.Contains(t, code, `page.click("Login")`)
	assert.Contains(t, code, `step(3, "fill Destination", function()`)
	assert.Contains(t, code, `page.fill("Destination", "Montreal")`)
	assert.Contains(t, code, `page.assert_text("Results")`)
	assert.Contains(t, code, `page.fill("Secret answer", creds["password"])`)
	assert.Contains(t, code, `step(7, "pick cabin", function()`)
	assert.Contains(t, code, `page.fill("Quote \"me\"", "line1\nline2")`)
	assert.NotContains(t, code, testsite.Password)
}

func TestTemplatePlanner_BareNavigateUsesStartURL(t *testing.T) {
	spec := testsite.Spec()
	spec.Steps = []types.Step{
		{Action: types.Navigate{}},
		{Action: types.Navigate{URL: testsite.BaseURL + "/search"}},
	}

	code, err := planner.NewTemplatePlanner().Plan(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, script.Validate(code))
	assert.Contains(t, code, "page.navigate(spec.url)")
	assert.Contains(t, code, `page.navigate("`+testsite.BaseURL+`/search")`)
	assert.NotContains(t, code, `page.navigate("")`)
}

func TestTemplatePlanner_LoginOptions(t *testing.T) {
	spec := testsite.Spec()
	spec.Steps = []types.Step{{
		Action: types.Login{},
		Options: map[string]string{
			"username_key":   "email",
			"username_field": "Email address",
			"submit":         "Sign in",
		},
	}}

	code, err := planner.NewTemplatePlanner().Plan(context.Background(), spec)
	require.NoError(t, err)
	assert.Contains(t, code, `page.fill("Email address", creds["email"])`)
	assert.Contains(t, code, `page.fill("Password", creds["password"])`)
	assert.Contains(t, code, `page.click("Sign in")`)

	_, err = planner.NewTemplatePlanner().Repair(context.Background(), code, types.FailureContext{})
	assert.ErrorIs(t, err, planner.ErrCannotRepair)
}

func driftFailure(html string) types.FailureContext {
	return types.FailureContext{
		Logs: []string{"step failed"},
		DOM:  &types.DOMSnapshot{HTML: html},
		Diagnostic: &types.Diagnostic{
			StepIndex:  2,
			StepName:   "login",
			Action:     "click",
			Target:     "Login",
			Role:       "button|link",
			Strategies: []string{"role", "label", "text", "testid"},
		},
	}
}

func TestHeuristicRepairer_RenamedButton(t *testing.T) {
	code, err := planner.NewTemplatePlanner().Plan(context.Background(), testsite.Spec())
	require.NoError(t, err)

	html := testsite.Pages(testsite.Drifted)[testsite.BaseURL+"/login"]
	patched, err := planner.NewHeuristicRepairer().Repair(context.Background(), code, driftFailure(html))
	require.NoError(t, err)
	require.NoError(t, script.Validate(patched))

	assert.Contains(t, patched, `page.click("Sign in")`)
	assert.NotContains(t, patched, `page.click("Login")`)
	assert.True(t, strings.HasPrefix(patched, `-- repair: click "Login" -> "Sign in"`))
}

func TestHeuristicRepairer_PicksClosestName(t *testing.T) {
	html := `<html><body>
<button>Sign out</button>
<a href="/f">Search flights</a>
<button hidden>Search now</button>
</body></html>`
	f := driftFailure(html)
	f.Diagnostic.Target = "Search"

	patched, err := planner.NewHeuristicRepairer().Repair(context.Background(), `function run(spec) page.click('Search') end`, f)
	require.NoError(t, err)
	assert.Contains(t, patched, `page.click("Search flights")`)
}

func TestHeuristicRepairer_CannotRepair(t *testing.T) {
	code := `function run(spec) page.click("Login") end`
	maintenance := testsite.Pages(testsite.Broken)[testsite.BaseURL+"/login"]

	tests := []struct {
		name    string
		failure types.FailureContext
	}{
		{"no diagnostic", types.FailureContext{DOM: &types.DOMSnapshot{HTML: maintenance}}},
		{"no DOM", types.FailureContext{Diagnostic: driftFailure("").Diagnostic}},
		{"nothing similar", driftFailure(maintenance)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := planner.NewHeuristicRepairer().Repair(context.Background(), code, tt.failure)
			assert.ErrorIs(t, err, planner.ErrCannotRepair)
		})
	}

	html := testsite.Pages(testsite.Drifted)[testsite.BaseURL+"/login"]
	_, err := planner.NewHeuristicRepairer().Repair(context.Background(), `function run(spec) page.click("Submit") end`, driftFailure(html))
	assert.ErrorIs(t, err, planner.ErrCannotRepair)
}

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"fenced lua", "Here you go:\n```lua\nfunction run(spec) end\n```\nEnjoy.", "function run(spec) end\n"},
		{"fenced plain", "```\nrun = function(spec) end\n```", "run = function(spec) end\n"},
		{"json", `{"code": "function run(spec) end"}`, "function run(spec) end\n"},
		{"broken json", `{"code": "function run(spec) end"`, "function run(spec) end\n"},
		{"bare", "function run(spec)\n  return {status = 'success'}\nend", "function run(spec)\n  return {status = 'success'}\nend\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := planner.ExtractCode(tt.reply)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := planner.ExtractCode("I cannot help with that.")
	assert.Error(t, err)
}

type chatCapture struct {
	auth   string
	model  string
	prompt string
}

func chatServer(t *testing.T, status int, reply string) (*httptest.Server, *chatCapture) {
	t.Helper()
	c := &chatCapture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		c.auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.Unmarshal(body, &req))
		c.model = req.Model
		c.prompt = req.Messages[len(req.Messages)-1].Content

		w.WriteHeader(status)
		if status != http.StatusOK {
			w.Write([]byte(reply))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": reply}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestLLMPlanner_Plan(t *testing.T) {
	srv, c := chatServer(t, http.StatusOK, "```lua\nfunction run(spec) return {status = 'success'} end\n```")
	p := planner.NewLLMPlanner(planner.LLMConfig{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "test-model"})

	code, err := p.Plan(context.Background(), testsite.Spec())
	require.NoError(t, err)
	assert.Equal(t, "function run(spec) return {status = 'success'} end\n", code)

	assert.Equal(t, "Bearer sk-test", c.auth)
	assert.Equal(t, "test-model", c.model)
	assert.Contains(t, c.prompt, "fill \"Destination\" with \"Montreal\"")
	assert.Contains(t, c.prompt, "Credential keys: password, username")
	assert.NotContains(t, c.prompt, testsite.Password)
}

func TestLLMPlanner_RepairTruncatesDOM(t *testing.T) {
	srv, c := chatServer(t, http.StatusOK, `{"code": "function run(spec) end"}`)
	p := planner.NewLLMPlanner(planner.LLMConfig{BaseURL: srv.URL + "/v1", MaxDOMBytes: 64})

	f := driftFailure("<html><body>" + strings.Repeat("<p>filler</p>", 100) + "</body></html>")
	code, err := p.Repair(context.Background(), `function run(spec) page.click("Login") end`, f)
	require.NoError(t, err)
	assert.Equal(t, "function run(spec) end\n", code)

	assert.Contains(t, c.prompt, `page.click("Login")`)
	assert.Contains(t, c.prompt, `No element matched "Login" for click after trying: role, label, text, testid.`)
	assert.Contains(t, c.prompt, "(truncated)")
	assert.Less(t, strings.Count(c.prompt, "filler"), 10)
	assert.Empty(t, c.auth)
}

func TestLLMPlanner_HTTPError(t *testing.T) {
	srv, _ := chatServer(t, http.StatusTooManyRequests, `{"error": {"message": "slow down"}}`)
	p := planner.NewLLMPlanner(planner.LLMConfig{BaseURL: srv.URL + "/v1", APIKey: "sk-very-secret"})

	_, err := p.Plan(context.Background(), testsite.Spec())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 429")
	assert.NotContains(t, err.Error(), "sk-very-secret")
}

type stubRepairer struct {
	code string
	err  error
	hits int
}

func (s *stubRepairer) Repair(ctx context.Context, code string, failure types.FailureContext) (string, error) {
	s.hits++
	return s.code, s.err
}

func TestComposite(t *testing.T) {
	first := &stubRepairer{err: planner.ErrCannotRepair}
	second := &stubRepairer{code: "patched"}
	third := &stubRepairer{code: "unused"}
	c := planner.NewComposite(planner.NewTemplatePlanner(), first, second, third)

	code, err := c.Repair(context.Background(), "code", types.FailureContext{})
	require.NoError(t, err)
	assert.Equal(t, "patched", code)
	assert.Equal(t, 1, first.hits)
	assert.Equal(t, 0, third.hits)

	plan, err := c.Plan(context.Background(), testsite.Spec())
	require.NoError(t, err)
	assert.NoError(t, script.Validate(plan))

	failing := planner.NewComposite(nil, &stubRepairer{err: planner.ErrCannotRepair}, &stubRepairer{err: errors.New("model down")})
	_, err = failing.Repair(context.Background(), "code", types.FailureContext{})
	assert.ErrorIs(t, err, planner.ErrCannotRepair)
	assert.Contains(t, err.Error(), "model down")
	_, err = failing.Plan(context.Background(), testsite.Spec())
	assert.Error(t, err)
}
