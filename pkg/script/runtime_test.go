package script_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/arnavsurve/mendstep/internal/testsite"
	"github.com/arnavsurve/mendstep/pkg/browser"
	"github.com/arnavsurve/mendstep/pkg/browser/htmlpage"
	"github.com/arnavsurve/mendstep/pkg/log"
	"github.com/arnavsurve/mendstep/pkg/log/sinks"
	"github.com/arnavsurve/mendstep/pkg/resolver"
	"github.com/arnavsurve/mendstep/pkg/script"
	"github.com/arnavsurve/mendstep/pkg/security"
	"github.com/arnavsurve/mendstep/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const travelScript = `
function run(spec)
  local creds = spec.credentials
  step(1, "navigate", function()
    page.navigate(spec.url)
  end)
  step(2, "login", function()
    page.fill("Username", creds["username"])
    page.fill("Password", creds["password"])
    page.click("Login")
  end)
  step(3, "fill Destination", function()
    page.fill("Destination", "Montreal")
  end)
  step(4, "click Search", function()
    page.click("Search")
  end)
  step(5, "assert_text Results", function()
    page.assert_text("Results")
  end)
  log("done as " .. creds["password"])
  return {status = "success", notes = "ok", artifacts = {}}
end
`

type harness struct {
	page       browser.Page
	transcript *sinks.TranscriptSink
	runtime    *script.Runtime
}

func newHarness(t *testing.T, v testsite.Variant, opts ...script.Option) *harness {
	t.Helper()
	sess, err := htmlpage.New(htmlpage.WithFixtures(testsite.Pages(v))).NewSession(context.Background(), browser.LaunchOptions{DownloadDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })

	transcript := sinks.NewTranscriptSink()
	router := log.NewRouter(transcript)
	router.SetRedactor(security.NewRedactor(testsite.Password))
	logger := log.NewLogger(router)

	res := resolver.New(
		resolver.WithAttemptTimeout(20*time.Millisecond),
		resolver.WithPollInterval(5*time.Millisecond),
		resolver.WithLogger(logger),
	)
	opts = append([]script.Option{script.WithLogger(logger)}, opts...)
	return &harness{
		page:       sess.Page(),
		transcript: transcript,
		runtime:    script.NewRuntime(sess.Page(), res, opts...),
	}
}

func TestRuntime_HappyPath(t *testing.T) {
	h := newHarness(t, testsite.Stable)

	res, err := h.runtime.Run(context.Background(), travelScript, testsite.Spec())
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "ok", res.Notes)
	assert.Contains(t, h.page.URL(), "/results")

	joined := strings.Join(h.transcript.Lines(), "\n")
	assert.Contains(t, joined, "Step finished")
	assert.Contains(t, joined, "done as ********")
	assert.NotContains(t, joined, testsite.Password)
}

func TestRuntime_DriftRaisesElementNotFound(t *testing.T) {
	h := newHarness(t, testsite.Drifted)

	res, err := h.runtime.Run(context.Background(), travelScript, testsite.Spec())
	require.Error(t, err)
	assert.Equal(t, "failed", res.Status)

	execErr, ok := types.AsExecutionError(err)
	require.True(t, ok)
	assert.Equal(t, 2, execErr.StepIndex)
	assert.Equal(t, "login", execErr.StepName)

	enf, ok := types.AsElementNotFound(err)
	require.True(t, ok)
	assert.Equal(t, "Login", enf.Target)
	assert.Equal(t, "click", enf.Action)
	assert.Contains(t, strings.Join(h.transcript.Lines(), "\n"), "Retrying step")
}

func TestRuntime_DismissesModal(t *testing.T) {
	h := newHarness(t, testsite.Modal)

	res, err := h.runtime.Run(context.Background(), travelScript, testsite.Spec())
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Contains(t, strings.Join(h.transcript.Lines(), "\n"), "Dismissed dialog")
}

func TestRuntime_RetriesStepOnce(t *testing.T) {
	code := `
function run(spec)
  local n = 0
  step(1, "flaky", function()
    n = n + 1
    if n == 1 then error("first attempt fails") end
  end)
  return {status = "success", notes = tostring(n)}
end`
	res, err := newHarness(t, testsite.Stable).runtime.Run(context.Background(), code, testsite.Spec())
	require.NoError(t, err)
	assert.Equal(t, "2", res.Notes)

	code = strings.Replace(code, "n == 1", "n < 3", 1)
	_, err = newHarness(t, testsite.Stable).runtime.Run(context.Background(), code, testsite.Spec())
	execErr, ok := types.AsExecutionError(err)
	require.True(t, ok)
	assert.Equal(t, "flaky", execErr.StepName)
	assert.Contains(t, execErr.Error(), "first attempt fails")
}

func TestRuntime_StepTimeout(t *testing.T) {
	code := `
function run(spec)
  step(1, "navigate", function() page.navigate(spec.url) end)
  step(2, "wait", function() page.wait_for("Never appears") end)
  return {status = "success"}
end`
	h := newHarness(t, testsite.Stable, script.WithStepTimeout(30*time.Millisecond))
	h.runtime = script.NewRuntime(h.page, resolver.New(resolver.WithAttemptTimeout(time.Minute)), script.WithStepTimeout(30*time.Millisecond))

	start := time.Now()
	_, err := h.runtime.Run(context.Background(), code, testsite.Spec())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	execErr, ok := types.AsExecutionError(err)
	require.True(t, ok)
	assert.Equal(t, 2, execErr.StepIndex)
}

func TestRuntime_RunCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newHarness(t, testsite.Stable).runtime.Run(ctx, "function run(spec) while true do end end", testsite.Spec())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRuntime_ResultContract(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		errorMsg string
	}{
		{"reported failure", `function run(spec) return {status = "failed", notes = "nope"} end`, `status "failed": nope`},
		{"no table", `function run(spec) return 42 end`, "want a result table"},
		{"no status", `function run(spec) return {} end`, "no status"},
		{"bad status", `function run(spec) return {status = "maybe"} end`, "neither success nor failed"},
		{"load error", `function run(spec) return {status = "success"} end error("boot")`, "loading script"},
		{"no entry point", `x = 1`, "does not define"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newHarness(t, testsite.Stable).runtime.Run(context.Background(), tt.code, testsite.Spec())
			require.Error(t, err)
			assert.True(t, types.IsExecutionFailure(err))
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestRuntime_Sandbox(t *testing.T) {
	code := `
function run(spec)
  local closed = os == nil and io == nil and load == nil and dofile == nil and require == nil and math.random == nil
  return {status = closed and "success" or "failed", notes = string.upper(spec.steps[3].target)}
end`
	res, err := newHarness(t, testsite.Stable).runtime.Run(context.Background(), code, testsite.Spec())
	require.NoError(t, err)
	assert.Equal(t, "DESTINATION", res.Notes)
}

func TestRuntime_DownloadAndScreenshot(t *testing.T) {
	dir := t.TempDir()
	code := `
function run(spec)
  local path
  step(1, "results", function()
    page.navigate("` + testsite.BaseURL + `/results")
    path = page.download("Download itinerary")
    page.screenshot("final view")
  end)
  return {status = "success", notes = path, artifacts = {"extra.txt"}}
end`
	res, err := newHarness(t, testsite.Stable, script.WithArtifactsDir(dir)).runtime.Run(context.Background(), code, testsite.Spec())
	require.NoError(t, err)
	assert.NotEmpty(t, res.Notes)
	require.Len(t, res.Artifacts, 3)
	assert.Equal(t, "extra.txt", res.Artifacts[0])
	assert.Equal(t, res.Notes, res.Artifacts[1])
	assert.True(t, strings.HasSuffix(res.Artifacts[2], "final_view.png"))
}
