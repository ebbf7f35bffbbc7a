package executor

import (
	"context"

	"github.com/arnavsurve/mendstep/pkg/browser"
	"github.com/arnavsurve/mendstep/pkg/script"
	"github.com/arnavsurve/mendstep/pkg/types"
)

// snapshot is the page state read after a failure.
type snapshot struct {
	html       string
	axTree     string
	screenshot []byte
	trace      []browser.TraceEvent
}

// fail captures the failure bundle and builds the failed outcome. Capture
// runs on a context detached from ctx so a cancelled run is still recorded.
func (e *Executor) fail(ctx context.Context, x *execution, sess browser.Session, page browser.Page, cause error, result script.Result) Outcome {
	x.logger.Error().Err(cause).Msg("Execution failed")

	var snap snapshot
	if page != nil {
		captureCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.captureTimeout)
		snap = capture(captureCtx, x, page)
		cancel()
	}
	if sess != nil {
		snap.trace = sess.Trace()
	}

	failure := &types.FailureContext{
		Logs:       x.transcript.Lines(),
		Diagnostic: diagnose(x, cause),
	}
	if snap.html != "" || snap.axTree != "" {
		failure.DOM = &types.DOMSnapshot{
			HTML:              x.redactor.Redact(snap.html),
			AccessibilityTree: x.redactor.Redact(snap.axTree),
		}
	}

	out := Outcome{
		Status:    types.StatusFailed,
		Logs:      failure.Logs,
		Failure:   failure,
		Err:       cause,
		Notes:     x.redactor.Redact(result.Notes),
		Artifacts: result.Artifacts,
	}
	if x.spec.Artifacts {
		path, err := e.writeBundle(x, failure, snap)
		if err != nil {
			x.logger.Warn().Err(err).Msg("Writing artifact bundle failed")
		} else {
			out.ArtifactsPath = path
		}
	}
	e.setLast(failure)
	return out
}

func capture(ctx context.Context, x *execution, page browser.Page) snapshot {
	var snap snapshot
	var err error
	if snap.html, err = page.HTML(ctx); err != nil {
		x.logger.Warn().Err(err).Msg("Capturing markup failed")
	}
	if snap.axTree, err = page.AccessibilityTree(ctx); err != nil {
		x.logger.Warn().Err(err).Msg("Capturing accessibility tree failed")
	}
	if snap.screenshot, err = page.Screenshot(ctx); err != nil {
		x.logger.Warn().Err(err).Msg("Capturing screenshot failed")
	}
	return snap
}

// diagnose turns the failure cause into the structured payload a repairer reads.
func diagnose(x *execution, cause error) *types.Diagnostic {
	d := &types.Diagnostic{Message: x.redactor.Redact(cause.Error())}
	if execErr, ok := types.AsExecutionError(cause); ok {
		d.StepIndex = execErr.StepIndex
		d.StepName = x.redactor.Redact(execErr.StepName)
	}
	if enf, ok := types.AsElementNotFound(cause); ok {
		d.Action = enf.Action
		d.Target = x.redactor.Redact(enf.Target)
		d.Role = enf.Role
		d.Strategies = append([]string(nil), enf.Strategies...)
	}
	return d
}

func (e *Executor) writeBundle(x *execution, failure *types.FailureContext, snap snapshot) (string, error) {
	b, err := NewBundle(e.artifactsRoot, x.runID, x.attempt, x.redactor)
	if err != nil {
		return "", err
	}
	writes := []func() error{
		func() error { return b.WriteScreenshot(snap.screenshot) },
		func() error { return b.WriteText("page.html", snap.html) },
		func() error { return b.WriteText("accessibility.json", snap.axTree) },
		func() error { return b.WriteTrace(snap.trace) },
		func() error { return b.WriteLog(failure.Logs) },
	}
	for _, write := range writes {
		if err := write(); err != nil {
			return "", err
		}
	}
	return b.Dir, nil
}
