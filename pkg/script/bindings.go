package script

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/arnavsurve/mendstep/pkg/types"
	lua "github.com/yuin/gopher-lua"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func (r *Runtime) luaNavigate(L *lua.LState) int {
	url := L.CheckString(1)
	if err := r.page.Navigate(r.ctx(), url); err != nil {
		return r.raise(L, err)
	}
	r.logger.Info().Str("url", url).Msg("Navigated")
	return 0
}

// act resolves target for action and applies do to the element id.
func (r *Runtime) act(L *lua.LState, action types.ActionKind, target string, do func(id string) error) int {
	info, err := r.resolver.Resolve(r.ctx(), r.page, action, target)
	if err != nil {
		return r.raise(L, err)
	}
	if do != nil {
		if err := do(info.ID); err != nil {
			return r.raise(L, fmt.Errorf("%s %q: %w", action, target, err))
		}
	}
	r.logger.Info().Str("action", string(action)).Str("target", target).Msg("Action done")
	return 0
}

func (r *Runtime) luaClick(L *lua.LState) int {
	target := L.CheckString(1)
	return r.act(L, types.ActionClick, target, func(id string) error {
		return r.page.Click(r.ctx(), id)
	})
}

// Values are never logged; they may be credentials.
func (r *Runtime) luaFill(L *lua.LState) int {
	target := L.CheckString(1)
	value := L.CheckString(2)
	return r.act(L, types.ActionFill, target, func(id string) error {
		return r.page.Fill(r.ctx(), id, value)
	})
}

func (r *Runtime) luaSelect(L *lua.LState) int {
	target := L.CheckString(1)
	value := L.CheckString(2)
	return r.act(L, types.ActionSelect, target, func(id string) error {
		return r.page.Select(r.ctx(), id, value)
	})
}

func (r *Runtime) luaUpload(L *lua.LState) int {
	target := L.CheckString(1)
	path := L.CheckString(2)
	return r.act(L, types.ActionUpload, target, func(id string) error {
		return r.page.Upload(r.ctx(), id, path)
	})
}

func (r *Runtime) luaDownload(L *lua.LState) int {
	target := L.CheckString(1)
	var saved string
	r.act(L, types.ActionDownload, target, func(id string) error {
		path, err := r.page.Download(r.ctx(), id)
		saved = path
		return err
	})
	r.artifacts = append(r.artifacts, saved)
	L.Push(lua.LString(saved))
	return 1
}

func (r *Runtime) luaWaitFor(L *lua.LState) int {
	return r.act(L, types.ActionWaitFor, L.CheckString(1), nil)
}

func (r *Runtime) luaAssertText(L *lua.LState) int {
	want := L.CheckString(1)
	found, err := r.resolver.AssertText(r.ctx(), r.page, want)
	if err != nil {
		return r.raise(L, err)
	}
	if !found {
		return r.raise(L, fmt.Errorf("assert_text: %q not found on %s", want, r.page.URL()))
	}
	r.logger.Info().Str("text", want).Msg("Text present")
	return 0
}

// luaScreenshot implements page.screenshot(name) and returns the saved path,
// or "" when no artifacts directory is configured.
func (r *Runtime) luaScreenshot(L *lua.LState) int {
	name := L.OptString(1, "screenshot")
	img, err := r.page.Screenshot(r.ctx())
	if err != nil {
		return r.raise(L, err)
	}
	if r.artifactsDir == "" {
		L.Push(lua.LString(""))
		return 1
	}
	if err := os.MkdirAll(r.artifactsDir, 0o755); err != nil {
		return r.raise(L, err)
	}
	path := filepath.Join(r.artifactsDir, unsafeFileChars.ReplaceAllString(name, "_")+".png")
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return r.raise(L, err)
	}
	r.artifacts = append(r.artifacts, path)
	r.logger.Info().Str("path", path).Msg("Screenshot saved")
	L.Push(lua.LString(path))
	return 1
}

func (r *Runtime) luaDismissModals(L *lua.LState) int {
	dismissed, err := r.resolver.DismissModals(r.ctx(), r.page)
	if err != nil {
		return r.raise(L, err)
	}
	L.Push(lua.LBool(dismissed))
	return 1
}

// specTable renders the workflow as the plain table passed to run(spec).
func specTable(L *lua.LState, spec types.WorkflowSpec) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "workflow_id", lua.LString(spec.WorkflowID))
	L.SetField(tbl, "url", lua.LString(spec.URL))
	L.SetField(tbl, "artifacts", lua.LBool(spec.Artifacts))

	creds := L.NewTable()
	for k, v := range spec.Credentials {
		L.SetField(creds, k, lua.LString(v))
	}
	L.SetField(tbl, "credentials", creds)

	steps := L.NewTable()
	for _, step := range spec.Steps {
		st := L.NewTable()
		target, value := types.StepFields(step.Action)
		L.SetField(st, "action", lua.LString(step.Action.Kind()))
		L.SetField(st, "target", lua.LString(target))
		L.SetField(st, "value", lua.LString(value))
		opts := L.NewTable()
		for k, v := range step.Options {
			L.SetField(opts, k, lua.LString(v))
		}
		L.SetField(st, "options", opts)
		steps.Append(st)
	}
	L.SetField(tbl, "steps", steps)

	b := spec.Browser
	br := L.NewTable()
	L.SetField(br, "engine", lua.LString(b.Engine))
	L.SetField(br, "headless", lua.LBool(b.Headless))
	L.SetField(br, "locale", lua.LString(b.Locale))
	L.SetField(br, "user_agent", lua.LString(b.UserAgent))
	L.SetField(br, "proxy", lua.LString(b.Proxy))
	L.SetField(tbl, "browser", br)
	return tbl
}
