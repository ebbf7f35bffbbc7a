package core

import "github.com/arnavsurve/mendstep/pkg/types"

type Input struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required,omitempty"`
	Secret   bool   `yaml:"secret,omitempty"`
	Default  string `yaml:"default,omitempty"`
}

// BrowserSection is the workflow file's `browser:` block. Headless is a
// pointer so an omitted flag defaults to true.
type BrowserSection struct {
	Engine         string `yaml:"engine,omitempty"`
	Headless       *bool  `yaml:"headless,omitempty"`
	Locale         string `yaml:"locale,omitempty"`
	UserAgent      string `yaml:"user_agent,omitempty"`
	Proxy          string `yaml:"proxy,omitempty"`
	DownloadDir    string `yaml:"download_dir,omitempty"`
	RecordNetwork  bool   `yaml:"record_network,omitempty"`
	PersistSession bool   `yaml:"persist_session,omitempty"`
}

// Workflow is a workflow file as written on disk, before variables are
// resolved.
type Workflow struct {
	ID          string            `yaml:"id"`
	Description string            `yaml:"description,omitempty"`
	URL         string            `yaml:"url"`
	Inputs      []Input           `yaml:"inputs,omitempty"`
	Credentials map[string]string `yaml:"credentials,omitempty"`
	Browser     BrowserSection    `yaml:"browser,omitempty"`
	Artifacts   bool              `yaml:"artifacts,omitempty"`
	Steps       []types.Step      `yaml:"steps"`
}

type Step = types.Step

// Spec converts the workflow into the engine's immutable WorkflowSpec.
// Maps and slices are copied so the caller's Workflow can be reused.
func (wf *Workflow) Spec() types.WorkflowSpec {
	headless := true
	if wf.Browser.Headless != nil {
		headless = *wf.Browser.Headless
	}

	creds := make(map[string]string, len(wf.Credentials))
	for k, v := range wf.Credentials {
		creds[k] = v
	}
	steps := make([]types.Step, len(wf.Steps))
	for i, s := range wf.Steps {
		steps[i] = copyStep(s)
	}

	return types.WorkflowSpec{
		WorkflowID:  wf.ID,
		URL:         wf.URL,
		Steps:       steps,
		Credentials: creds,
		Browser: types.BrowserConfig{
			Engine:         wf.Browser.Engine,
			Headless:       headless,
			Locale:         wf.Browser.Locale,
			UserAgent:      wf.Browser.UserAgent,
			Proxy:          wf.Browser.Proxy,
			DownloadDir:    wf.Browser.DownloadDir,
			RecordNetwork:  wf.Browser.RecordNetwork,
			PersistSession: wf.Browser.PersistSession,
		},
		Artifacts: wf.Artifacts,
	}
}

func copyStep(s types.Step) types.Step {
	out := types.Step{Action: s.Action}
	if s.Options != nil {
		out.Options = make(map[string]string, len(s.Options))
		for k, v := range s.Options {
			out.Options[k] = v
		}
	}
	return out
}
