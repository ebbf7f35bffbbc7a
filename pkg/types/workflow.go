package types

import "time"

// BrowserConfig carries the launch configuration for a workflow's browser session.
type BrowserConfig struct {
	Engine         string `json:"engine,omitempty"`
	Headless       bool   `json:"headless"`
	Locale         string `json:"locale,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	Proxy          string `json:"proxy,omitempty"`
	DownloadDir    string `json:"download_dir,omitempty"`
	RecordNetwork  bool   `json:"record_network,omitempty"`
	PersistSession bool   `json:"persist_session,omitempty"`
}

// WorkflowSpec is the caller-owned description of a workflow. The engine never mutates it.
type WorkflowSpec struct {
	WorkflowID  string            `json:"workflow_id"`
	URL         string            `json:"url"`
	Steps       []Step            `json:"steps"`
	Credentials map[string]string `json:"-"`
	Browser     BrowserConfig     `json:"browser"`
	Artifacts   bool              `json:"artifacts"`
}

// CredentialValues returns every non-empty credential value, for redaction.
func (s WorkflowSpec) CredentialValues() []string {
	values := make([]string, 0, len(s.Credentials))
	for _, v := range s.Credentials {
		if v != "" {
			values = append(values, v)
		}
	}
	return values
}

// CredentialKeys returns the credential names without their values.
func (s WorkflowSpec) CredentialKeys() []string {
	keys := make([]string, 0, len(s.Credentials))
	for k := range s.Credentials {
		keys = append(keys, k)
	}
	return keys
}

// ScriptVersion is one immutable generation of a workflow's script.
type ScriptVersion struct {
	WorkflowID string    `json:"workflow_id"`
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	Code       string    `json:"code"`
	Notes      string    `json:"notes,omitempty"`
}

// RunRequest asks the engine to execute a workflow.
type RunRequest struct {
	Spec              WorkflowSpec
	ReuseExisting     bool
	AllowRepair       bool
	MaxRepairAttempts int
	// PinnedVersion runs exactly this stored version when > 0.
	PinnedVersion int
}

// RunStatus is the terminal status of a run.
type RunStatus string

const (
	StatusSuccess         RunStatus = "success"
	StatusFailed          RunStatus = "failed"
	StatusRepairedSuccess RunStatus = "repaired_success"
	StatusRepairedFailed  RunStatus = "repaired_failed"
)

// Repaired reports whether the status resulted from at least one repair.
func (s RunStatus) Repaired() bool {
	return s == StatusRepairedSuccess || s == StatusRepairedFailed
}

// RunResult is the outcome of one run_workflow invocation.
type RunResult struct {
	RunID             string    `json:"run_id"`
	WorkflowID        string    `json:"workflow_id"`
	Status            RunStatus `json:"status"`
	ScriptVersionUsed int       `json:"script_version_used"`
	ArtifactsPath     string    `json:"artifacts_path,omitempty"`
	Logs              []string  `json:"logs"`
	Error             string    `json:"error,omitempty"`
	Attempts          int       `json:"attempts"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
}

// DOMSnapshot is the page state captured when an execution fails.
type DOMSnapshot struct {
	HTML              string `json:"html"`
	AccessibilityTree string `json:"accessibility_tree,omitempty"`
}

// Diagnostic is the structured reason a step failed, when one is known.
type Diagnostic struct {
	StepIndex  int      `json:"step_index"`
	StepName   string   `json:"step_name"`
	Action     string   `json:"action"`
	Target     string   `json:"target,omitempty"`
	Role       string   `json:"role,omitempty"`
	Strategies []string `json:"strategies,omitempty"`
	Message    string   `json:"message"`
}

// FailureContext is the redacted diagnostic bundle handed to a repairer.
type FailureContext struct {
	Logs       []string     `json:"logs"`
	DOM        *DOMSnapshot `json:"dom_snapshot,omitempty"`
	Diagnostic *Diagnostic  `json:"diagnostic,omitempty"`
}
