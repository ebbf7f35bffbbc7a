package types

import (
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// ActionKind names one case of the Action sum type.
type ActionKind string

const (
	ActionNavigate   ActionKind = "navigate"
	ActionLogin      ActionKind = "login"
	ActionClick      ActionKind = "click"
	ActionFill       ActionKind = "fill"
	ActionWaitFor    ActionKind = "wait_for"
	ActionSelect     ActionKind = "select"
	ActionUpload     ActionKind = "upload"
	ActionDownload   ActionKind = "download"
	ActionScreenshot ActionKind = "screenshot"
	ActionAssertText ActionKind = "assert_text"
)

// Action is a closed set of step kinds. Each case carries only the fields it uses.
// Code that interprets steps implements ActionVisitor, so adding a kind breaks
// every interpreter at compile time until it handles the new case.
type Action interface {
	Kind() ActionKind
	Accept(v ActionVisitor) error
	sealed()
}

// ActionVisitor has one method per Action case.
type ActionVisitor interface {
	VisitNavigate(a Navigate) error
	VisitLogin(a Login) error
	VisitClick(a Click) error
	VisitFill(a Fill) error
	VisitWaitFor(a WaitFor) error
	VisitSelect(a Select) error
	VisitUpload(a Upload) error
	VisitDownload(a Download) error
	VisitScreenshot(a Screenshot) error
	VisitAssertText(a AssertText) error
}

type Navigate struct{ URL string }

// Login ignores target and value; credentials come from WorkflowSpec.Credentials.
type Login struct{}

type Click struct{ Target string }

type Fill struct{ Target, Value string }

type WaitFor struct{ Target string }

type Select struct{ Target, Value string }

type Upload struct{ Target, Path string }

type Download struct{ Target string }

type Screenshot struct{ Name string }

type AssertText struct{ Text string }

func (Navigate) Kind() ActionKind   { return ActionNavigate }
func (Login) Kind() ActionKind      { return ActionLogin }
func (Click) Kind() ActionKind      { return ActionClick }
func (Fill) Kind() ActionKind       { return ActionFill }
func (WaitFor) Kind() ActionKind    { return ActionWaitFor }
func (Select) Kind() ActionKind     { return ActionSelect }
func (Upload) Kind() ActionKind     { return ActionUpload }
func (Download) Kind() ActionKind   { return ActionDownload }
func (Screenshot) Kind() ActionKind { return ActionScreenshot }
func (AssertText) Kind() ActionKind { return ActionAssertText }

func (a Navigate) Accept(v ActionVisitor) error   { return v.VisitNavigate(a) }
func (a Login) Accept(v ActionVisitor) error      { return v.VisitLogin(a) }
func (a Click) Accept(v ActionVisitor) error      { return v.VisitClick(a) }
func (a Fill) Accept(v ActionVisitor) error       { return v.VisitFill(a) }
func (a WaitFor) Accept(v ActionVisitor) error    { return v.VisitWaitFor(a) }
func (a Select) Accept(v ActionVisitor) error     { return v.VisitSelect(a) }
func (a Upload) Accept(v ActionVisitor) error     { return v.VisitUpload(a) }
func (a Download) Accept(v ActionVisitor) error   { return v.VisitDownload(a) }
func (a Screenshot) Accept(v ActionVisitor) error { return v.VisitScreenshot(a) }
func (a AssertText) Accept(v ActionVisitor) error { return v.VisitAssertText(a) }

func (Navigate) sealed()   {}
func (Login) sealed()      {}
func (Click) sealed()      {}
func (Fill) sealed()       {}
func (WaitFor) sealed()    {}
func (Select) sealed()     {}
func (Upload) sealed()     {}
func (Download) sealed()   {}
func (Screenshot) sealed() {}
func (AssertText) sealed() {}

// Step is one ordered unit of a workflow.
type Step struct {
	Action  Action
	Options map[string]string
}

// Option returns the named option or def when it is unset.
func (s Step) Option(key, def string) string {
	if v, ok := s.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// StepFields flattens an action into the generic target/value pair used by
// plain structured representations of a step.
func StepFields(a Action) (target, value string) {
	switch v := a.(type) {
	case Navigate:
		return "", v.URL
	case Click:
		return v.Target, ""
	case Fill:
		return v.Target, v.Value
	case WaitFor:
		return v.Target, ""
	case Select:
		return v.Target, v.Value
	case Upload:
		return v.Target, v.Path
	case Download:
		return v.Target, ""
	case Screenshot:
		return "", v.Name
	case AssertText:
		return "", v.Text
	default:
		return "", ""
	}
}

// NewAction builds the Action for kind from generic fields.
func NewAction(kind ActionKind, target, value string) (Action, error) {
	switch kind {
	case ActionNavigate:
		return Navigate{URL: value}, nil
	case ActionLogin:
		return Login{}, nil
	case ActionClick:
		return Click{Target: target}, nil
	case ActionFill:
		return Fill{Target: target, Value: value}, nil
	case ActionWaitFor:
		return WaitFor{Target: target}, nil
	case ActionSelect:
		return Select{Target: target, Value: value}, nil
	case ActionUpload:
		return Upload{Target: target, Path: value}, nil
	case ActionDownload:
		return Download{Target: target}, nil
	case ActionScreenshot:
		return Screenshot{Name: value}, nil
	case ActionAssertText:
		return AssertText{Text: value}, nil
	default:
		return nil, fmt.Errorf("unknown step action %q", kind)
	}
}

// scalarField is the field a shorthand scalar (e.g. `click: Search`) fills in.
func scalarField(kind ActionKind) string {
	switch kind {
	case ActionNavigate:
		return "url"
	case ActionScreenshot:
		return "name"
	case ActionAssertText:
		return "text"
	default:
		return "target"
	}
}

// UnmarshalYAML decodes `- click: Search`, `- fill: {target: A, value: B}` and
// an optional sibling `options:` mapping.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: step must be a mapping", node.Line)
	}

	var kind ActionKind
	var body *yaml.Node
	options := map[string]string{}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, node.Content[i+1]
		if key == "options" {
			if err := val.Decode(&options); err != nil {
				return fmt.Errorf("line %d: decoding step options: %w", val.Line, err)
			}
			continue
		}
		if kind != "" {
			return fmt.Errorf("line %d: step defines more than one action (%q and %q)", node.Content[i].Line, kind, key)
		}
		kind = ActionKind(key)
		body = val
	}
	if kind == "" {
		return fmt.Errorf("line %d: step is missing an action", node.Line)
	}

	fields := map[string]string{}
	switch body.Kind {
	case yaml.ScalarNode:
		if body.Tag != "!!null" && body.Value != "" {
			fields[scalarField(kind)] = body.Value
		}
	case yaml.MappingNode:
		if err := body.Decode(&fields); err != nil {
			return fmt.Errorf("line %d: decoding %s step: %w", body.Line, kind, err)
		}
	default:
		return fmt.Errorf("line %d: %s step must be a scalar or a mapping", body.Line, kind)
	}

	target := fields["target"]
	value := fields["value"]
	switch kind {
	case ActionNavigate:
		if value == "" {
			value = fields["url"]
		}
	case ActionUpload:
		if value == "" {
			value = fields["path"]
		}
	case ActionScreenshot:
		if value == "" {
			value = fields["name"]
		}
	case ActionAssertText:
		if value == "" {
			value = fields["text"]
		}
	}
	for k, v := range fields {
		switch k {
		case "target", "value", "url", "path", "name", "text":
		default:
			options[k] = v
		}
	}

	action, err := NewAction(kind, target, value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	s.Action = action
	if len(options) > 0 {
		s.Options = options
	}
	return nil
}

type stepJSON struct {
	Action  ActionKind        `json:"action"`
	Target  string            `json:"target,omitempty"`
	Value   string            `json:"value,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

func (s Step) MarshalJSON() ([]byte, error) {
	if s.Action == nil {
		return nil, fmt.Errorf("step has no action")
	}
	target, value := StepFields(s.Action)
	return json.Marshal(stepJSON{Action: s.Action.Kind(), Target: target, Value: value, Options: s.Options})
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var raw stepJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	action, err := NewAction(raw.Action, raw.Target, raw.Value)
	if err != nil {
		return err
	}
	s.Action = action
	s.Options = raw.Options
	return nil
}

// SortedOptionKeys returns option keys in stable order for rendering.
func (s Step) SortedOptionKeys() []string {
	keys := make([]string, 0, len(s.Options))
	for k := range s.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
