package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/arnavsurve/mendstep/pkg/log"
	"github.com/arnavsurve/mendstep/pkg/types"
	"github.com/kaptinlin/jsonrepair"
)

const (
	DefaultBaseURL     = "https://api.openai.com/v1"
	DefaultModel       = "gpt-4o-mini"
	defaultHTTPTimeout = 2 * time.Minute
	defaultMaxDOMBytes = 24 * 1024
	maxErrorBodyBytes  = 512
)

var fencedCode = regexp.MustCompile("(?s)```(?:lua)?[ \t]*\r?\n(.*?)```")

// LLMConfig configures an OpenAI-compatible chat completions endpoint.
type LLMConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	// MaxDOMBytes bounds the markup sent with a repair request.
	MaxDOMBytes int
	HTTPClient  *http.Client
	Logger      types.Logger
}

// LLMPlanner asks a language model for scripts.
type LLMPlanner struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxDOMBytes int
	client      *http.Client
	logger      types.Logger
}

func NewLLMPlanner(cfg LLMConfig) *LLMPlanner {
	p := &LLMPlanner{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxDOMBytes: cfg.MaxDOMBytes,
		client:      cfg.HTTPClient,
		logger:      cfg.Logger,
	}
	if p.baseURL == "" {
		p.baseURL = DefaultBaseURL
	}
	if p.model == "" {
		p.model = DefaultModel
	}
	if p.maxDOMBytes <= 0 {
		p.maxDOMBytes = defaultMaxDOMBytes
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if p.logger == nil {
		p.logger = log.Nop()
	}
	return p
}

func (p *LLMPlanner) Plan(ctx context.Context, spec types.WorkflowSpec) (string, error) {
	keys := spec.CredentialKeys()
	sort.Strings(keys)
	refs := credentialRefs(spec.Credentials)
	steps := make([]string, len(spec.Steps))
	for i, step := range spec.Steps {
		steps[i] = describeStep(step, refs)
	}
	prompt, err := render(planTemplate, planPrompt{
		WorkflowID:     spec.WorkflowID,
		URL:            spec.URL,
		CredentialKeys: keys,
		Steps:          steps,
	})
	if err != nil {
		return "", err
	}
	return p.complete(ctx, prompt)
}

func (p *LLMPlanner) Repair(ctx context.Context, code string, failure types.FailureContext) (string, error) {
	data := repairPrompt{Code: code, Diagnostic: failure.Diagnostic, Logs: failure.Logs}
	if failure.DOM != nil {
		data.HTML = failure.DOM.HTML
		if len(data.HTML) > p.maxDOMBytes {
			data.HTML = data.HTML[:p.maxDOMBytes]
			data.Truncated = true
		}
	}
	prompt, err := render(repairTemplate, data)
	if err != nil {
		return "", err
	}
	return p.complete(ctx, prompt)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *LLMPlanner) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: p.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	p.logger.Debug().Str("model", p.model).Int("prompt_bytes", len(prompt)).Msg("Requesting script from model")
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling model: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(respBody)
		if len(snippet) > maxErrorBodyBytes {
			snippet = snippet[:maxErrorBodyBytes]
		}
		return "", fmt.Errorf("model returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(snippet))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("model error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	p.logger.Debug().Str("duration", time.Since(start).String()).Msg("Model replied")
	return ExtractCode(parsed.Choices[0].Message.Content)
}

// ExtractCode pulls script text out of a model reply: a fenced block, a JSON
// object with a "code" field (malformed JSON is repaired first), or the bare
// reply when it already looks like a script.
func ExtractCode(reply string) (string, error) {
	if m := fencedCode.FindStringSubmatch(reply); m != nil {
		return strings.TrimSpace(m[1]) + "\n", nil
	}
	trimmed := strings.TrimSpace(reply)
	if strings.HasPrefix(trimmed, "{") {
		fixed, err := jsonrepair.JSONRepair(trimmed)
		if err == nil {
			var payload struct {
				Code string `json:"code"`
			}
			if json.Unmarshal([]byte(fixed), &payload) == nil && payload.Code != "" {
				return strings.TrimSpace(payload.Code) + "\n", nil
			}
		}
	}
	if strings.Contains(trimmed, "function run") || strings.Contains(trimmed, "run = function") {
		return trimmed + "\n", nil
	}
	return "", errors.New("model reply contains no script")
}

// describeStep renders a step for a prompt without any credential value.
func describeStep(step types.Step, refs map[string]string) string {
	quote := func(v string) string {
		if key, ok := refs[v]; ok {
			return "credential " + key
		}
		return fmt.Sprintf("%q", v)
	}
	switch a := step.Action.(type) {
	case types.Navigate:
		return "navigate to " + a.URL
	case types.Login:
		return fmt.Sprintf("log in: fill %q with credential %s, fill %q with credential %s, click %q",
			step.Option("username_field", "Username"), step.Option("username_key", "username"),
			step.Option("password_field", "Password"), step.Option("password_key", "password"),
			step.Option("submit", "Login"))
	case types.Click:
		return "click " + quote(a.Target)
	case types.Fill:
		return fmt.Sprintf("fill %q with %s", a.Target, quote(a.Value))
	case types.WaitFor:
		return "wait for " + quote(a.Target)
	case types.Select:
		return fmt.Sprintf("select %s in %q", quote(a.Value), a.Target)
	case types.Upload:
		return fmt.Sprintf("upload file %q to %q", a.Path, a.Target)
	case types.Download:
		return "download via " + quote(a.Target)
	case types.Screenshot:
		return "take screenshot " + quote(a.Name)
	case types.AssertText:
		return "check the page shows " + quote(a.Text)
	default:
		return "unknown step"
	}
}
