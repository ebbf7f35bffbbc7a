// Package htmlpage is a browser engine without a browser: pages are fetched
// over HTTP (or served from in-memory fixtures), parsed with goquery and
// driven through the same Page contract as a real browser. Links, form
// submissions and dialog dismissal are followed; scripts are not run.
package htmlpage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/arnavsurve/mendstep/pkg/browser"
)

const Name = "htmlpage"

func init() {
	browser.Register(Name, func() (browser.Engine, error) { return New(), nil })
}

type Engine struct {
	fixtures  map[string]string
	transport http.RoundTripper
	timeout   time.Duration
}

type Option func(*Engine)

// WithFixtures serves pages from memory, keyed by absolute URL. A request
// whose URL is not found exactly is retried without its query and fragment.
func WithFixtures(pages map[string]string) Option {
	return func(e *Engine) { e.fixtures = pages }
}

// WithTransport replaces the HTTP transport (tests use httptest).
func WithTransport(rt http.RoundTripper) Option {
	return func(e *Engine) { e.transport = rt }
}

func New(opts ...Option) *Engine {
	e := &Engine{timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Name() string { return Name }

// NewSession starts a session with its own cookie jar.
func (e *Engine) NewSession(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	transport := e.transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if opts.Proxy != "" {
			proxyURL, err := url.Parse(opts.Proxy)
			if err != nil {
				return nil, fmt.Errorf("invalid proxy %q: %w", opts.Proxy, err)
			}
			t.Proxy = http.ProxyURL(proxyURL)
		}
		transport = t
	}

	s := &session{
		engine: e,
		opts:   opts,
		client: &http.Client{Jar: jar, Transport: transport, Timeout: e.timeout},
	}
	s.page = &page{session: s, values: map[string]string{}}
	return s, nil
}

type session struct {
	engine *Engine
	opts   browser.LaunchOptions
	client *http.Client
	page   *page

	mu     sync.Mutex
	trace  []browser.TraceEvent
	closed bool
}

func (s *session) Page() browser.Page { return s.page }

func (s *session) Trace() []browser.TraceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]browser.TraceEvent, len(s.trace))
	copy(out, s.trace)
	return out
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.client.CloseIdleConnections()
	return nil
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) record(method, rawURL string, status int) {
	if !s.opts.RecordNetwork {
		return
	}
	s.mu.Lock()
	s.trace = append(s.trace, browser.TraceEvent{Time: time.Now().UTC(), Method: method, URL: rawURL, Status: status, Type: "document"})
	s.mu.Unlock()
}

// fetch returns the body for method+url, from fixtures first.
func (s *session) fetch(ctx context.Context, method, rawURL string, form url.Values) (string, error) {
	if s.isClosed() {
		return "", fmt.Errorf("session is closed")
	}
	if body, ok := s.fixture(rawURL); ok {
		s.record(method, rawURL, http.StatusOK)
		return body, nil
	}
	if s.engine.fixtures != nil && s.engine.transport == nil {
		s.record(method, rawURL, http.StatusNotFound)
		return "", fmt.Errorf("%s %s: no such page", method, rawURL)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Scheme == "file" {
		data, err := os.ReadFile(u.Path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", rawURL, err)
		}
		s.record(method, rawURL, http.StatusOK)
		return string(data), nil
	}

	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return "", fmt.Errorf("building request for %s: %w", rawURL, err)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if s.opts.UserAgent != "" {
		req.Header.Set("User-Agent", s.opts.UserAgent)
	}
	if s.opts.Locale != "" {
		req.Header.Set("Accept-Language", s.opts.Locale)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()
	s.record(method, rawURL, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", rawURL, err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%s %s: status %d", method, rawURL, resp.StatusCode)
	}
	return string(data), nil
}

func (s *session) fixture(rawURL string) (string, bool) {
	if s.engine.fixtures == nil {
		return "", false
	}
	if body, ok := s.engine.fixtures[rawURL]; ok {
		return body, true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	u.RawQuery = ""
	u.Fragment = ""
	body, ok := s.engine.fixtures[u.String()]
	return body, ok
}
