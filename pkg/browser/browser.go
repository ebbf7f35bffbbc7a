// Package browser is the contract between the executor and a browser
// engine. Engines expose a flat accessibility-style view of the page
// (ElementInfo) and act on elements by id; locating elements is left to the
// resolver so every engine resolves targets the same way.
package browser

import (
	"context"
	"time"
)

// LaunchOptions is the per-session launch configuration.
type LaunchOptions struct {
	Headless      bool
	Locale        string
	UserAgent     string
	Proxy         string
	DownloadDir   string
	RecordNetwork bool
	// SessionDir persists cookies and storage between sessions when set.
	SessionDir string
}

// Engine launches isolated browser sessions.
type Engine interface {
	Name() string
	NewSession(ctx context.Context, opts LaunchOptions) (Session, error)
}

// Session is one isolated browser. Close must be safe to call more than once.
type Session interface {
	Page() Page
	// Trace returns recorded network activity, empty unless RecordNetwork was set.
	Trace() []TraceEvent
	Close() error
}

// Page is the active tab of a session.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL() string
	// Elements returns every element on the page in document order.
	Elements(ctx context.Context) ([]ElementInfo, error)
	Click(ctx context.Context, id string) error
	Fill(ctx context.Context, id, value string) error
	Select(ctx context.Context, id, value string) error
	Upload(ctx context.Context, id, path string) error
	// Download clicks id and returns the path of the downloaded file.
	Download(ctx context.Context, id string) (string, error)
	// Text returns the page's visible text.
	Text(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	// AccessibilityTree returns a JSON rendering of the accessibility tree.
	AccessibilityTree(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// ElementInfo describes one element as the resolver sees it.
type ElementInfo struct {
	ID   string `json:"id"`
	Tag  string `json:"tag"`
	Type string `json:"type,omitempty"`
	// Role is the ARIA role (explicit or implicit). File inputs report "file".
	Role string `json:"role,omitempty"`
	// Name is the accessible name.
	Name        string   `json:"name,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
	Text        string   `json:"text,omitempty"`
	TestID      string   `json:"test_id,omitempty"`
	Visible     bool     `json:"visible"`
	Enabled     bool     `json:"enabled"`
	// Inert is set on everything outside an open modal dialog.
	Inert bool `json:"inert,omitempty"`
	// Parent is the id of the parent element, "" for the root.
	Parent string `json:"parent,omitempty"`
	// Dialog is the id of the nearest enclosing dialog, if any.
	Dialog string `json:"dialog,omitempty"`
}

// Actionable reports whether the element can receive input.
func (e ElementInfo) Actionable() bool {
	return e.Visible && e.Enabled && !e.Inert
}

// IsDialog reports whether the element is a modal surface.
func (e ElementInfo) IsDialog() bool {
	return e.Role == "dialog" || e.Role == "alertdialog"
}

// TraceEvent is one recorded network exchange.
type TraceEvent struct {
	Time   time.Time `json:"time"`
	Method string    `json:"method"`
	URL    string    `json:"url"`
	Status int       `json:"status,omitempty"`
	Type   string    `json:"type,omitempty"`
}
