// Package resolver locates interactive elements with an ordered fallback
// chain and dismisses interstitial dialogs. Every script runs through it, so
// a failure always names the target and the tiers that were tried.
package resolver

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/arnavsurve/mendstep/pkg/browser"
	"github.com/arnavsurve/mendstep/pkg/log"
	"github.com/arnavsurve/mendstep/pkg/types"
)

// Resolution tiers, in the order they are tried.
const (
	TierRole   = "role"
	TierLabel  = "label"
	TierText   = "text"
	TierTestID = "testid"
)

var Tiers = []string{TierRole, TierLabel, TierText, TierTestID}

const (
	DefaultAttemptTimeout = 1500 * time.Millisecond
	DefaultPollInterval   = 100 * time.Millisecond
)

var dismissPattern = regexp.MustCompile(`(?i)^\W*(close|skip|dismiss|got it|not now|no thanks|continue)\b`)

// Resolver is safe for concurrent use; it keeps no per-page state.
type Resolver struct {
	attemptTimeout time.Duration
	pollInterval   time.Duration
	logger         types.Logger
}

type Option func(*Resolver)

// WithAttemptTimeout bounds how long each tier polls before the next is tried.
func WithAttemptTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.attemptTimeout = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

func WithLogger(logger types.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func New(opts ...Option) *Resolver {
	r := &Resolver{
		attemptTimeout: DefaultAttemptTimeout,
		pollInterval:   DefaultPollInterval,
		logger:         log.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AttemptTimeout is the per-tier polling budget.
func (r *Resolver) AttemptTimeout() time.Duration { return r.attemptTimeout }

// RolesFor returns the roles an action may target; nil means any role.
func RolesFor(action types.ActionKind) []string {
	switch action {
	case types.ActionClick, types.ActionDownload:
		return []string{"button", "link"}
	case types.ActionFill:
		return []string{"textbox", "searchbox"}
	case types.ActionSelect:
		return []string{"combobox", "listbox"}
	case types.ActionUpload:
		return []string{"file"}
	default:
		return nil
	}
}

// Resolve returns the single actionable element target refers to. When every
// tier is exhausted it returns a *types.ElementNotFoundError.
func (r *Resolver) Resolve(ctx context.Context, page browser.Page, action types.ActionKind, target string) (browser.ElementInfo, error) {
	roles := RolesFor(action)
	usable := browser.ElementInfo.Actionable
	if action == types.ActionWaitFor {
		usable = func(e browser.ElementInfo) bool { return e.Visible }
	}

	for _, tier := range Tiers {
		info, ok, err := r.poll(ctx, page, func(infos []browser.ElementInfo) []browser.ElementInfo {
			return match(tier, infos, target, roles, usable)
		})
		if err != nil {
			return browser.ElementInfo{}, err
		}
		if ok {
			r.logger.Debug().Str("target", target).Str("tier", tier).Str("element", info.ID).Msg("Resolved element")
			return info, nil
		}
	}

	return browser.ElementInfo{}, &types.ElementNotFoundError{
		Target:     target,
		Action:     string(action),
		Role:       strings.Join(roles, "|"),
		Strategies: append([]string(nil), Tiers...),
	}
}

// poll re-reads the page until find yields exactly one element or the tier's
// budget runs out.
func (r *Resolver) poll(ctx context.Context, page browser.Page, find func([]browser.ElementInfo) []browser.ElementInfo) (browser.ElementInfo, bool, error) {
	deadline := time.Now().Add(r.attemptTimeout)
	for {
		infos, err := page.Elements(ctx)
		if err != nil {
			return browser.ElementInfo{}, false, err
		}
		if found := find(infos); len(found) == 1 {
			return found[0], true, nil
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return browser.ElementInfo{}, false, nil
		}
		if wait > r.pollInterval {
			wait = r.pollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return browser.ElementInfo{}, false, ctx.Err()
		case <-timer.C:
		}
	}
}

// DismissModals clicks the first dismiss control found inside a visible
// dialog. It reports whether anything was clicked; no dialog is not an error.
func (r *Resolver) DismissModals(ctx context.Context, page browser.Page) (bool, error) {
	infos, err := page.Elements(ctx)
	if err != nil {
		return false, err
	}
	for _, dlg := range infos {
		if !dlg.IsDialog() || !dlg.Visible {
			continue
		}
		for _, info := range infos {
			if info.Dialog != dlg.ID || !info.Actionable() {
				continue
			}
			if info.Role != "button" && info.Role != "link" {
				continue
			}
			if !dismissPattern.MatchString(info.Name) {
				continue
			}
			if err := page.Click(ctx, info.ID); err != nil {
				return false, err
			}
			r.logger.Info().Str("dialog", dlg.Name).Str("button", info.Name).Msg("Dismissed dialog")
			return true, nil
		}
	}
	return false, nil
}

// AssertText waits until the page's visible text contains want.
func (r *Resolver) AssertText(ctx context.Context, page browser.Page, want string) (bool, error) {
	deadline := time.Now().Add(r.attemptTimeout)
	needle := strings.ToLower(want)
	for {
		text, err := page.Text(ctx)
		if err != nil {
			return false, err
		}
		if strings.Contains(strings.ToLower(text), needle) {
			return true, nil
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return false, nil
		}
		if wait > r.pollInterval {
			wait = r.pollInterval
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
		}
	}
}
