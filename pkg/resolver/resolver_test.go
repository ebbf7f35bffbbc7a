package resolver_test

import (
	"context"
	"testing"
	"time"

	"github.com/arnavsurve/mendstep/internal/testsite"
	"github.com/arnavsurve/mendstep/pkg/browser"
	"github.com/arnavsurve/mendstep/pkg/browser/htmlpage"
	"github.com/arnavsurve/mendstep/pkg/resolver"
	"github.com/arnavsurve/mendstep/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tiersPage = `<!doctype html>
<html><body>
<button>Search</button>
<input aria-label="Where to" placeholder="City or airport">
<div><button><span>Book now</span> for two</button></div>
<a href="/checkout" data-testid="checkout">&rarr;</a>
<button>Delete</button>
<button>Delete</button>
<button disabled>Archive</button>
<p style="display:none" data-testid="promo-banner">Hidden notice</p>
</body></html>`

const pageURL = "https://fixtures.example.test/"

func open(t *testing.T, pages map[string]string, url string) browser.Page {
	t.Helper()
	sess, err := htmlpage.New(htmlpage.WithFixtures(pages)).NewSession(context.Background(), browser.LaunchOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	require.NoError(t, sess.Page().Navigate(context.Background(), url))
	return sess.Page()
}

func fast() *resolver.Resolver {
	return resolver.New(resolver.WithAttemptTimeout(20*time.Millisecond), resolver.WithPollInterval(5*time.Millisecond))
}

func TestResolve_Tiers(t *testing.T) {
	p := open(t, map[string]string{pageURL: tiersPage}, pageURL)
	r := fast()
	ctx := context.Background()

	tests := []struct {
		name   string
		action types.ActionKind
		target string
		want   string
	}{
		{"role exact", types.ActionClick, "Search", "Search"},
		{"role case-insensitive", types.ActionClick, "search", "Search"},
		{"placeholder", types.ActionFill, "city or airport", "Where to"},
		{"visible text", types.ActionClick, "book now", "Book now for two"},
		{"test id", types.ActionClick, "Checkout", "→"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := r.Resolve(ctx, p, tt.action, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, info.Name)
		})
	}
}

func TestResolve_ElementNotFound(t *testing.T) {
	p := open(t, map[string]string{pageURL: tiersPage}, pageURL)
	r := fast()

	tests := []struct {
		name   string
		action types.ActionKind
		target string
	}{
		{"missing", types.ActionClick, "Checkout now"},
		{"ambiguous", types.ActionClick, "Delete"},
		{"disabled", types.ActionClick, "Archive"},
		{"wrong role", types.ActionFill, "Search"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), p, tt.action, tt.target)
			enf, ok := types.AsElementNotFound(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tt.target, enf.Target)
			assert.Equal(t, string(tt.action), enf.Action)
			assert.Equal(t, resolver.Tiers, enf.Strategies)
		})
	}
}

func TestResolve_WaitForNeedsOnlyVisibility(t *testing.T) {
	p := open(t, map[string]string{pageURL: tiersPage}, pageURL)
	r := fast()

	info, err := r.Resolve(context.Background(), p, types.ActionWaitFor, "Archive")
	require.NoError(t, err)
	assert.False(t, info.Enabled)

	_, err = r.Resolve(context.Background(), p, types.ActionWaitFor, "promo-banner")
	_, ok := types.AsElementNotFound(err)
	assert.True(t, ok)
}

func TestResolve_Cancelled(t *testing.T) {
	p := open(t, map[string]string{pageURL: tiersPage}, pageURL)
	r := resolver.New(resolver.WithAttemptTimeout(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.Resolve(ctx, p, types.ActionClick, "Nothing here")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDismissModals(t *testing.T) {
	p := open(t, testsite.Pages(testsite.Modal), testsite.BaseURL+"/login")
	r := fast()
	ctx := context.Background()

	_, err := r.Resolve(ctx, p, types.ActionFill, "Username")
	_, blocked := types.AsElementNotFound(err)
	require.True(t, blocked, "the dialog should make the form inert")

	dismissed, err := r.DismissModals(ctx, p)
	require.NoError(t, err)
	assert.True(t, dismissed)

	_, err = r.Resolve(ctx, p, types.ActionFill, "Username")
	require.NoError(t, err)

	dismissed, err = r.DismissModals(ctx, p)
	require.NoError(t, err)
	assert.False(t, dismissed)
}

func TestDismissModals_IgnoresOtherButtons(t *testing.T) {
	page := `<html><body>
<div role="dialog" aria-label="Offer"><button>Subscribe</button></div>
<button>Close account</button>
</body></html>`
	p := open(t, map[string]string{pageURL: page}, pageURL)

	dismissed, err := fast().DismissModals(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, dismissed)
}

func TestAssertText(t *testing.T) {
	p := open(t, testsite.Pages(testsite.Stable), testsite.BaseURL+"/results")
	r := fast()

	ok, err := r.AssertText(context.Background(), p, "results")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.AssertText(context.Background(), p, "Sold out")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRolesFor(t *testing.T) {
	assert.Equal(t, []string{"button", "link"}, resolver.RolesFor(types.ActionClick))
	assert.Equal(t, []string{"file"}, resolver.RolesFor(types.ActionUpload))
	assert.Nil(t, resolver.RolesFor(types.ActionWaitFor))
}
