package cdp_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/arnavsurve/mendstep/pkg/browser"
	"github.com/arnavsurve/mendstep/pkg/browser/cdp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Launching Chrome is opt-in: set MENDSTEP_CHROME=1.
func requireChrome(t *testing.T) {
	if os.Getenv("MENDSTEP_CHROME") == "" {
		t.Skip("set MENDSTEP_CHROME=1 to run against a real Chrome")
	}
}

func TestSession_ElementsAndActions(t *testing.T) {
	requireChrome(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
<label for="q">Destination</label><input id="q">
<select aria-label="Cabin"><option value="y">Economy</option><option value="j">Business</option></select>
<button onclick="document.body.insertAdjacentHTML('beforeend','<h1>Results</h1>')">Search</button>
</body></html>`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	sess, err := cdp.New(os.Getenv("MENDSTEP_CHROME_PATH")).NewSession(ctx, browser.LaunchOptions{Headless: true, RecordNetwork: true})
	require.NoError(t, err)
	defer sess.Close()
	p := sess.Page()

	require.NoError(t, p.Navigate(ctx, srv.URL))
	infos, err := p.Elements(ctx)
	require.NoError(t, err)

	byName := map[string]browser.ElementInfo{}
	for _, info := range infos {
		byName[info.Role+":"+info.Name] = info
	}
	require.Contains(t, byName, "textbox:Destination")
	require.Contains(t, byName, "combobox:Cabin")
	require.Contains(t, byName, "button:Search")

	require.NoError(t, p.Fill(ctx, byName["textbox:Destination"].ID, "Montreal"))
	require.NoError(t, p.Select(ctx, byName["combobox:Cabin"].ID, "Business"))
	assert.Error(t, p.Select(ctx, byName["combobox:Cabin"].ID, "First"))
	require.NoError(t, p.Click(ctx, byName["button:Search"].ID))

	text, err := p.Text(ctx)
	require.NoError(t, err)
	assert.Contains(t, text, "Results")

	html, err := p.HTML(ctx)
	require.NoError(t, err)
	assert.NotContains(t, html, "data-mendstep-id")

	shot, err := p.Screenshot(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, shot)
	assert.NotEmpty(t, sess.Trace())

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
}
