// Package testsite serves a small travel site as htmlpage fixtures. Variants
// reproduce the failure modes the engine has to cope with.
package testsite

import (
	"fmt"

	"github.com/arnavsurve/mendstep/pkg/types"
)

const BaseURL = "https://travel.example.test"

// Password is the fixture credential; tests assert it never leaks.
const Password = "hunter2-s3cret"

type Variant int

const (
	// Stable is the correctly labelled site.
	Stable Variant = iota
	// Drifted renames the login button from "Login" to "Sign in".
	Drifted
	// Modal shows a cookie dialog over the login form.
	Modal
	// Broken replaces the login page with a maintenance notice.
	Broken
)

const loginTmpl = `<!doctype html>
<html><head><title>Sign in</title></head>
<body>
%s
<main>
  <h1>Welcome back</h1>
  <form method="post" action="/search">
    <label for="user">Username</label>
    <input id="user" name="username" type="text">
    <label>Password <input name="password" type="password"></label>
    <button type="submit" data-testid="login-submit">%s</button>
  </form>
</main>
</body></html>`

const cookieDialog = `<div role="dialog" aria-modal="true" aria-label="Cookie notice">
  <p>We use cookies to improve your trip.</p>
  <button data-dismiss>Got it</button>
</div>`

const searchPage = `<!doctype html>
<html><head><title>Search</title></head>
<body>
<form method="get" action="/results">
  <label for="dest">Destination</label>
  <input id="dest" name="destination" placeholder="City or airport">
  <label for="cabin">Cabin</label>
  <select id="cabin" name="cabin">
    <option value="y">Economy</option>
    <option value="j">Business</option>
  </select>
  <button>Search</button>
</form>
</body></html>`

const resultsPage = `<!doctype html>
<html><head><title>Results</title></head>
<body>
<h1>Results</h1>
<ul><li>YUL 08:15</li><li>YUL 13:40</li></ul>
<a href="/itinerary.pdf" download="itinerary.pdf">Download itinerary</a>
</body></html>`

const maintenancePage = `<!doctype html>
<html><body><h1>Down for maintenance</h1><p>Please try again later.</p></body></html>`

// Pages returns the fixture map for a variant.
func Pages(v Variant) map[string]string {
	pages := map[string]string{
		BaseURL + "/search":        searchPage,
		BaseURL + "/results":       resultsPage,
		BaseURL + "/itinerary.pdf": "%PDF-1.4 itinerary",
	}
	switch v {
	case Drifted:
		pages[BaseURL+"/login"] = login("", "Sign in")
	case Modal:
		pages[BaseURL+"/login"] = login(cookieDialog, "Login")
	case Broken:
		pages[BaseURL+"/login"] = maintenancePage
	default:
		pages[BaseURL+"/login"] = login("", "Login")
	}
	return pages
}

func login(banner, button string) string {
	return fmt.Sprintf(loginTmpl, banner, button)
}

// Spec is the travel search workflow run against the site.
func Spec() types.WorkflowSpec {
	return types.WorkflowSpec{
		WorkflowID: "travel-search",
		URL:        BaseURL + "/login",
		Steps: []types.Step{
			{Action: types.Navigate{URL: BaseURL + "/login"}},
			{Action: types.Login{}},
			{Action: types.Fill{Target: "Destination", Value: "Montreal"}},
			{Action: types.Click{Target: "Search"}},
			{Action: types.AssertText{Text: "Results"}},
		},
		Credentials: map[string]string{"username": "grace", "password": Password},
		Browser:     types.BrowserConfig{Engine: "htmlpage", Headless: true},
	}
}
