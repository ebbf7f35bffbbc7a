package planner

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/arnavsurve/mendstep/pkg/types"
	"github.com/sergi/go-diff/diffmatchpatch"
)

const minSimilarity = 0.6

// synonyms groups control names that mean the same thing to a user.
var synonyms = [][]string{
	{"login", "log in", "sign in", "signin", "sign on", "log on"},
	{"logout", "log out", "sign out", "signout"},
	{"register", "sign up", "signup", "create account", "join"},
	{"search", "find", "go", "search flights", "look up"},
	{"submit", "send", "ok", "confirm", "save", "apply"},
	{"next", "continue", "proceed", "forward"},
	{"back", "previous", "return"},
	{"username", "user name", "email", "e-mail", "email address", "login", "user id"},
	{"password", "passcode", "pass phrase", "passphrase"},
	{"download", "export", "save as"},
	{"cancel", "close", "dismiss"},
}

// HeuristicRepairer fixes element-not-found failures without a model: it
// looks for a control of the same role in the failure's DOM snapshot whose
// name is a synonym of, or close to, the missing target, and rewrites the
// failing call to use it.
type HeuristicRepairer struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

func NewHeuristicRepairer() *HeuristicRepairer {
	return &HeuristicRepairer{dmp: diffmatchpatch.New()}
}

func (h *HeuristicRepairer) Repair(ctx context.Context, code string, failure types.FailureContext) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d := failure.Diagnostic
	if d == nil || d.Target == "" || d.Action == "" {
		return "", fmt.Errorf("%w: failure has no element diagnostic", ErrCannotRepair)
	}
	if failure.DOM == nil || failure.DOM.HTML == "" {
		return "", fmt.Errorf("%w: failure has no DOM snapshot", ErrCannotRepair)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(failure.DOM.HTML))
	if err != nil {
		return "", fmt.Errorf("parsing DOM snapshot: %w", err)
	}
	replacement, ok := h.bestMatch(d.Target, controlNames(doc, d.Action))
	if !ok {
		return "", fmt.Errorf("%w: no %s control resembles %q", ErrCannotRepair, d.Action, d.Target)
	}

	call := regexp.MustCompile(`page\.` + regexp.QuoteMeta(d.Action) + `\(\s*(?:` +
		regexp.QuoteMeta(luaQuote(d.Target)) + `|'` + regexp.QuoteMeta(d.Target) + `')`)
	if !call.MatchString(code) {
		return "", fmt.Errorf("%w: script has no page.%s call for %q", ErrCannotRepair, d.Action, d.Target)
	}
	patched := call.ReplaceAllLiteralString(code, "page."+d.Action+"("+luaQuote(replacement))
	header := fmt.Sprintf("-- repair: %s %s -> %s\n", d.Action, luaQuote(d.Target), luaQuote(replacement))
	return header + patched, nil
}

type scored struct {
	name  string
	score float64
}

func (h *HeuristicRepairer) bestMatch(target string, names []string) (string, bool) {
	var ranked []scored
	for _, name := range names {
		if strings.EqualFold(name, target) {
			// Present under the same name; renaming cannot help.
			continue
		}
		if s := h.similarity(target, name); s >= minSimilarity {
			ranked = append(ranked, scored{name, s})
		}
	}
	if len(ranked) == 0 {
		return "", false
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	return ranked[0].name, true
}

func (h *HeuristicRepairer) similarity(a, b string) float64 {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1
	}
	if areSynonyms(a, b) {
		return 0.95
	}
	longest := max(len(a), len(b))
	if longest == 0 {
		return 0
	}
	dist := h.dmp.DiffLevenshtein(h.dmp.DiffMain(a, b, false))
	s := 1 - float64(dist)/float64(longest)
	if strings.Contains(a, b) || strings.Contains(b, a) {
		s = max(s, 0.75)
	}
	return s
}

func areSynonyms(a, b string) bool {
	for _, group := range synonyms {
		var hasA, hasB bool
		for _, w := range group {
			hasA = hasA || w == a
			hasB = hasB || w == b
		}
		if hasA && hasB {
			return true
		}
	}
	return false
}

var controlSelectors = map[string]string{
	"click":    `button, input[type=submit], input[type=button], input[type=reset], a[href], [role=button], [role=link]`,
	"download": `a[href], button, [role=button], [role=link]`,
	"fill":     `input:not([type]), input[type=text], input[type=email], input[type=password], input[type=search], input[type=tel], input[type=url], input[type=number], textarea, [role=textbox], [role=searchbox]`,
	"select":   `select, [role=combobox], [role=listbox]`,
	"upload":   `input[type=file]`,
}

const anyTextSelector = `h1, h2, h3, h4, h5, h6, p, li, label, span, button, a, [role]`

// controlNames lists the names a visible control for action could be targeted by.
func controlNames(doc *goquery.Document, action string) []string {
	selector, ok := controlSelectors[action]
	if !ok {
		selector = anyTextSelector
	}
	labelsFor := map[string]string{}
	doc.Find("label[for]").Each(func(_ int, l *goquery.Selection) {
		labelsFor[l.AttrOr("for", "")] = clean(l.Text())
	})

	seen := map[string]bool{}
	var names []string
	add := func(n string) {
		if n = clean(n); n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	doc.Find("body").Find(selector).Each(func(_ int, sel *goquery.Selection) {
		if hidden(sel) {
			return
		}
		add(sel.AttrOr("aria-label", ""))
		add(sel.AttrOr("placeholder", ""))
		add(sel.AttrOr("value", ""))
		if id, ok := sel.Attr("id"); ok {
			add(labelsFor[id])
		}
		if wrap := sel.ParentsFiltered("label").First(); wrap.Length() > 0 {
			add(wrap.Text())
		}
		if goquery.NodeName(sel) != "select" {
			add(sel.Text())
		}
	})
	return names
}

func hidden(sel *goquery.Selection) bool {
	for s := sel; s.Length() > 0; s = s.Parent() {
		if _, ok := s.Attr("hidden"); ok || s.AttrOr("aria-hidden", "") == "true" {
			return true
		}
		if style := strings.ReplaceAll(strings.ToLower(s.AttrOr("style", "")), " ", ""); strings.Contains(style, "display:none") {
			return true
		}
		if s.AttrOr("type", "") == "hidden" {
			return true
		}
	}
	return false
}

func clean(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 80 {
		return ""
	}
	return s
}
