package htmlpage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/arnavsurve/mendstep/pkg/browser"
)

// idAttr tags every element with the id handed out in ElementInfo.
const idAttr = "data-mendstep-id"

const maxTextLen = 300

var hiddenTags = map[string]bool{
	"head": true, "script": true, "style": true, "template": true, "noscript": true, "meta": true, "link": true, "title": true,
}

var headingTags = map[string]bool{"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true}

// tagElements assigns ids in document order.
func tagElements(doc *goquery.Document) {
	doc.Find("*").Each(func(i int, sel *goquery.Selection) {
		sel.SetAttr(idAttr, fmt.Sprintf("e%d", i+1))
	})
}

// extract computes the resolver's view of every element.
func extract(doc *goquery.Document) []browser.ElementInfo {
	idText := map[string]string{}
	labelsFor := map[string][]string{}
	doc.Find("[id]").Each(func(_ int, sel *goquery.Selection) {
		id, _ := sel.Attr("id")
		idText[id] = normalize(sel.Text())
	})
	doc.Find("label[for]").Each(func(_ int, sel *goquery.Selection) {
		target, _ := sel.Attr("for")
		labelsFor[target] = append(labelsFor[target], normalize(sel.Text()))
	})

	type scope struct {
		visible, disabled bool
		dialog            string
	}
	scopes := map[string]scope{}

	var infos []browser.ElementInfo
	doc.Find("*").Each(func(_ int, sel *goquery.Selection) {
		tag := goquery.NodeName(sel)
		id := sel.AttrOr(idAttr, "")
		parent := sel.Parent().AttrOr(idAttr, "")

		ps, ok := scopes[parent]
		if !ok {
			ps = scope{visible: true}
		}

		info := browser.ElementInfo{
			ID:          id,
			Tag:         tag,
			Type:        strings.ToLower(sel.AttrOr("type", "")),
			Parent:      parent,
			Placeholder: normalize(sel.AttrOr("placeholder", "")),
			TestID:      testID(sel),
		}
		info.Role = role(sel, tag, info.Type)
		info.Labels = labels(sel, labelsFor)
		info.Name = accessibleName(sel, tag, info, idText)
		info.Text = truncate(normalize(sel.Text()), maxTextLen)

		s := scope{
			visible:  ps.visible && !selfHidden(sel, tag, info.Type),
			disabled: ps.disabled || (tag == "fieldset" && hasAttr(sel, "disabled")),
			dialog:   ps.dialog,
		}
		info.Visible = s.visible
		info.Enabled = !s.disabled && !hasAttr(sel, "disabled") && sel.AttrOr("aria-disabled", "") != "true"
		info.Dialog = ps.dialog
		if info.IsDialog() {
			s.dialog = id
		}
		scopes[id] = s
		infos = append(infos, info)
	})

	markInert(doc, infos)
	return infos
}

// markInert makes everything outside an open modal dialog non-actionable.
func markInert(doc *goquery.Document, infos []browser.ElementInfo) {
	modal := ""
	for _, info := range infos {
		if info.IsDialog() && info.Visible {
			sel := byID(doc, info.ID)
			if sel.AttrOr("aria-modal", "") == "true" || hasAttr(sel, "data-modal") {
				modal = info.ID
				break
			}
		}
	}
	if modal == "" {
		return
	}
	for i := range infos {
		if infos[i].ID != modal && !withinDialog(infos, infos[i], modal) {
			infos[i].Inert = true
		}
	}
}

func withinDialog(infos []browser.ElementInfo, info browser.ElementInfo, dialog string) bool {
	if info.Dialog == dialog {
		return true
	}
	// Nested dialogs inside the modal keep the modal reachable through Parent.
	for info.Parent != "" {
		if info.Parent == dialog {
			return true
		}
		next, ok := findInfo(infos, info.Parent)
		if !ok {
			return false
		}
		info = next
	}
	return false
}

func findInfo(infos []browser.ElementInfo, id string) (browser.ElementInfo, bool) {
	for _, info := range infos {
		if info.ID == id {
			return info, true
		}
	}
	return browser.ElementInfo{}, false
}

func byID(doc *goquery.Document, id string) *goquery.Selection {
	return doc.Find(fmt.Sprintf("[%s=%q]", idAttr, id))
}

func role(sel *goquery.Selection, tag, typ string) string {
	if explicit := strings.Fields(sel.AttrOr("role", "")); len(explicit) > 0 {
		return explicit[0]
	}
	switch tag {
	case "button":
		return "button"
	case "a":
		if hasAttr(sel, "href") {
			return "link"
		}
	case "input":
		switch typ {
		case "submit", "button", "reset", "image":
			return "button"
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "file":
			return "file"
		case "hidden":
			return ""
		default:
			return "textbox"
		}
	case "textarea":
		return "textbox"
	case "select":
		if hasAttr(sel, "multiple") || sel.AttrOr("size", "1") != "1" {
			return "listbox"
		}
		return "combobox"
	case "option":
		return "option"
	case "dialog":
		return "dialog"
	case "img":
		return "img"
	case "form":
		return "form"
	case "nav":
		return "navigation"
	case "main":
		return "main"
	case "ul", "ol":
		return "list"
	case "li":
		return "listitem"
	case "table":
		return "table"
	}
	if headingTags[tag] {
		return "heading"
	}
	return ""
}

func labels(sel *goquery.Selection, labelsFor map[string][]string) []string {
	var out []string
	if id, ok := sel.Attr("id"); ok {
		out = append(out, labelsFor[id]...)
	}
	if wrap := sel.ParentsFiltered("label").First(); wrap.Length() > 0 {
		out = append(out, normalize(wrap.Text()))
	}
	return out
}

func accessibleName(sel *goquery.Selection, tag string, info browser.ElementInfo, idText map[string]string) string {
	if v := normalize(sel.AttrOr("aria-label", "")); v != "" {
		return v
	}
	if ref := sel.AttrOr("aria-labelledby", ""); ref != "" {
		var parts []string
		for _, id := range strings.Fields(ref) {
			if t := idText[id]; t != "" {
				parts = append(parts, t)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	switch {
	case tag == "input" && (info.Type == "submit" || info.Type == "button" || info.Type == "reset"):
		if v := normalize(sel.AttrOr("value", "")); v != "" {
			return v
		}
		if info.Type == "submit" {
			return "Submit"
		}
	case tag == "input" || tag == "textarea" || tag == "select":
		if len(info.Labels) > 0 {
			return info.Labels[0]
		}
		if info.Placeholder != "" {
			return info.Placeholder
		}
	case tag == "img":
		return normalize(sel.AttrOr("alt", ""))
	case info.Role == "button" || info.Role == "link" || info.Role == "heading" ||
		info.Role == "option" || info.Role == "menuitem" || info.Role == "tab":
		return truncate(normalize(sel.Text()), maxTextLen)
	}
	return normalize(sel.AttrOr("title", ""))
}

func selfHidden(sel *goquery.Selection, tag, typ string) bool {
	if hiddenTags[tag] || hasAttr(sel, "hidden") || sel.AttrOr("aria-hidden", "") == "true" {
		return true
	}
	if tag == "input" && typ == "hidden" {
		return true
	}
	if tag == "dialog" && !hasAttr(sel, "open") {
		return true
	}
	style := strings.ReplaceAll(strings.ToLower(sel.AttrOr("style", "")), " ", "")
	return strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden")
}

func testID(sel *goquery.Selection) string {
	for _, attr := range []string{"data-testid", "data-test", "data-qa"} {
		if v, ok := sel.Attr(attr); ok {
			return v
		}
	}
	return ""
}

func hasAttr(sel *goquery.Selection, name string) bool {
	_, ok := sel.Attr(name)
	return ok
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

type axNode struct {
	Role     string    `json:"role"`
	Name     string    `json:"name,omitempty"`
	Disabled bool      `json:"disabled,omitempty"`
	Children []*axNode `json:"children,omitempty"`
}

// accessibilityTree nests every visible element that has a role under its
// nearest ancestor that also has one.
func accessibilityTree(infos []browser.ElementInfo) (string, error) {
	root := &axNode{Role: "document"}
	owner := map[string]*axNode{}

	for _, info := range infos {
		parent, ok := owner[info.Parent]
		if !ok {
			parent = root
		}
		if !info.Visible || info.Role == "" {
			owner[info.ID] = parent
			continue
		}
		n := &axNode{Role: info.Role, Name: info.Name, Disabled: !info.Enabled}
		parent.Children = append(parent.Children, n)
		owner[info.ID] = n
	}

	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding accessibility tree: %w", err)
	}
	return string(data), nil
}
