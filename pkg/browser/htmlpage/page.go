package htmlpage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/arnavsurve/mendstep/pkg/browser"
)

type page struct {
	session *session

	mu    sync.Mutex
	url   string
	doc   *goquery.Document
	infos []browser.ElementInfo
	// values holds typed input per element id. The DOM is never mutated
	// with them, so markup snapshots do not carry what was typed.
	values map[string]string
}

func (p *page) Navigate(ctx context.Context, rawURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load(ctx, http.MethodGet, rawURL, nil)
}

func (p *page) load(ctx context.Context, method, rawURL string, form url.Values) error {
	body, err := p.session.fetch(ctx, method, rawURL, form)
	if err != nil {
		return err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("parsing %s: %w", rawURL, err)
	}
	tagElements(doc)
	p.doc = doc
	p.url = rawURL
	p.infos = nil
	p.values = map[string]string{}
	return nil
}

func (p *page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *page) Elements(ctx context.Context) ([]browser.ElementInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		return nil, nil
	}
	infos := p.elements()
	out := make([]browser.ElementInfo, len(infos))
	copy(out, infos)
	return out, nil
}

func (p *page) elements() []browser.ElementInfo {
	if p.infos == nil {
		p.infos = extract(p.doc)
	}
	return p.infos
}

// target looks up id and checks it can be acted on.
func (p *page) target(id string) (*goquery.Selection, browser.ElementInfo, error) {
	if p.doc == nil {
		return nil, browser.ElementInfo{}, fmt.Errorf("no page loaded")
	}
	info, ok := findInfo(p.elements(), id)
	if !ok {
		return nil, browser.ElementInfo{}, fmt.Errorf("element %s is no longer attached", id)
	}
	if !info.Actionable() {
		return nil, info, fmt.Errorf("element %s (%s %q) is not actionable", id, info.Role, info.Name)
	}
	return byID(p.doc, id), info, nil
}

func (p *page) Click(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sel, info, err := p.target(id)
	if err != nil {
		return err
	}

	if info.Dialog != "" && dismisses(sel) {
		dialog := byID(p.doc, info.Dialog)
		if goquery.NodeName(dialog) == "dialog" {
			dialog.RemoveAttr("open")
		} else {
			dialog.Remove()
		}
		p.infos = nil
		return nil
	}

	if href, ok := sel.Attr("href"); ok && info.Tag == "a" {
		return p.follow(ctx, href)
	}
	if href, ok := sel.Attr("data-href"); ok {
		return p.follow(ctx, href)
	}
	if isSubmit(info) {
		if form := sel.Closest("form"); form.Length() > 0 {
			return p.submit(ctx, form, sel)
		}
	}
	if info.Role == "checkbox" || info.Role == "radio" {
		if p.values[id] == "" {
			p.values[id] = sel.AttrOr("value", "on")
		} else if info.Role == "checkbox" {
			p.values[id] = ""
		}
	}
	return nil
}

func dismisses(sel *goquery.Selection) bool {
	if hasAttr(sel, "data-dismiss") || hasAttr(sel, "data-close") {
		return true
	}
	return strings.EqualFold(sel.Closest("form").AttrOr("method", ""), "dialog")
}

func isSubmit(info browser.ElementInfo) bool {
	switch info.Tag {
	case "button":
		return info.Type == "" || info.Type == "submit"
	case "input":
		return info.Type == "submit" || info.Type == "image"
	}
	return false
}

func (p *page) resolve(ref string) (string, error) {
	base, err := url.Parse(p.url)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid link %q: %w", ref, err)
	}
	return base.ResolveReference(u).String(), nil
}

func (p *page) follow(ctx context.Context, href string) error {
	if strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return nil
	}
	target, err := p.resolve(href)
	if err != nil {
		return err
	}
	return p.load(ctx, http.MethodGet, target, nil)
}

func (p *page) submit(ctx context.Context, form, submitter *goquery.Selection) error {
	action, err := p.resolve(form.AttrOr("action", ""))
	if err != nil {
		return err
	}
	method := strings.ToUpper(form.AttrOr("method", http.MethodGet))

	values := url.Values{}
	form.Find("input[name], select[name], textarea[name]").Each(func(_ int, field *goquery.Selection) {
		name, _ := field.Attr("name")
		id := field.AttrOr(idAttr, "")
		switch goquery.NodeName(field) {
		case "select":
			if v, ok := p.values[id]; ok {
				values.Add(name, v)
				return
			}
			opt := field.Find("option[selected]").First()
			if opt.Length() == 0 {
				opt = field.Find("option").First()
			}
			values.Add(name, opt.AttrOr("value", normalize(opt.Text())))
		case "textarea":
			if v, ok := p.values[id]; ok {
				values.Add(name, v)
			} else {
				values.Add(name, field.Text())
			}
		default:
			switch strings.ToLower(field.AttrOr("type", "")) {
			case "submit", "button", "reset", "image":
				return
			case "checkbox", "radio":
				if v := p.values[id]; v != "" {
					values.Add(name, v)
				} else if _, checked := field.Attr("checked"); checked && !p.touched(id) {
					values.Add(name, field.AttrOr("value", "on"))
				}
				return
			}
			if v, ok := p.values[id]; ok {
				values.Add(name, v)
			} else {
				values.Add(name, field.AttrOr("value", ""))
			}
		}
	})
	if name, ok := submitter.Attr("name"); ok {
		values.Add(name, submitter.AttrOr("value", ""))
	}

	if method == http.MethodPost {
		return p.load(ctx, http.MethodPost, action, values)
	}
	u, err := url.Parse(action)
	if err != nil {
		return err
	}
	u.RawQuery = values.Encode()
	return p.load(ctx, http.MethodGet, u.String(), nil)
}

func (p *page) touched(id string) bool {
	_, ok := p.values[id]
	return ok
}

func (p *page) Fill(ctx context.Context, id, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, info, err := p.target(id)
	if err != nil {
		return err
	}
	if info.Role != "textbox" && info.Role != "searchbox" && info.Role != "combobox" {
		return fmt.Errorf("element %s (%s %q) is not fillable", id, info.Role, info.Name)
	}
	p.values[id] = value
	return nil
}

func (p *page) Select(ctx context.Context, id, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sel, info, err := p.target(id)
	if err != nil {
		return err
	}
	if info.Tag != "select" {
		return fmt.Errorf("element %s (%s %q) is not a select", id, info.Role, info.Name)
	}
	var chosen string
	found := false
	sel.Find("option").EachWithBreak(func(_ int, opt *goquery.Selection) bool {
		text := normalize(opt.Text())
		v := opt.AttrOr("value", text)
		if v == value || strings.EqualFold(text, value) {
			chosen, found = v, true
			return false
		}
		return true
	})
	if !found {
		return fmt.Errorf("select %q has no option %q", info.Name, value)
	}
	p.values[id] = chosen
	return nil
}

func (p *page) Upload(ctx context.Context, id, filePath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, info, err := p.target(id)
	if err != nil {
		return err
	}
	if info.Role != "file" {
		return fmt.Errorf("element %s (%s %q) is not a file input", id, info.Role, info.Name)
	}
	if _, err := os.Stat(filePath); err != nil {
		return fmt.Errorf("upload file: %w", err)
	}
	p.values[id] = filepath.Base(filePath)
	return nil
}

func (p *page) Download(ctx context.Context, id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sel, info, err := p.target(id)
	if err != nil {
		return "", err
	}
	href := sel.AttrOr("href", sel.AttrOr("data-href", ""))
	if href == "" {
		return "", fmt.Errorf("element %s (%s %q) does not link to a download", id, info.Role, info.Name)
	}
	target, err := p.resolve(href)
	if err != nil {
		return "", err
	}
	body, err := p.session.fetch(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}

	dir := p.session.opts.DownloadDir
	if dir == "" {
		if dir, err = os.MkdirTemp("", "mendstep-downloads-"); err != nil {
			return "", err
		}
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := sel.AttrOr("download", "")
	if name == "" {
		u, _ := url.Parse(target)
		name = path.Base(u.Path)
	}
	if name == "" || name == "/" || name == "." {
		name = "download"
	}
	dest := filepath.Join(dir, filepath.Base(name))
	if err := os.WriteFile(dest, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("saving download: %w", err)
	}
	return dest, nil
}

func (p *page) Text(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		return "", nil
	}
	hidden := map[string]bool{}
	for _, info := range p.elements() {
		if !info.Visible {
			hidden[info.ID] = true
		}
	}
	var b strings.Builder
	visibleText(p.doc.Selection, hidden, &b)
	return normalize(b.String()), nil
}

func visibleText(sel *goquery.Selection, hidden map[string]bool, b *strings.Builder) {
	sel.Contents().Each(func(_ int, c *goquery.Selection) {
		switch goquery.NodeName(c) {
		case "#text":
			b.WriteString(c.Text())
			b.WriteByte(' ')
		case "#comment":
		default:
			if !hidden[c.AttrOr(idAttr, "")] {
				visibleText(c, hidden, b)
			}
		}
	})
}

// HTML returns the current markup without the engine's element ids.
func (p *page) HTML(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		return "", nil
	}
	raw, err := p.doc.Html()
	if err != nil {
		return "", err
	}
	clean, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return "", err
	}
	clean.Find("[" + idAttr + "]").RemoveAttr(idAttr)
	return clean.Html()
}

func (p *page) AccessibilityTree(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		return "", nil
	}
	return accessibilityTree(p.elements())
}

// Screenshot has no pixels to capture; it returns a blank frame so artifact
// bundles keep the same shape across engines.
func (p *page) Screenshot(ctx context.Context) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
