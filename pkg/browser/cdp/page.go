package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/arnavsurve/mendstep/pkg/browser"
	"github.com/chromedp/cdproto/accessibility"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
)

var idAttrRegex = regexp.MustCompile(` data-mendstep-id="[^"]*"`)

type page struct {
	s *session
}

func selector(id string) string {
	return fmt.Sprintf(`[data-mendstep-id=%q]`, id)
}

func (p *page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := p.s.bind(ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (p *page) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (p *page) URL() string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return ""
	}
	return loc
}

func (p *page) Elements(ctx context.Context) ([]browser.ElementInfo, error) {
	var infos []browser.ElementInfo
	if err := p.run(ctx, chromedp.Evaluate(elementsJS, &infos)); err != nil {
		return nil, fmt.Errorf("reading elements: %w", err)
	}
	return infos, nil
}

func (p *page) Click(ctx context.Context, id string) error {
	return p.run(ctx, chromedp.Click(selector(id), chromedp.ByQuery, chromedp.NodeVisible))
}

func (p *page) Fill(ctx context.Context, id, value string) error {
	sel := selector(id)
	return p.run(ctx,
		chromedp.Clear(sel, chromedp.ByQuery),
		chromedp.SendKeys(sel, value, chromedp.ByQuery),
	)
}

func (p *page) Select(ctx context.Context, id, value string) error {
	args, err := json.Marshal([]string{id, value})
	if err != nil {
		return err
	}
	var msg string
	expr := fmt.Sprintf("(%s)(...%s)", selectJS, args)
	if err := p.run(ctx, chromedp.Evaluate(expr, &msg)); err != nil {
		return err
	}
	if msg != "" {
		return fmt.Errorf("select %s: %s", id, msg)
	}
	return nil
}

func (p *page) Upload(ctx context.Context, id, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("upload file: %w", err)
	}
	return p.run(ctx, chromedp.SetUploadFiles(selector(id), []string{path}, chromedp.ByQuery))
}

func (p *page) Download(ctx context.Context, id string) (string, error) {
	// Drop completions left over from earlier downloads.
	for len(p.s.downloads) > 0 {
		<-p.s.downloads
	}
	if err := p.Click(ctx, id); err != nil {
		return "", err
	}
	select {
	case d := <-p.s.downloads:
		if d.state != cdpbrowser.DownloadProgressStateCompleted {
			return "", fmt.Errorf("download %s was cancelled", d.guid)
		}
		src := filepath.Join(p.s.downloadDir, d.guid)
		if d.name == "" {
			return src, nil
		}
		dest := filepath.Join(p.s.downloadDir, filepath.Base(d.name))
		if err := os.Rename(src, dest); err != nil {
			return "", fmt.Errorf("naming download: %w", err)
		}
		return dest, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *page) Text(ctx context.Context) (string, error) {
	var text string
	err := p.run(ctx, chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text))
	return text, err
}

func (p *page) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return idAttrRegex.ReplaceAllString(html, ""), nil
}

func (p *page) AccessibilityTree(ctx context.Context) (string, error) {
	var nodes []*accessibility.Node
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		nodes, err = accessibility.GetFullAXTree().Do(ctx)
		return err
	}))
	if err != nil {
		return "", fmt.Errorf("reading accessibility tree: %w", err)
	}
	data, err := json.Marshal(nodes)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (p *page) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	// Quality 100 captures PNG.
	if err := p.run(ctx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, err
	}
	return buf, nil
}
