// Package cdp drives a real Chromium over the DevTools protocol with chromedp.
package cdp

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/arnavsurve/mendstep/pkg/browser"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

const Name = "chromedp"

func init() {
	browser.Register(Name, func() (browser.Engine, error) {
		return New(os.Getenv("MENDSTEP_CHROME_PATH")), nil
	})
}

type Engine struct {
	execPath string
}

// New returns an engine that launches execPath, or the first Chrome found on
// the PATH when execPath is empty.
func New(execPath string) *Engine {
	return &Engine{execPath: execPath}
}

func (e *Engine) Name() string { return Name }

func (e *Engine) NewSession(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", opts.Headless))
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.Proxy != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.Proxy))
	}
	if opts.Locale != "" {
		allocOpts = append(allocOpts, chromedp.Flag("lang", opts.Locale))
	}
	if opts.SessionDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.SessionDir))
	}
	if e.execPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(e.execPath))
	}

	// The browser outlives the ctx of this call; Close tears it down.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &session{
		tabCtx:    tabCtx,
		cancel:    func() { tabCancel(); allocCancel() },
		opts:      opts,
		downloads: make(chan download, 4),
	}
	s.page = &page{s: s}

	downloadDir := opts.DownloadDir
	if downloadDir == "" {
		dir, err := os.MkdirTemp("", "mendstep-downloads-")
		if err != nil {
			s.Close()
			return nil, err
		}
		downloadDir = dir
		s.tempDir = dir
	} else if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		s.Close()
		return nil, err
	}
	s.downloadDir = downloadDir

	s.listen()

	setup := []chromedp.Action{
		cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(downloadDir).
			WithEventsEnabled(true),
	}
	if opts.RecordNetwork {
		setup = append(setup, network.Enable())
	}
	if opts.Locale != "" {
		setup = append(setup, emulation.SetLocaleOverride().WithLocale(opts.Locale))
	}

	runCtx, cancel := s.bind(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, setup...); err != nil {
		s.Close()
		return nil, fmt.Errorf("starting chrome: %w", err)
	}
	return s, nil
}

type download struct {
	guid  string
	name  string
	state cdpbrowser.DownloadProgressState
}

type session struct {
	tabCtx      context.Context
	cancel      func()
	opts        browser.LaunchOptions
	page        *page
	downloadDir string
	// tempDir is removed on Close; set only when the session made it.
	tempDir   string
	downloads chan download

	mu        sync.Mutex
	trace     []browser.TraceEvent
	suggested map[string]string
	closeOnce sync.Once
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
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		if s.tempDir != "" {
			if rmErr := os.RemoveAll(s.tempDir); rmErr != nil {
				err = fmt.Errorf("removing download directory: %w", rmErr)
			}
		}
	})
	return err
}

// bind derives a context that carries the tab and is cancelled with ctx.
func (s *session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(s.tabCtx)
	stop := context.AfterFunc(ctx, cancel)
	if deadline, ok := ctx.Deadline(); ok {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithDeadline(runCtx, deadline)
		return runCtx, func() { stop(); cancelTimeout(); cancel() }
	}
	return runCtx, func() { stop(); cancel() }
}

func (s *session) listen() {
	if s.opts.RecordNetwork {
		chromedp.ListenTarget(s.tabCtx, func(ev any) {
			switch e := ev.(type) {
			case *network.EventRequestWillBeSent:
				s.record(browser.TraceEvent{Method: e.Request.Method, URL: e.Request.URL, Type: string(e.Type)})
			case *network.EventResponseReceived:
				s.record(browser.TraceEvent{Method: "RESPONSE", URL: e.Response.URL, Status: int(e.Response.Status), Type: string(e.Type)})
			}
		})
	}
	chromedp.ListenBrowser(s.tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *cdpbrowser.EventDownloadWillBegin:
			s.mu.Lock()
			if s.suggested == nil {
				s.suggested = map[string]string{}
			}
			s.suggested[e.GUID] = e.SuggestedFilename
			s.mu.Unlock()
		case *cdpbrowser.EventDownloadProgress:
			if e.State == cdpbrowser.DownloadProgressStateCompleted || e.State == cdpbrowser.DownloadProgressStateCanceled {
				s.mu.Lock()
				name := s.suggested[e.GUID]
				s.mu.Unlock()
				select {
				case s.downloads <- download{guid: e.GUID, name: name, state: e.State}:
				default:
				}
			}
		}
	})
}

func (s *session) record(ev browser.TraceEvent) {
	ev.Time = time.Now().UTC()
	s.mu.Lock()
	s.trace = append(s.trace, ev)
	s.mu.Unlock()
}
