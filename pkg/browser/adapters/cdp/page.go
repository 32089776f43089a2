package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/odvcencio/chartshot/pkg/browser"
)

// Page is one Chrome tab.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	url    string
	closed bool
	once   sync.Once
}

func emulate(cfg browser.ContextConfig) []chromedp.Action {
	var actions []chromedp.Action
	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		var opts []chromedp.EmulateViewportOption
		if cfg.Viewport.DeviceScaleFactor > 0 {
			opts = append(opts, chromedp.EmulateScale(cfg.Viewport.DeviceScaleFactor))
		}
		actions = append(actions, chromedp.EmulateViewport(int64(cfg.Viewport.Width), int64(cfg.Viewport.Height), opts...))
	}
	if cfg.Timezone != "" {
		actions = append(actions, emulation.SetTimezoneOverride(cfg.Timezone))
	}
	if cfg.Locale != "" {
		actions = append(actions, emulation.SetLocaleOverride().WithLocale(cfg.Locale))
	}
	return actions
}

// run executes actions on the tab, bounded by ctx's deadline and
// cancellation without tying the tab's lifetime to ctx.
func (p *Page) run(ctx context.Context, op, url string, actions ...chromedp.Action) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return browser.WrapOp(op, url, browser.ErrPageClosed)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return browser.WrapOp(op, url, err)
}

// DismissDialogs implements browser.Page.
func (p *Page) DismissDialogs(ctx context.Context) error {
	chromedp.ListenTarget(p.ctx, func(ev any) {
		if _, ok := ev.(*page.EventJavascriptDialogOpening); ok {
			go func() {
				_ = chromedp.Run(p.ctx, page.HandleJavaScriptDialog(false))
			}()
		}
	})
	return nil
}

// Navigate implements browser.Page. chromedp.Navigate returns after the
// frame's load event.
func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return p.run(ctx, "navigate", url, chromedp.Navigate(url))
}

// WaitVisible implements browser.Page.
func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	return p.run(ctx, "wait "+selector, p.currentURL(), chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// Evaluate implements browser.Page.
func (p *Page) Evaluate(ctx context.Context, script string, out any) error {
	var raw []byte
	awaitPromise := func(ep *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
		return ep.WithAwaitPromise(true)
	}
	if err := p.run(ctx, "evaluate", p.currentURL(), chromedp.Evaluate(script, &raw, awaitPromise)); err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return browser.WrapOp("evaluate", p.currentURL(), fmt.Errorf("decode result: %w", err))
	}
	return nil
}

// Screenshot implements browser.Page. The capture covers the viewport.
func (p *Page) Screenshot(ctx context.Context, opts browser.ScreenshotOptions) ([]byte, error) {
	var buf []byte
	capture := chromedp.ActionFunc(func(ctx context.Context) error {
		params := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng)
		if opts.Format == browser.ImageFormatJPEG {
			params = params.WithFormat(page.CaptureScreenshotFormatJpeg)
			if opts.Quality > 0 {
				params = params.WithQuality(int64(opts.Quality))
			}
		}
		var err error
		buf, err = params.Do(ctx)
		return err
	})
	if err := p.run(ctx, "screenshot", p.currentURL(), capture); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, browser.WrapOp("screenshot", p.currentURL(), browser.ErrEmptyCapture)
	}
	return buf, nil
}

// Close closes the tab. Safe to call more than once.
func (p *Page) Close() error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		err = chromedp.Cancel(p.ctx)
		p.cancel()
	})
	return err
}

func (p *Page) currentURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}
