// Package cdp implements browser.Runtime on top of Chrome via chromedp.
package cdp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/odvcencio/chartshot/pkg/browser"
)

// Runtime is a Chrome-backed browser runtime implementation.
type Runtime struct {
	cfg Config
}

// NewRuntime creates a Chrome runtime adapter.
func NewRuntime(cfg Config) (*Runtime, error) {
	merged := cfg.withDefaults()
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &Runtime{cfg: merged}, nil
}

func (r *Runtime) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.NoSandbox)
	if !r.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if r.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(r.cfg.ExecPath))
	}
	for name, value := range r.cfg.Flags {
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

// Launch starts a fresh Chrome process with its own temporary profile. The
// browser lives until Close, independent of ctx; ctx only bounds startup.
func (r *Runtime) Launch(ctx context.Context) (browser.Browser, error) {
	if r == nil {
		return nil, browser.ErrUnavailable
	}
	if ctx == nil {
		ctx = context.Background()
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), r.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	startCtx, startCancel := context.WithTimeout(ctx, r.cfg.LaunchTimeout)
	defer startCancel()
	stop := context.AfterFunc(startCtx, browserCancel)

	// The first Run allocates the process and must use the browser context
	// itself, not a derived context with a deadline.
	err := chromedp.Run(browserCtx)
	if !stop() || err != nil {
		browserCancel()
		allocCancel()
		if err == nil {
			err = startCtx.Err()
		}
		return nil, browser.WrapOp("launch", "", fmt.Errorf("%w: %w", browser.ErrUnavailable, err))
	}

	return &Browser{
		ctx:          browserCtx,
		cancel:       browserCancel,
		allocCancel:  allocCancel,
		closeTimeout: r.cfg.CloseTimeout,
	}, nil
}

// Browser is one Chrome process.
type Browser struct {
	ctx          context.Context
	cancel       context.CancelFunc
	allocCancel  context.CancelFunc
	closeTimeout time.Duration

	mu       sync.Mutex
	contexts []*Context
	closed   bool
	once     sync.Once
	closeErr error
}

// NewContext returns an isolated context. Each Chrome process carries a
// throwaway profile, so isolation is per process; the context applies
// viewport, locale and timezone emulation to every page it opens.
func (b *Browser) NewContext(ctx context.Context, cfg browser.ContextConfig) (browser.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, browser.ErrClosed
	}
	c := &Context{browser: b, cfg: cfg}
	b.contexts = append(b.contexts, c)
	return c, nil
}

// Close closes all pages and terminates Chrome.
func (b *Browser) Close() error {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		contexts := b.contexts
		b.contexts = nil
		b.mu.Unlock()

		for _, c := range contexts {
			_ = c.Close()
		}

		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(b.ctx) }()
		select {
		case b.closeErr = <-done:
		case <-time.After(b.closeTimeout):
			b.closeErr = browser.WrapOp("close", "", browser.ErrTimeout)
		}
		b.cancel()
		b.allocCancel()
	})
	return b.closeErr
}

// Context groups pages sharing emulation settings.
type Context struct {
	browser *Browser
	cfg     browser.ContextConfig

	mu     sync.Mutex
	pages  []*Page
	closed bool
}

// NewPage opens a new tab with the context's emulation applied.
func (c *Context) NewPage(ctx context.Context) (browser.Page, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, browser.ErrClosed
	}
	c.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(c.browser.ctx)
	stop := context.AfterFunc(ctx, tabCancel)
	err := chromedp.Run(tabCtx)
	if !stop() || err != nil {
		tabCancel()
		if err == nil {
			err = ctx.Err()
		}
		return nil, browser.WrapOp("open", "", err)
	}

	p := &Page{ctx: tabCtx, cancel: tabCancel}
	if err := p.run(ctx, "emulate", "", emulate(c.cfg)...); err != nil {
		tabCancel()
		return nil, err
	}

	c.mu.Lock()
	c.pages = append(c.pages, p)
	c.mu.Unlock()
	return p, nil
}

// Close closes any page still open in the context.
func (c *Context) Close() error {
	c.mu.Lock()
	c.closed = true
	pages := c.pages
	c.pages = nil
	c.mu.Unlock()

	var lastErr error
	for _, p := range pages {
		if err := p.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
