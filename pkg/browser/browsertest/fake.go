// Package browsertest provides an in-memory browser.Runtime for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/odvcencio/chartshot/pkg/browser"
)

// PNG is a minimal payload returned by the default screenshot hook.
var PNG = []byte("\x89PNG\r\n\x1a\nfake")

// Runtime is a scriptable fake. Hooks receive the URL the page last
// navigated to; nil hooks succeed.
type Runtime struct {
	LaunchErr     error
	NewPageErr    error
	OnNavigate    func(url string) error
	OnWaitVisible func(url, selector string) error
	OnEvaluate    func(url, script string) (any, error)
	// OnScreenshot receives the 1-based call count for url.
	OnScreenshot func(url string, call int, opts browser.ScreenshotOptions) ([]byte, error)

	mu          sync.Mutex
	browsers    []*Browser
	pages       []*Page
	shots       map[string]int
	evalScripts []string
}

// Launch implements browser.Runtime.
func (r *Runtime) Launch(ctx context.Context) (browser.Browser, error) {
	if r.LaunchErr != nil {
		return nil, r.LaunchErr
	}
	b := &Browser{rt: r}
	r.mu.Lock()
	r.browsers = append(r.browsers, b)
	r.mu.Unlock()
	return b, nil
}

// Pages returns every page opened so far, in order.
func (r *Runtime) Pages() []*Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Page(nil), r.pages...)
}

// Scripts returns every script passed to Evaluate, in order.
func (r *Runtime) Scripts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.evalScripts...)
}

// AllReleased reports whether every browser, context and page was closed.
func (r *Runtime) AllReleased() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.browsers {
		if !b.closed {
			return false
		}
		for _, c := range b.contexts {
			if !c.closed {
				return false
			}
		}
	}
	for _, p := range r.pages {
		if !p.closed {
			return false
		}
	}
	return true
}

// Browser is a fake browser.Browser.
type Browser struct {
	rt       *Runtime
	contexts []*Context
	closed   bool
}

func (b *Browser) NewContext(ctx context.Context, cfg browser.ContextConfig) (browser.Context, error) {
	c := &Context{rt: b.rt, Config: cfg}
	b.rt.mu.Lock()
	b.contexts = append(b.contexts, c)
	b.rt.mu.Unlock()
	return c, nil
}

func (b *Browser) Close() error {
	b.rt.mu.Lock()
	b.closed = true
	b.rt.mu.Unlock()
	return nil
}

// Context is a fake browser.Context.
type Context struct {
	rt     *Runtime
	Config browser.ContextConfig
	closed bool
}

func (c *Context) NewPage(ctx context.Context) (browser.Page, error) {
	if c.rt.NewPageErr != nil {
		return nil, c.rt.NewPageErr
	}
	p := &Page{rt: c.rt}
	c.rt.mu.Lock()
	c.rt.pages = append(c.rt.pages, p)
	c.rt.mu.Unlock()
	return p, nil
}

func (c *Context) Close() error {
	c.rt.mu.Lock()
	c.closed = true
	c.rt.mu.Unlock()
	return nil
}

// Page is a fake browser.Page.
type Page struct {
	rt            *Runtime
	URL           string
	DialogHandler bool
	closed        bool
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.rt.mu.Lock()
	defer p.rt.mu.Unlock()
	return p.closed
}

func (p *Page) DismissDialogs(ctx context.Context) error {
	p.DialogHandler = true
	return nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.URL = url
	if p.rt.OnNavigate != nil {
		return p.rt.OnNavigate(url)
	}
	return nil
}

func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	if p.rt.OnWaitVisible != nil {
		return p.rt.OnWaitVisible(p.URL, selector)
	}
	return nil
}

func (p *Page) Evaluate(ctx context.Context, script string, out any) error {
	p.rt.mu.Lock()
	p.rt.evalScripts = append(p.rt.evalScripts, script)
	p.rt.mu.Unlock()

	var result any
	if p.rt.OnEvaluate != nil {
		v, err := p.rt.OnEvaluate(p.URL, script)
		if err != nil {
			return err
		}
		result = v
	}
	if out == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (p *Page) Screenshot(ctx context.Context, opts browser.ScreenshotOptions) ([]byte, error) {
	p.rt.mu.Lock()
	if p.rt.shots == nil {
		p.rt.shots = make(map[string]int)
	}
	p.rt.shots[p.URL]++
	call := p.rt.shots[p.URL]
	p.rt.mu.Unlock()

	if p.rt.OnScreenshot != nil {
		return p.rt.OnScreenshot(p.URL, call, opts)
	}
	return append([]byte(nil), PNG...), nil
}

func (p *Page) Close() error {
	p.rt.mu.Lock()
	p.closed = true
	p.rt.mu.Unlock()
	return nil
}
