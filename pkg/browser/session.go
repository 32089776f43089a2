package browser

import "context"

// Runtime launches rendering surfaces.
type Runtime interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is one launched browser process.
type Browser interface {
	NewContext(ctx context.Context, cfg ContextConfig) (Context, error)
	Close() error
}

// Context is an isolated browsing context with its own cookies and storage.
type Context interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is the port implemented by browser runtime adapters.
type Page interface {
	// DismissDialogs installs a handler that dismisses every native dialog
	// the page opens from now on.
	DismissDialogs(ctx context.Context) error
	// Navigate loads url and returns once the load event fired.
	Navigate(ctx context.Context, url string) error
	// WaitVisible blocks until selector matches a visible element or ctx ends.
	WaitVisible(ctx context.Context, selector string) error
	// Evaluate runs script in the page and decodes its JSON result into out.
	// Promises are awaited. out may be nil.
	Evaluate(ctx context.Context, script string, out any) error
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	Close() error
}
