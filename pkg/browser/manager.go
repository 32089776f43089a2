package browser

import (
	"context"
	"sync"
	"sync/atomic"
)

// Manager launches browsers through a Runtime and keeps track of the ones
// still open so shutdown can close stragglers.
type Manager struct {
	runtime  Runtime
	metrics  *Metrics
	mu       sync.Mutex
	browsers map[uint64]*trackedBrowser
	nextID   atomic.Uint64
	closed   bool
}

// NewManager creates a Manager backed by the provided runtime.
func NewManager(runtime Runtime, metrics *Metrics) *Manager {
	return &Manager{
		runtime:  runtime,
		metrics:  metrics,
		browsers: make(map[uint64]*trackedBrowser),
	}
}

// Launch starts a browser. Closing the returned Browser also removes it from
// the manager.
func (m *Manager) Launch(ctx context.Context) (Browser, error) {
	if m == nil || m.runtime == nil {
		return nil, ErrUnavailable
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.mu.Unlock()

	b, err := m.runtime.Launch(ctx)
	if err != nil {
		m.metrics.RecordLaunchFailed(err)
		return nil, err
	}

	id := m.nextID.Add(1)
	tb := &trackedBrowser{Browser: b, id: id, manager: m}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = b.Close()
		return nil, ErrClosed
	}
	m.browsers[id] = tb
	m.mu.Unlock()

	m.metrics.RecordLaunched(id)
	return tb, nil
}

// Active returns the number of browsers launched and not yet closed.
func (m *Manager) Active() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.browsers)
}

// Close closes every open browser and refuses further launches.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	m.closed = true
	open := make([]*trackedBrowser, 0, len(m.browsers))
	for _, b := range m.browsers {
		open = append(open, b)
	}
	m.mu.Unlock()

	var lastErr error
	for _, b := range open {
		if err := b.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (m *Manager) forget(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.browsers[id]; !ok {
		return false
	}
	delete(m.browsers, id)
	return true
}

type trackedBrowser struct {
	Browser
	id      uint64
	manager *Manager
	once    sync.Once
	err     error
}

func (b *trackedBrowser) Close() error {
	b.once.Do(func() {
		b.err = b.Browser.Close()
		if b.manager.forget(b.id) {
			b.manager.metrics.RecordClosed(b.id)
		}
	})
	return b.err
}
