package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/chartshot/pkg/logging"
	"github.com/odvcencio/chartshot/pkg/telemetry"
)

// Kind identifies the transport a session speaks.
type Kind string

const (
	KindStreamable  Kind = "streamable"
	KindEventStream Kind = "event-stream"
)

// ErrDuplicateID is returned by Insert when the id is already registered.
var ErrDuplicateID = errors.New("session id already registered")

// Handle is the transport side of a session. The registry owns the handle
// once it is registered and subscribes to its closure instead of the handle
// calling back into the registry.
//
//go:generate mockgen -package=session -destination=mock_handle_test.go github.com/odvcencio/chartshot/pkg/session Handle
type Handle interface {
	Close() error
	Closed() bool
	// OnClose registers fn to run once when the handle closes for any reason.
	// If the handle is already closed fn runs immediately.
	OnClose(fn func())
}

// Session is a snapshot of one registry entry.
type Session struct {
	ID           string
	Kind         Kind
	Handle       Handle
	CreatedAt    time.Time
	LastActivity time.Time
}

type entry struct {
	kind         Kind
	handle       Handle
	createdAt    time.Time
	lastActivity time.Time
}

// RegistryConfig configures the session registry.
type RegistryConfig struct {
	TTL          time.Duration
	ReapInterval time.Duration
	Now          func() time.Time
	NewID        func() string
	Logger       *logging.Logger
	Hub          telemetry.Publisher
}

// DefaultRegistryConfig returns a 10 minute TTL reaped every minute.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		TTL:          10 * time.Minute,
		ReapInterval: time.Minute,
		Now:          time.Now,
		NewID:        uuid.NewString,
	}
}

// Registry maps session ids to live transport handles.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry

	ttl          time.Duration
	reapInterval time.Duration
	now          func() time.Time
	newID        func() string
	logger       *logging.Logger
	hub          telemetry.Publisher

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewRegistry creates a registry. Zero fields in cfg take their defaults.
func NewRegistry(cfg RegistryConfig) *Registry {
	defaults := DefaultRegistryConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaults.ReapInterval
	}
	if cfg.Now == nil {
		cfg.Now = defaults.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = defaults.NewID
	}
	return &Registry{
		sessions:     make(map[string]*entry),
		ttl:          cfg.TTL,
		reapInterval: cfg.ReapInterval,
		now:          cfg.Now,
		newID:        cfg.NewID,
		logger:       cfg.Logger,
		hub:          cfg.Hub,
		stopChan:     make(chan struct{}),
	}
}

// TTL returns the idle timeout applied by the reap loop.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// maxIDAttempts bounds how many generated ids Create tries before giving up.
const maxIDAttempts = 16

// Create registers h under a freshly generated id. It panics if the id
// generator returns a taken id maxIDAttempts times in a row.
func (r *Registry) Create(h Handle, kind Kind) string {
	for range maxIDAttempts {
		id := r.newID()
		if err := r.Insert(id, h, kind); err == nil {
			return id
		}
	}
	panic(fmt.Sprintf("session: id generator returned %d taken ids in a row", maxIDAttempts))
}

// Insert registers h under an id chosen by the transport.
func (r *Registry) Insert(id string, h Handle, kind Kind) error {
	now := r.now()
	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return ErrDuplicateID
	}
	e := &entry{kind: kind, handle: h, createdAt: now, lastActivity: now}
	r.sessions[id] = e
	r.mu.Unlock()

	h.OnClose(func() { r.handleClosed(id, e) })

	r.logger.WithSession(id).Info(logging.CategorySession, "session.created", "session created", map[string]any{"kind": string(kind)})
	r.publish(telemetry.EventSessionCreated, id, map[string]any{"kind": string(kind)})
	return nil
}

// Touch records activity on id. Unknown ids are ignored.
func (r *Registry) Touch(id string) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		e.lastActivity = now
	}
}

// Lookup returns the session for id. An entry whose handle already closed
// is dropped and reported as absent.
func (r *Registry) Lookup(id string) (Session, bool) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok && e.handle.Closed() {
		delete(r.sessions, id)
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return Session{}, false
	}
	return Session{
		ID:           id,
		Kind:         e.kind,
		Handle:       e.handle,
		CreatedAt:    e.createdAt,
		LastActivity: e.lastActivity,
	}, true
}

// Remove drops id and closes its handle if it is still open. Removing an
// unknown id is a no-op. It reports whether an entry was removed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	if !e.handle.Closed() {
		if err := e.handle.Close(); err != nil {
			r.logger.WithSession(id).Warn(logging.CategorySession, "session.close_failed", err.Error(), nil)
		}
	}
	r.logger.WithSession(id).Info(logging.CategorySession, "session.closed", "session removed", map[string]any{"kind": string(e.kind)})
	r.publish(telemetry.EventSessionClosed, id, map[string]any{"kind": string(e.kind)})
	return true
}

// handleClosed is the observer callback installed on every handle.
func (r *Registry) handleClosed(id string, e *entry) {
	r.mu.Lock()
	current, ok := r.sessions[id]
	if ok && current == e {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if ok && current == e {
		r.logger.WithSession(id).Info(logging.CategorySession, "session.closed", "transport closed", map[string]any{"kind": string(e.kind)})
		r.publish(telemetry.EventSessionClosed, id, map[string]any{"kind": string(e.kind), "reason": "transport"})
	}
}

// Reap removes and closes every session idle for longer than ttl at now.
// Close failures are logged and swallowed. It returns the reaped ids.
func (r *Registry) Reap(now time.Time, ttl time.Duration) []string {
	type expired struct {
		id   string
		e    *entry
		idle time.Duration
	}

	r.mu.Lock()
	var victims []expired
	for id, e := range r.sessions {
		if idle := now.Sub(e.lastActivity); idle > ttl {
			victims = append(victims, expired{id: id, e: e, idle: idle})
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(victims))
	for _, v := range victims {
		ids = append(ids, v.id)
		if !v.e.handle.Closed() {
			if err := v.e.handle.Close(); err != nil {
				r.logger.WithSession(v.id).Warn(logging.CategorySession, "session.close_failed", err.Error(), nil)
			}
		}
		r.logger.WithSession(v.id).Info(logging.CategorySession, "session.reaped", "reaped stale session", map[string]any{
			"kind":         string(v.e.kind),
			"idle_seconds": int(v.idle.Seconds()),
		})
		r.publish(telemetry.EventSessionReaped, v.id, map[string]any{
			"kind":         string(v.e.kind),
			"idle_seconds": int(v.idle.Seconds()),
		})
	}
	return ids
}

// Run reaps on every interval until ctx is done or Stop is called.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopChan:
			return nil
		case <-ticker.C:
			r.Reap(r.now(), r.ttl)
		}
	}
}

// Stop ends the reap loop and closes every session. Close failures are
// logged and never abort the teardown.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })

	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Remove(id)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CountByKind returns live sessions grouped by kind.
func (r *Registry) CountByKind() map[Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Kind]int, 2)
	for _, e := range r.sessions {
		out[e.kind]++
	}
	return out
}

func (r *Registry) publish(eventType telemetry.EventType, id string, data map[string]any) {
	if r.hub == nil {
		return
	}
	r.hub.Publish(telemetry.Event{Type: eventType, SessionID: id, Data: data})
}
