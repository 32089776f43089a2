package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer is the part of *server.MCPServer a transport session drives.
type MCPServer interface {
	HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage
	RegisterSession(ctx context.Context, session server.ClientSession) error
	UnregisterSession(ctx context.Context, sessionID string)
	WithContext(ctx context.Context, session server.ClientSession) context.Context
}

// ServerFactory builds a fresh MCP server for each new session.
type ServerFactory func() MCPServer

const notificationBuffer = 64

// conn is the state shared by both session kinds. It is the mcp-go
// ClientSession for its server and the registry Handle for its session.
type conn struct {
	srv MCPServer

	notifications chan mcp.JSONRPCNotification
	initialized   atomic.Bool

	// ctx is cancelled when the session closes so in-flight tool calls stop.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	id        string
	closed    bool
	observers []func()
}

func newConn(srv MCPServer) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		srv:           srv,
		notifications: make(chan mcp.JSONRPCNotification, notificationBuffer),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// bind assigns the registry id and registers the session with its server.
func (c *conn) bind(ctx context.Context, id string) error {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
	return c.srv.RegisterSession(ctx, c)
}

func (c *conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *conn) Initialize() { c.initialized.Store(true) }

func (c *conn) Initialized() bool { return c.initialized.Load() }

func (c *conn) NotificationChannel() chan<- mcp.JSONRPCNotification { return c.notifications }

// Close ends the session. It is safe to call more than once; observers run
// exactly once, after the server forgot the session.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	id := c.id
	observers := c.observers
	c.observers = nil
	c.mu.Unlock()

	c.cancel()
	if id != "" {
		c.srv.UnregisterSession(context.Background(), id)
	}
	for _, fn := range observers {
		fn()
	}
	return nil
}

func (c *conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) OnClose(fn func()) {
	c.mu.Lock()
	if !c.closed {
		c.observers = append(c.observers, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

func (c *conn) done() <-chan struct{} { return c.ctx.Done() }

// discardPending empties the notification queue without blocking.
func (c *conn) discardPending() {
	for {
		select {
		case <-c.notifications:
		default:
			return
		}
	}
}

// handle feeds every message through the session's server and collects the
// responses. Notifications produce none.
func (c *conn) handle(ctx context.Context, in *inbound) []mcp.JSONRPCMessage {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()
	defer cancel()

	ctx = c.srv.WithContext(ctx, c)
	var responses []mcp.JSONRPCMessage
	for _, msg := range in.messages {
		if resp := c.srv.HandleMessage(ctx, msg); resp != nil {
			responses = append(responses, resp)
		}
	}
	return responses
}

// streamable is a session opened over the streamable HTTP endpoint. At most
// one GET stream may be attached at a time.
type streamable struct {
	*conn

	streamMu  sync.Mutex
	streaming bool
}

func newStreamable(srv MCPServer) *streamable {
	return &streamable{conn: newConn(srv)}
}

// attachStream claims the session's stream. Notifications queued while no
// stream was attached are discarded so the new stream starts fresh.
func (s *streamable) attachStream() bool {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.streaming {
		return false
	}
	s.streaming = true
	s.discardPending()
	return true
}

func (s *streamable) detachStream() {
	s.streamMu.Lock()
	s.streaming = false
	s.streamMu.Unlock()
}

// eventStream is a legacy SSE session. Responses to posted messages travel
// back over the stream, so they queue next to notifications.
type eventStream struct {
	*conn
	outbound chan []byte
}

func newEventStream(srv MCPServer) *eventStream {
	return &eventStream{conn: newConn(srv), outbound: make(chan []byte, notificationBuffer)}
}

// enqueue schedules msg for delivery on the stream. It blocks while the
// queue is full and gives up when the session or ctx ends.
func (s *eventStream) enqueue(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case s.outbound <- data:
		return nil
	case <-s.done():
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}
