package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/chartshot/pkg/session"
)

type sessionKey struct{}

// fakeServer answers initialize, ping, and emit. emit pushes a
// notifications/<kind> message (kind defaults to "message") onto the calling
// session before replying.
type fakeServer struct {
	mu           sync.Mutex
	registered   map[string]server.ClientSession
	unregistered []string
	methods      []string
}

func newFakeServer() *fakeServer {
	return &fakeServer{registered: make(map[string]server.ClientSession)}
}

func (f *fakeServer) RegisterSession(_ context.Context, s server.ClientSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[s.SessionID()] = s
	return nil
}

func (f *fakeServer) UnregisterSession(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, id)
	f.unregistered = append(f.unregistered, id)
}

func (f *fakeServer) WithContext(ctx context.Context, s server.ClientSession) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func (f *fakeServer) HandleMessage(ctx context.Context, raw json.RawMessage) mcp.JSONRPCMessage {
	var msg struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params struct {
			Kind string `json:"kind"`
		} `json:"params"`
	}
	_ = json.Unmarshal(raw, &msg)

	f.mu.Lock()
	f.methods = append(f.methods, msg.Method)
	f.mu.Unlock()

	sess, _ := ctx.Value(sessionKey{}).(server.ClientSession)
	switch msg.Method {
	case "initialize":
		sess.Initialize()
		return map[string]any{"jsonrpc": "2.0", "id": msg.ID, "result": map[string]any{"serverInfo": map[string]any{"name": "fake"}}}
	case "emit":
		kind := msg.Params.Kind
		if kind == "" {
			kind = "message"
		}
		n := mcp.JSONRPCNotification{JSONRPC: "2.0"}
		n.Method = "notifications/" + kind
		sess.NotificationChannel() <- n
		return map[string]any{"jsonrpc": "2.0", "id": msg.ID, "result": map[string]any{}}
	case "ping":
		return map[string]any{"jsonrpc": "2.0", "id": msg.ID, "result": map[string]any{}}
	default:
		return nil
	}
}

func (f *fakeServer) wasUnregistered(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.unregistered {
		if u == id {
			return true
		}
	}
	return false
}

type fixture struct {
	registry *session.Registry
	servers  []*fakeServer
	mu       sync.Mutex
	handler  http.Handler
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Unix(1000, 0)}
	f.registry = session.NewRegistry(session.RegistryConfig{
		TTL: 10 * time.Minute,
		Now: func() time.Time {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.now
		},
	})
	rt := NewRouter(Config{
		Registry: f.registry,
		NewServer: func() MCPServer {
			s := newFakeServer()
			f.mu.Lock()
			f.servers = append(f.servers, s)
			f.mu.Unlock()
			return s
		},
		KeepAlive: time.Hour,
	})
	r := chi.NewRouter()
	rt.Mount(r)
	f.handler = r
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) lastServer() *fakeServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.servers[len(f.servers)-1]
}

const (
	initBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`
	pingBody = `{"jsonrpc":"2.0","id":2,"method":"ping"}`
)

func (f *fixture) post(sid, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sid != "" {
		req.Header.Set(HeaderSessionID, sid)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeRPCError(t *testing.T, rec *httptest.ResponseRecorder) rpcErrorResponse {
	t.Helper()
	var resp rpcErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "null", string(resp.ID))
	return resp
}

func TestRouter_InitializeCreatesSession(t *testing.T) {
	f := newFixture(t)

	rec := f.post("", initBody)
	require.Equal(t, http.StatusOK, rec.Code)
	sid := rec.Header().Get(HeaderSessionID)
	require.NotEmpty(t, sid)
	assert.Contains(t, rec.Body.String(), `"fake"`)

	sess, ok := f.registry.Lookup(sid)
	require.True(t, ok)
	assert.Equal(t, session.KindStreamable, sess.Kind)

	srv := f.lastServer()
	srv.mu.Lock()
	registered := srv.registered[sid]
	srv.mu.Unlock()
	require.NotNil(t, registered)
	assert.True(t, registered.Initialized())
}

func TestRouter_KnownSessionIsTouched(t *testing.T) {
	f := newFixture(t)
	sid := f.post("", initBody).Header().Get(HeaderSessionID)

	f.advance(9 * time.Minute)
	rec := f.post(sid, pingBody)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":2,"result":{}}`, rec.Body.String())

	f.advance(9 * time.Minute)
	assert.Empty(t, f.registry.Reap(f.now, 10*time.Minute))
	assert.Equal(t, 2, len(f.lastServer().methods))
	assert.Len(t, f.servers, 1, "no new server for a known session")
}

func TestRouter_UnknownSessionIsNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.post("never-created", pingBody)
	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeRPCError(t, rec)
	assert.Equal(t, codeServerError, resp.Error.Code)
	assert.Equal(t, msgSessionNotFound, resp.Error.Message)
	assert.Empty(t, f.servers)
}

func TestRouter_MissingSessionIsBadRequest(t *testing.T) {
	f := newFixture(t)

	rec := f.post("", pingBody)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeRPCError(t, rec)
	assert.Equal(t, msgNoSession, resp.Error.Message)
}

func TestRouter_MalformedBody(t *testing.T) {
	f := newFixture(t)

	for _, body := range []string{"", "{", "[]", `"text"`, `[1,2]`} {
		rec := f.post("", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
		resp := decodeRPCError(t, rec)
		assert.Equal(t, codeParseError, resp.Error.Code, "body %q", body)
	}
	assert.Zero(t, f.registry.Count())
}

func TestRouter_StaleIDWithInitializeOpensNewSession(t *testing.T) {
	f := newFixture(t)

	rec := f.post("stale", initBody)
	require.Equal(t, http.StatusOK, rec.Code)
	sid := rec.Header().Get(HeaderSessionID)
	assert.NotEqual(t, "stale", sid)
	_, ok := f.registry.Lookup(sid)
	assert.True(t, ok)
}

func TestRouter_NotificationIsAccepted(t *testing.T) {
	f := newFixture(t)
	sid := f.post("", initBody).Header().Get(HeaderSessionID)

	rec := f.post(sid, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestRouter_Batch(t *testing.T) {
	f := newFixture(t)
	sid := f.post("", initBody).Header().Get(HeaderSessionID)

	rec := f.post(sid, `[{"jsonrpc":"2.0","method":"notifications/initialized"},{"jsonrpc":"2.0","id":7,"method":"ping"}]`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"jsonrpc":"2.0","id":7,"result":{}}]`, rec.Body.String())
}

func TestRouter_DeleteTerminatesSession(t *testing.T) {
	f := newFixture(t)
	sid := f.post("", initBody).Header().Get(HeaderSessionID)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(HeaderSessionID, sid)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Zero(t, f.registry.Count())
	assert.True(t, f.lastServer().wasUnregistered(sid))
	assert.Equal(t, http.StatusNotFound, f.post(sid, pingBody).Code)

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_GetAndDeleteRequireSession(t *testing.T) {
	f := newFixture(t)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, httptest.NewRequest(method, "/mcp", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, method)

		req := httptest.NewRequest(method, "/mcp", nil)
		req.Header.Set(HeaderSessionID, "ghost")
		rec = httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code, method)
	}
}

func TestRouter_ReapClosesServerSession(t *testing.T) {
	f := newFixture(t)
	sid := f.post("", initBody).Header().Get(HeaderSessionID)

	f.advance(11 * time.Minute)
	assert.Equal(t, []string{sid}, f.registry.Reap(f.now, 10*time.Minute))
	assert.True(t, f.lastServer().wasUnregistered(sid))
	assert.Equal(t, http.StatusNotFound, f.post(sid, pingBody).Code)
}

type sseEvent struct {
	name string
	data string
}

// readEvents parses SSE frames from body until it closes.
func readEvents(body *bufio.Reader) <-chan sseEvent {
	out := make(chan sseEvent, 16)
	go func() {
		defer close(out)
		var ev sseEvent
		for {
			line, err := body.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data += strings.TrimPrefix(line, "data: ")
			case line == "" && ev.name != "":
				out <- ev
				ev = sseEvent{}
			}
		}
	}()
	return out
}

func nextEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return sseEvent{}
	}
}

func openStream(t *testing.T, ctx context.Context, srvURL, path, sid string) (*http.Response, <-chan sseEvent) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srvURL+path, nil)
	require.NoError(t, err)
	if sid != "" {
		req.Header.Set(HeaderSessionID, sid)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp, readEvents(bufio.NewReader(resp.Body))
}

func TestRouter_StreamDeliversNotifications(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	sid := f.post("", initBody).Header().Get(HeaderSessionID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, events := openStream(t, ctx, ts.URL, "/mcp", sid)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	second, err := http.NewRequest(http.MethodGet, ts.URL+"/mcp", nil)
	require.NoError(t, err)
	second.Header.Set(HeaderSessionID, sid)
	conflict, err := http.DefaultClient.Do(second)
	require.NoError(t, err)
	conflict.Body.Close()
	assert.Equal(t, http.StatusConflict, conflict.StatusCode)

	rec := f.post(sid, `{"jsonrpc":"2.0","id":3,"method":"emit"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	ev := nextEvent(t, events)
	assert.Equal(t, "message", ev.name)
	assert.Contains(t, ev.data, `"notifications/message"`)
}

func TestRouter_StreamSkipsNotificationsQueuedBeforeAttach(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	sid := f.post("", initBody).Header().Get(HeaderSessionID)
	rec := f.post(sid, `{"jsonrpc":"2.0","id":3,"method":"emit","params":{"kind":"stale"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, events := openStream(t, ctx, ts.URL, "/mcp", sid)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rec = f.post(sid, `{"jsonrpc":"2.0","id":4,"method":"emit","params":{"kind":"fresh"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	ev := nextEvent(t, events)
	assert.Contains(t, ev.data, `"notifications/fresh"`)
	assert.NotContains(t, ev.data, "stale")
}

func TestRouter_LegacyEventStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	resp, events := openStream(t, ctx, ts.URL, "/sse", "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	endpoint := nextEvent(t, events)
	require.Equal(t, "endpoint", endpoint.name)
	require.True(t, strings.HasPrefix(endpoint.data, "/messages?sessionId="))
	sid := strings.TrimPrefix(endpoint.data, "/messages?sessionId=")

	sess, ok := f.registry.Lookup(sid)
	require.True(t, ok)
	assert.Equal(t, session.KindEventStream, sess.Kind)

	post, err := http.Post(ts.URL+endpoint.data, "application/json", strings.NewReader(initBody))
	require.NoError(t, err)
	post.Body.Close()
	require.Equal(t, http.StatusAccepted, post.StatusCode)

	msg := nextEvent(t, events)
	assert.Equal(t, "message", msg.name)
	assert.Contains(t, msg.data, `"fake"`)

	cancel()
	require.Eventually(t, func() bool { return f.registry.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.lastServer().wasUnregistered(sid))
}

func TestRouter_MessagesRejectsUnknownSession(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/messages?sessionId=ghost", strings.NewReader(pingBody)))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, msgSessionNotFound, decodeRPCError(t, rec).Error.Message)

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(pingBody)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	sid := f.post("", initBody).Header().Get(HeaderSessionID)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/messages?sessionId="+sid, strings.NewReader(pingBody)))
	assert.Equal(t, http.StatusNotFound, rec.Code, "streamable ids are not valid on the legacy endpoint")
}

func TestParseInbound(t *testing.T) {
	in, ok := parseInbound([]byte(`  {"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	require.True(t, ok)
	assert.False(t, in.batch)
	assert.True(t, in.isInitialize())

	in, ok = parseInbound([]byte(`[{"jsonrpc":"2.0","method":"notifications/initialized"}]`))
	require.True(t, ok)
	assert.True(t, in.batch)
	assert.False(t, in.isInitialize())
	assert.Len(t, in.messages, 1)
}

func TestFormatSSEEvent(t *testing.T) {
	assert.Equal(t, "event: message\ndata: a\ndata: b\n\n", formatSSEEvent("message", "a\nb"))
}
