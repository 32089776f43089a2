package transport

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odvcencio/chartshot/pkg/logging"
	"github.com/odvcencio/chartshot/pkg/session"
)

const (
	defaultKeepAlive    = 30 * time.Second
	defaultMaxBodyBytes = 1 << 20
	defaultMessagesPath = "/messages"
)

// Config wires a Router.
type Config struct {
	Registry  *session.Registry
	NewServer ServerFactory
	Logger    *logging.Logger

	// KeepAlive is the interval between comment frames on open streams.
	KeepAlive    time.Duration
	MaxBodyBytes int64
	// MessagesPath is advertised in the legacy endpoint event.
	MessagesPath string
	// NewID generates legacy stream ids.
	NewID func() string
}

// Router dispatches MCP traffic to per-session servers.
type Router struct {
	registry     *session.Registry
	newServer    ServerFactory
	logger       *logging.Logger
	keepAlive    time.Duration
	maxBody      int64
	messagesPath string
	newID        func() string
}

// NewRouter creates a router. Registry and NewServer are required.
func NewRouter(cfg Config) *Router {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.MessagesPath == "" {
		cfg.MessagesPath = defaultMessagesPath
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Router{
		registry:     cfg.Registry,
		newServer:    cfg.NewServer,
		logger:       cfg.Logger,
		keepAlive:    cfg.KeepAlive,
		maxBody:      cfg.MaxBodyBytes,
		messagesPath: cfg.MessagesPath,
		newID:        cfg.NewID,
	}
}

// Mount registers the streamable endpoint on /mcp and the legacy pair on
// /sse and the messages path.
func (rt *Router) Mount(r chi.Router) {
	r.Post("/mcp", rt.handlePost)
	r.Get("/mcp", rt.handleStream)
	r.Delete("/mcp", rt.handleDelete)
	r.Get("/sse", rt.handleEventStream)
	r.Post(rt.messagesPath, rt.handleMessages)
}

func (rt *Router) handlePost(w http.ResponseWriter, r *http.Request) {
	in, status := rt.readInbound(w, r)
	if in == nil {
		if status == http.StatusRequestEntityTooLarge {
			writeRPCError(w, status, codeInvalidRequest, "Request body too large")
			return
		}
		writeRPCError(w, http.StatusBadRequest, codeParseError, msgParseError)
		return
	}

	sid := r.Header.Get(HeaderSessionID)
	if sid != "" {
		if h, ok := rt.lookupStreamable(sid); ok {
			rt.registry.Touch(sid)
			rt.reply(w, r, h, in)
			return
		}
		if !in.isInitialize() {
			rt.rejectStale(w, sid, "/mcp")
			return
		}
	}

	if !in.isInitialize() {
		writeRPCError(w, http.StatusBadRequest, codeServerError, msgNoSession)
		return
	}

	h := newStreamable(rt.newServer())
	id := rt.registry.Create(h, session.KindStreamable)
	if err := h.bind(r.Context(), id); err != nil {
		rt.registry.Remove(id)
		rt.logger.WithSession(id).Error(logging.CategoryTransport, "session.register_failed", err.Error(), nil)
		writeRPCError(w, http.StatusInternalServerError, codeServerError, "Internal error")
		return
	}
	w.Header().Set(HeaderSessionID, id)
	rt.reply(w, r, h, in)
}

func (rt *Router) reply(w http.ResponseWriter, r *http.Request, h *streamable, in *inbound) {
	responses := h.handle(r.Context(), in)
	switch {
	case len(responses) == 0:
		w.WriteHeader(http.StatusAccepted)
	case in.batch:
		writeJSON(w, http.StatusOK, responses)
	default:
		writeJSON(w, http.StatusOK, responses[0])
	}
}

// handleStream attaches a server-to-client stream to a streamable session.
func (rt *Router) handleStream(w http.ResponseWriter, r *http.Request) {
	h, sid, ok := rt.requireStreamable(w, r)
	if !ok {
		return
	}
	rt.registry.Touch(sid)
	if !h.attachStream() {
		writeRPCError(w, http.StatusConflict, codeServerError, "Conflict: stream already open for session")
		return
	}
	defer h.detachStream()

	sw, ok := newSSEWriter(w)
	if !ok {
		writeRPCError(w, http.StatusInternalServerError, codeServerError, "Streaming unsupported")
		return
	}
	log := rt.logger.WithSession(sid)
	log.Debug(logging.CategoryTransport, "stream.opened", "streamable stream attached", nil)
	if err := pump(r.Context(), sw, h.conn, nil, rt.keepAlive); err != nil {
		log.Debug(logging.CategoryTransport, "stream.write_failed", err.Error(), nil)
	}
	log.Debug(logging.CategoryTransport, "stream.closed", "streamable stream detached", nil)
}

func (rt *Router) handleDelete(w http.ResponseWriter, r *http.Request) {
	_, sid, ok := rt.requireStreamable(w, r)
	if !ok {
		return
	}
	rt.registry.Remove(sid)
	w.WriteHeader(http.StatusOK)
}

// handleEventStream opens a legacy SSE session. The session lives exactly
// as long as this request.
func (rt *Router) handleEventStream(w http.ResponseWriter, r *http.Request) {
	h := newEventStream(rt.newServer())
	var id string
	for {
		id = rt.newID()
		if err := rt.registry.Insert(id, h, session.KindEventStream); err == nil {
			break
		}
	}
	defer h.Close()

	if err := h.bind(r.Context(), id); err != nil {
		rt.logger.WithSession(id).Error(logging.CategoryTransport, "session.register_failed", err.Error(), nil)
		writeRPCError(w, http.StatusInternalServerError, codeServerError, "Internal error")
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		writeRPCError(w, http.StatusInternalServerError, codeServerError, "Streaming unsupported")
		return
	}
	endpoint := rt.messagesPath + "?sessionId=" + url.QueryEscape(id)
	if err := sw.event("endpoint", []byte(endpoint)); err != nil {
		return
	}
	if err := pump(r.Context(), sw, h.conn, h.outbound, rt.keepAlive); err != nil {
		rt.logger.WithSession(id).Debug(logging.CategoryTransport, "stream.write_failed", err.Error(), nil)
	}
}

// handleMessages accepts a message for a legacy session. The reply goes out
// on the session's stream, so the POST itself only acknowledges.
func (rt *Router) handleMessages(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sessionId")
	if sid == "" {
		writeRPCError(w, http.StatusBadRequest, codeServerError, msgNoSession)
		return
	}
	sess, ok := rt.registry.Lookup(sid)
	h, isStream := sess.Handle.(*eventStream)
	if !ok || !isStream {
		rt.rejectStale(w, sid, rt.messagesPath)
		return
	}
	rt.registry.Touch(sid)

	in, status := rt.readInbound(w, r)
	if in == nil {
		if status == http.StatusRequestEntityTooLarge {
			writeRPCError(w, status, codeInvalidRequest, "Request body too large")
			return
		}
		writeRPCError(w, http.StatusBadRequest, codeParseError, msgParseError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Accepted")

	go func() {
		ctx := h.ctx
		for _, resp := range h.handle(ctx, in) {
			if err := h.enqueue(ctx, resp); err != nil {
				rt.logger.WithSession(sid).Debug(logging.CategoryTransport, "message.dropped", err.Error(), nil)
				return
			}
		}
	}()
}

func (rt *Router) readInbound(w http.ResponseWriter, r *http.Request) (*inbound, int) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, rt.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge
		}
		return nil, http.StatusBadRequest
	}
	in, ok := parseInbound(body)
	if !ok {
		return nil, http.StatusBadRequest
	}
	return in, http.StatusOK
}

func (rt *Router) lookupStreamable(sid string) (*streamable, bool) {
	sess, ok := rt.registry.Lookup(sid)
	if !ok {
		return nil, false
	}
	h, ok := sess.Handle.(*streamable)
	return h, ok
}

// requireStreamable resolves the header session for GET and DELETE.
func (rt *Router) requireStreamable(w http.ResponseWriter, r *http.Request) (*streamable, string, bool) {
	sid := r.Header.Get(HeaderSessionID)
	if sid == "" {
		writeRPCError(w, http.StatusBadRequest, codeServerError, msgNoSession)
		return nil, "", false
	}
	h, ok := rt.lookupStreamable(sid)
	if !ok {
		rt.rejectStale(w, sid, "/mcp")
		return nil, "", false
	}
	return h, sid, true
}

func (rt *Router) rejectStale(w http.ResponseWriter, sid, path string) {
	rt.logger.WithSession(sid).Warn(logging.CategoryTransport, "session.rejected", "rejected stale session", map[string]any{"path": path})
	writeRPCError(w, http.StatusNotFound, codeServerError, msgSessionNotFound)
}
