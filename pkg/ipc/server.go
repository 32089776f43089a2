// Package ipc hosts the HTTP surface: MCP transports, the REST capture API,
// screenshots, capture history, metrics and the telemetry websocket.
package ipc

import (
	"context"
	stdliberrors "errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/odvcencio/chartshot/pkg/artifact"
	apperrors "github.com/odvcencio/chartshot/pkg/errors"
	"github.com/odvcencio/chartshot/pkg/logging"
	"github.com/odvcencio/chartshot/pkg/session"
	"github.com/odvcencio/chartshot/pkg/storage"
	"github.com/odvcencio/chartshot/pkg/telemetry"
	"github.com/odvcencio/chartshot/pkg/tools"
	"github.com/odvcencio/chartshot/pkg/transport"
)

// Config controls the HTTP server behavior.
type Config struct {
	BindAddress    string
	AllowedOrigins []string
	// BaseURL prefixes screenshot links returned by the REST API. When empty
	// the scheme and host of each request are used.
	BaseURL string
	Version string
	// CaptureRate limits REST capture requests per second; 0 disables.
	CaptureRate     float64
	CaptureBurst    int
	MaxEventClients int
}

// HistoryReader serves the capture history endpoints.
type HistoryReader interface {
	ListCaptures(ctx context.Context, limit int) ([]storage.CaptureRun, error)
	GetCapture(ctx context.Context, runID string) (*storage.CaptureRun, error)
}

// Deps are the components the server routes to. Tools is required; the
// rest are optional and disable their endpoints when nil.
type Deps struct {
	Tools     *tools.Service
	Registry  *session.Registry
	Transport *transport.Router
	Artifacts *artifact.Store
	History   HistoryReader
	Telemetry *telemetry.Hub
	Logger    *logging.Logger
}

// Server hosts the MCP transports and the JSON/HTTP + WebSocket API.
type Server struct {
	cfg            Config
	tools          *tools.Service
	registry       *session.Registry
	transport      *transport.Router
	artifacts      *artifact.Store
	history        HistoryReader
	telemetry      *telemetry.Hub
	logger         *logging.Logger
	origins        originPolicy
	hub            *Hub
	metrics        *serverMetrics
	eventSlots     *semaphore.Weighted
	captureLimiter *rate.Limiter
	httpServer     *http.Server

	routerOnce sync.Once
	router     http.Handler
}

// NewServer constructs a server.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "0.0.0.0:3001"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.MaxEventClients <= 0 {
		cfg.MaxEventClients = defaultMaxEventClients
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	s := &Server{
		cfg:        cfg,
		tools:      deps.Tools,
		registry:   deps.Registry,
		transport:  deps.Transport,
		artifacts:  deps.Artifacts,
		history:    deps.History,
		telemetry:  deps.Telemetry,
		logger:     deps.Logger,
		origins:    newOriginPolicy(cfg.AllowedOrigins),
		hub:        NewHub(),
		metrics:    newServerMetrics(),
		eventSlots: semaphore.NewWeighted(int64(cfg.MaxEventClients)),
	}
	if cfg.CaptureRate > 0 {
		burst := cfg.CaptureBurst
		if burst <= 0 {
			burst = 1
		}
		s.captureLimiter = rate.NewLimiter(rate.Limit(cfg.CaptureRate), burst)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	s.routerOnce.Do(func() {
		s.router = s.buildRouter()
	})
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(s.requestLogMiddleware)
	router.Use(s.corsMiddleware)
	router.Use(s.securityHeadersMiddleware)

	if s.transport != nil {
		s.transport.Mount(router)
	}

	router.Post("/capture-charts", s.handleCaptureCharts)
	router.Get("/config", s.handleConfig)
	router.Get("/screenshots/{name}", s.handleScreenshot)
	router.Route("/captures", func(r chi.Router) {
		r.Get("/", s.handleListCaptures)
		r.Get("/{runID}", s.handleGetCapture)
	})
	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", s.handleMetrics)
	router.Get("/ws/events", s.handleEvents)
	router.Get("/openapi.json", s.handleOpenAPI)
	router.Get("/", s.handleRoot)

	return router
}

// Start runs the HTTP server until the context is cancelled, then shuts it
// down with a five second deadline.
func (s *Server) Start(ctx context.Context) error {
	if s.tools == nil {
		return fmt.Errorf("ipc: tools service is required")
	}

	// Serve HTTP/2 cleartext alongside HTTP/1.1.
	h2s := &http2.Server{}
	s.httpServer = &http.Server{
		Addr:              s.cfg.BindAddress,
		Handler:           h2c.NewHandler(s.Handler(), h2s),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	if s.telemetry != nil {
		ch, cancel := s.telemetry.Subscribe()
		go func() {
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-ch:
					if !ok {
						return
					}
					s.observeTelemetry(event)
				}
			}
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info(logging.CategoryServer, "server.listening", "serving on "+s.cfg.BindAddress, map[string]any{
			"bind":     s.cfg.BindAddress,
			"base_url": s.cfg.BaseURL,
		})
		if err := s.httpServer.ListenAndServe(); err != nil && !stdliberrors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

func (s *Server) observeTelemetry(event telemetry.Event) {
	s.metrics.observe(event)
	s.hub.Broadcast(eventFromTelemetry(event))
}

type captureRequest struct {
	Timeframes []string `json:"timeframes"`
}

func (s *Server) handleCaptureCharts(w http.ResponseWriter, r *http.Request) {
	if s.captureLimiter != nil && !s.captureLimiter.Allow() {
		respondError(w, http.StatusTooManyRequests,
			apperrors.New(apperrors.ErrCodeRateLimited, "capture rate limit exceeded").WithRetryable(true))
		return
	}

	var req captureRequest
	if status, err := decodeOptionalJSON(w, r, &req, maxCaptureBody); err != nil {
		respondError(w, status, err)
		return
	}

	base := s.cfg.BaseURL
	if base == "" {
		base = requestBaseURL(r)
	}
	// A disconnecting client does not abort a capture already underway.
	report, err := s.tools.Capture(context.WithoutCancel(r.Context()), tools.CaptureInput{
		Timeframes: req.Timeframes,
		Links:      true,
		BaseURL:    base,
		Source:     "rest",
	})
	if err != nil {
		s.logger.Error(logging.CategoryServer, "rest.capture_failed", err.Error(), map[string]any{
			"timeframes": req.Timeframes,
		})
		respondError(w, captureErrorStatus(err), err)
		return
	}
	respondJSON(w, report)
}

func captureErrorStatus(err error) int {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeNavigationFailure:
		return http.StatusBadGateway
	case apperrors.ErrCodeBrowserLaunch:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.tools.Config())
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil {
		respondError(w, http.StatusNotFound, apperrors.New(apperrors.ErrCodeArtifactNotFound, "Image not found"))
		return
	}
	path, info, err := s.artifacts.Resolve(chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		respondError(w, http.StatusNotFound, apperrors.Wrap(err, apperrors.ErrCodeArtifactNotFound, "Image not found"))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", artifact.ContentType(path))
	w.Header().Set("Cache-Control", screenshotCacheControl)
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) handleListCaptures(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusServiceUnavailable, stdliberrors.New("capture history is disabled"))
		return
	}
	limit := queryInt(r, "limit", 20)
	runs, err := s.history.ListCaptures(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []storage.CaptureRun{}
	}
	respondJSON(w, map[string]any{"captures": runs})
}

func (s *Server) handleGetCapture(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusServiceUnavailable, stdliberrors.New("capture history is disabled"))
		return
	}
	run, err := s.history.GetCapture(r.Context(), chi.URLParam(r, "runID"))
	if stdliberrors.Is(err, storage.ErrRunNotFound) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, run)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sessions := 0
	if s.registry != nil {
		sessions = s.registry.Count()
	}
	respondJSON(w, map[string]any{
		"status":        "ok",
		"time":          time.Now().UTC().Format(time.RFC3339),
		"sessions":      sessions,
		"event_clients": s.hub.Clients(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{
		"name":    tools.ServerName,
		"version": s.cfg.Version,
		"mcp":     "/mcp",
		"sse":     "/sse",
		"openapi": "/openapi.json",
	})
}

// handleEvents streams telemetry events over a websocket. The optional
// types query parameter filters by comma separated type prefixes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.isWebSocketOriginAllowed(r) {
		respondError(w, http.StatusForbidden, stdliberrors.New("origin not allowed"))
		return
	}
	if !s.eventSlots.TryAcquire(1) {
		respondError(w, http.StatusTooManyRequests,
			apperrors.New(apperrors.ErrCodeRateLimited, "too many event stream clients").
				WithContext("max", s.cfg.MaxEventClients).WithRetryable(true))
		return
	}
	defer s.eventSlots.Release(1)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn(logging.CategoryServer, "events.accept_failed", err.Error(), nil)
		return
	}
	conn.SetReadLimit(maxWSReadBytesEventStream)

	client := s.hub.register(conn, typeFilter(r.URL.Query().Get("types")))
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	startWSPing(ctx, conn, wsPingInterval, cancel)

	go func() {
		defer cancel()
		client.readLoop(ctx)
	}()

	go func() {
		if err := client.writeLoop(ctx); err != nil && ctx.Err() == nil {
			s.logger.Debug(logging.CategoryServer, "events.write_failed", err.Error(), nil)
		}
		cancel()
	}()

	<-ctx.Done()
	s.hub.removeClient(client)
	client.close(websocket.StatusNormalClosure, "shutdown")
}
