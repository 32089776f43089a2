package ipc

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/odvcencio/chartshot/pkg/logging"
	"github.com/odvcencio/chartshot/pkg/transport"
)

const (
	corsAllowMethods = "GET, POST, DELETE, OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization, " + transport.HeaderSessionID
)

// originRule is one parsed allowed origin. A rule without a port on a
// loopback host matches any port, so local dev servers work unconfigured.
type originRule struct {
	scheme  string
	host    string
	port    string
	anyPort bool
}

// originPolicy is the compiled form of Config.AllowedOrigins.
type originPolicy struct {
	wildcard bool
	rules    []originRule
}

func newOriginPolicy(origins []string) originPolicy {
	var p originPolicy
	for _, raw := range origins {
		raw = strings.TrimSpace(raw)
		switch {
		case raw == "":
			continue
		case raw == "*":
			p.wildcard = true
			continue
		}
		scheme, host, port, explicit, ok := parseOrigin(raw)
		if !ok {
			continue
		}
		p.rules = append(p.rules, originRule{
			scheme:  scheme,
			host:    host,
			port:    port,
			anyPort: !explicit && isLoopbackHost(host),
		})
	}
	return p
}

// match reports whether origin is allowed, and whether only the wildcard let
// it through. Wildcard matches never carry credentials.
func (p originPolicy) match(origin string) (allowed, viaWildcard bool) {
	scheme, host, port, _, ok := parseOrigin(origin)
	if !ok {
		return false, false
	}
	for _, r := range p.rules {
		if r.scheme != scheme || !strings.EqualFold(r.host, host) {
			continue
		}
		if r.anyPort || r.port == port {
			return true, false
		}
	}
	return p.wildcard, p.wildcard
}

// parseOrigin splits scheme://host[:port], filling in the scheme's default
// port. explicit reports whether the port was written out.
func parseOrigin(origin string) (scheme, host, port string, explicit, ok bool) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", "", false, false
	}
	scheme = strings.ToLower(u.Scheme)
	host = u.Hostname()
	port = u.Port()
	explicit = port != ""
	if !explicit {
		port = "80"
		if scheme == "https" {
			port = "443"
		}
	}
	return scheme, host, port, explicit, host != ""
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// corsMiddleware answers preflights and sets CORS headers from the origin
// policy. Mcp-Session-Id is exposed so browser MCP clients can read it.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if origin := r.Header.Get("Origin"); origin != "" {
			if allowed, viaWildcard := s.origins.match(origin); allowed {
				h.Set("Access-Control-Allow-Origin", origin)
				if !viaWildcard {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
				h.Add("Vary", "Origin")
			}
		} else if s.origins.wildcard {
			h.Set("Access-Control-Allow-Origin", "*")
		}
		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		h.Set("Access-Control-Allow-Methods", corsAllowMethods)
		h.Set("Access-Control-Expose-Headers", transport.HeaderSessionID)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// requestLogMiddleware logs each request at debug level and 5xx responses
// at warn. Long-lived streams are logged when they end.
func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		details := map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}
		if sid := r.Header.Get(transport.HeaderSessionID); sid != "" {
			details["session_id"] = sid
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.logger.Warn(logging.CategoryServer, "http.request", "request failed", details)
			return
		}
		s.logger.Debug(logging.CategoryServer, "http.request", "request served", details)
	})
}

// isWebSocketOriginAllowed accepts same-host and policy-allowed origins, and
// non-browser clients that send no Origin at all.
func (s *Server) isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && u.Host != "" && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	allowed, _ := s.origins.match(origin)
	return allowed
}
