package ipc

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/chartshot/pkg/telemetry"
)

const metricsNamespace = "chartshot"

// serverMetrics is fed from telemetry events. Each server owns its registry.
type serverMetrics struct {
	registry *prometheus.Registry

	sessionsActive  prometheus.Gauge
	sessionsCreated *prometheus.CounterVec
	sessionsReaped  prometheus.Counter
	captureRuns     *prometheus.CounterVec
	captureAttempts *prometheus.CounterVec
	captureDuration prometheus.Histogram
	artifactsSwept  prometheus.Counter
	eventClients    prometheus.Gauge
	browsersActive  prometheus.Gauge
	browserLaunches *prometheus.CounterVec
}

func newServerMetrics() *serverMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &serverMetrics{
		registry: reg,
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Number of live MCP sessions.",
		}),
		sessionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_created_total",
			Help:      "MCP sessions created, by transport kind.",
		}, []string{"kind"}),
		sessionsReaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_reaped_total",
			Help:      "MCP sessions removed for inactivity.",
		}),
		captureRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "capture_runs_total",
			Help:      "Capture pipeline runs, by outcome.",
		}, []string{"outcome"}),
		captureAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "capture_attempts_total",
			Help:      "Timeframe attempts reaching a terminal state, by status.",
		}, []string{"status"}),
		captureDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "capture_run_duration_seconds",
			Help:      "Wall time of capture pipeline runs.",
			Buckets:   []float64{1, 5, 10, 20, 30, 60, 120, 300},
		}),
		artifactsSwept: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "artifacts_swept_total",
			Help:      "Screenshots deleted by the sweeper.",
		}),
		eventClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "event_clients",
			Help:      "Connected /ws/events clients.",
		}),
		browsersActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "browsers_active",
			Help:      "Headless browsers currently open.",
		}),
		browserLaunches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "browser_launches_total",
			Help:      "Browser launch attempts, by outcome.",
		}, []string{"outcome"}),
	}
}

// observe updates counters from one telemetry event.
func (m *serverMetrics) observe(ev telemetry.Event) {
	switch ev.Type {
	case telemetry.EventSessionCreated:
		m.sessionsCreated.WithLabelValues(stringField(ev.Data, "kind")).Inc()
	case telemetry.EventSessionReaped:
		m.sessionsReaped.Inc()
	case telemetry.EventCaptureAttempt:
		status := stringField(ev.Data, "status")
		if status == "captured" || status == "failed" {
			m.captureAttempts.WithLabelValues(status).Inc()
		}
	case telemetry.EventCaptureCompleted, telemetry.EventCaptureFailed:
		outcome := "completed"
		if ev.Type == telemetry.EventCaptureFailed {
			outcome = "failed"
		}
		m.captureRuns.WithLabelValues(outcome).Inc()
		if ms, ok := numberField(ev.Data, "duration_ms"); ok {
			m.captureDuration.Observe(ms / 1000)
		}
	case telemetry.EventBrowserLaunched, telemetry.EventBrowserClosed:
		if ev.Type == telemetry.EventBrowserLaunched {
			m.browserLaunches.WithLabelValues("ok").Inc()
		}
		if n, ok := numberField(ev.Data, "active"); ok {
			m.browsersActive.Set(n)
		}
	case telemetry.EventBrowserLaunchFailed:
		m.browserLaunches.WithLabelValues("failed").Inc()
	case telemetry.EventArtifactSwept:
		if n, ok := numberField(ev.Data, "removed"); ok {
			m.artifactsSwept.Add(n)
		}
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.refreshGauges()
	promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) refreshGauges() {
	if s.registry != nil {
		s.metrics.sessionsActive.Set(float64(s.registry.Count()))
	}
	s.metrics.eventClients.Set(float64(s.hub.Clients()))
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok && v != "" {
		return v
	}
	return "unknown"
}

func numberField(data map[string]any, key string) (float64, bool) {
	switch v := data[key].(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
