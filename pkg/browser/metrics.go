package browser

import (
	"sync/atomic"
	"time"

	"github.com/odvcencio/chartshot/pkg/telemetry"
)

// Metrics counts browser lifecycles and mirrors each transition onto a
// telemetry publisher when one is attached.
type Metrics struct {
	launched       atomic.Int64
	launchFailures atomic.Int64
	closed         atomic.Int64
	active         atomic.Int64

	hub atomic.Pointer[telemetry.Publisher]
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// EnableTelemetry publishes browser.* events to hub from now on.
func (m *Metrics) EnableTelemetry(hub telemetry.Publisher) {
	if m == nil || hub == nil {
		return
	}
	m.hub.Store(&hub)
}

func (m *Metrics) RecordLaunched(browserID uint64) {
	if m == nil {
		return
	}
	m.launched.Add(1)
	m.publish(telemetry.EventBrowserLaunched, map[string]any{
		"browser_id": browserID,
		"active":     m.active.Add(1),
	})
}

func (m *Metrics) RecordLaunchFailed(err error) {
	if m == nil {
		return
	}
	m.launchFailures.Add(1)
	data := map[string]any{"active": m.active.Load()}
	if err != nil {
		data["error"] = err.Error()
	}
	m.publish(telemetry.EventBrowserLaunchFailed, data)
}

func (m *Metrics) RecordClosed(browserID uint64) {
	if m == nil {
		return
	}
	m.closed.Add(1)
	m.publish(telemetry.EventBrowserClosed, map[string]any{
		"browser_id": browserID,
		"active":     m.active.Add(-1),
	})
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Launched       int64 `json:"launched"`
	LaunchFailures int64 `json:"launch_failures"`
	Closed         int64 `json:"closed"`
	Active         int64 `json:"active"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		Launched:       m.launched.Load(),
		LaunchFailures: m.launchFailures.Load(),
		Closed:         m.closed.Load(),
		Active:         m.active.Load(),
	}
}

func (m *Metrics) publish(t telemetry.EventType, data map[string]any) {
	hub := m.hub.Load()
	if hub == nil {
		return
	}
	(*hub).Publish(telemetry.Event{Type: t, Timestamp: time.Now().UTC(), Data: data})
}
