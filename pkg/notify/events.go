// Package notify forwards capture and session activity to external
// subscribers over NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/chartshot/pkg/logging"
	"github.com/odvcencio/chartshot/pkg/telemetry"
)

// DefaultTypes are the telemetry events forwarded when none are configured.
var DefaultTypes = []telemetry.EventType{
	telemetry.EventCaptureCompleted,
	telemetry.EventCaptureFailed,
	telemetry.EventSessionReaped,
	telemetry.EventArtifactSwept,
}

// Event is a notification event.
type Event struct {
	// ID is the unique event identifier
	ID string `json:"id"`

	Type telemetry.EventType `json:"type"`

	SessionID string `json:"session_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`

	// Title is a short summary
	Title string `json:"title"`

	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Publisher publishes notification events.
type Publisher interface {
	// Publish sends an event to the notification system
	Publish(ctx context.Context, event *Event) error

	// Close closes the publisher
	Close() error
}

// Subscriber receives notification events.
type Subscriber interface {
	// Subscribe blocks delivering events until ctx is done
	Subscribe(ctx context.Context, handler func(*Event)) error

	Close() error
}

// FromTelemetry converts a hub event into a notification event.
func FromTelemetry(ev telemetry.Event) *Event {
	out := &Event{
		ID:        uuid.NewString(),
		Type:      ev.Type,
		SessionID: ev.SessionID,
		RunID:     ev.RunID,
		Metadata:  ev.Data,
		Timestamp: ev.Timestamp,
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}

	switch ev.Type {
	case telemetry.EventCaptureCompleted:
		out.Title = "Capture completed"
		out.Message = fmt.Sprintf("captured %v, failed %v", ev.Data["captured"], ev.Data["failed"])
	case telemetry.EventCaptureFailed:
		out.Title = "Capture failed"
		out.Message = fmt.Sprint(ev.Data["error"])
	case telemetry.EventSessionReaped:
		out.Title = "Session reaped"
		out.Message = fmt.Sprintf("session %s idle for %vs", ev.SessionID, ev.Data["idle_seconds"])
	case telemetry.EventArtifactSwept:
		out.Title = "Artifacts swept"
		out.Message = fmt.Sprintf("removed %v screenshot(s)", ev.Data["removed"])
	default:
		out.Title = string(ev.Type)
	}
	return out
}

// Forwarder relays selected hub events to a Publisher.
type Forwarder struct {
	hub       *telemetry.Hub
	publisher Publisher
	types     map[telemetry.EventType]bool
	timeout   time.Duration
	logger    *logging.Logger
}

// NewForwarder creates a forwarder for the given event types, DefaultTypes
// when none are passed.
func NewForwarder(hub *telemetry.Hub, publisher Publisher, logger *logging.Logger, types ...telemetry.EventType) *Forwarder {
	if len(types) == 0 {
		types = DefaultTypes
	}
	set := make(map[telemetry.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return &Forwarder{hub: hub, publisher: publisher, types: set, timeout: 5 * time.Second, logger: logger}
}

// Run forwards events until ctx is cancelled or the hub closes.
func (f *Forwarder) Run(ctx context.Context) error {
	events, unsubscribe := f.hub.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !f.types[ev.Type] {
				continue
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev telemetry.Event) {
	pubCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := f.publisher.Publish(pubCtx, FromTelemetry(ev)); err != nil {
		f.logger.Warn(logging.CategoryNotify, "notify.publish_failed", err.Error(), map[string]any{
			"event": string(ev.Type),
		})
	}
}

// JSON helpers
func (e *Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

func ParseEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
