package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/odvcencio/chartshot/pkg/telemetry"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*Event
	err    error
	got    chan struct{}
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{got: make(chan struct{}, 16)}
}

func (p *recordingPublisher) Publish(_ context.Context, event *Event) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	p.got <- struct{}{}
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) snapshot() []*Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Event(nil), p.events...)
}

func TestEventJSON(t *testing.T) {
	event := &Event{
		ID:        "test-1",
		Type:      telemetry.EventCaptureCompleted,
		RunID:     "run-1",
		Title:     "Capture completed",
		Metadata:  map[string]any{"captured": 2},
		Timestamp: time.Now(),
	}

	parsed, err := ParseEvent(event.JSON())
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if parsed.ID != event.ID {
		t.Errorf("ID = %q, want %q", parsed.ID, event.ID)
	}
	if parsed.Type != event.Type {
		t.Errorf("Type = %q, want %q", parsed.Type, event.Type)
	}
	if parsed.RunID != "run-1" {
		t.Errorf("RunID = %q, want run-1", parsed.RunID)
	}
}

func TestParseEventInvalid(t *testing.T) {
	if _, err := ParseEvent([]byte("{nope")); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestFromTelemetry(t *testing.T) {
	tests := []struct {
		ev      telemetry.Event
		title   string
		message string
	}{
		{
			ev:      telemetry.Event{Type: telemetry.EventCaptureCompleted, RunID: "r", Data: map[string]any{"captured": 3, "failed": 1}},
			title:   "Capture completed",
			message: "captured 3, failed 1",
		},
		{
			ev:      telemetry.Event{Type: telemetry.EventCaptureFailed, Data: map[string]any{"error": "boom"}},
			title:   "Capture failed",
			message: "boom",
		},
		{
			ev:      telemetry.Event{Type: telemetry.EventSessionReaped, SessionID: "s1", Data: map[string]any{"idle_seconds": 700}},
			title:   "Session reaped",
			message: "session s1 idle for 700s",
		},
		{
			ev:      telemetry.Event{Type: telemetry.EventArtifactSwept, Data: map[string]any{"removed": 2}},
			title:   "Artifacts swept",
			message: "removed 2 screenshot(s)",
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.ev.Type), func(t *testing.T) {
			got := FromTelemetry(tt.ev)
			if got.ID == "" {
				t.Error("ID should be generated")
			}
			if got.Timestamp.IsZero() {
				t.Error("Timestamp should default to now")
			}
			if got.Title != tt.title {
				t.Errorf("Title = %q, want %q", got.Title, tt.title)
			}
			if got.Message != tt.message {
				t.Errorf("Message = %q, want %q", got.Message, tt.message)
			}
		})
	}
}

func TestSubject(t *testing.T) {
	got := Subject("chartshot.events", &Event{Type: telemetry.EventSessionReaped})
	if got != "chartshot.events.session.reaped" {
		t.Fatalf("Subject = %q", got)
	}
}

func TestForwarderFiltersTypes(t *testing.T) {
	hub := telemetry.NewHub()
	pub := newRecordingPublisher()
	fwd := NewForwarder(hub, pub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fwd.Run(ctx) }()

	waitForSubscriber(t, hub)
	hub.Publish(telemetry.Event{Type: telemetry.EventCaptureAttempt})
	hub.Publish(telemetry.Event{Type: telemetry.EventCaptureCompleted, RunID: "r1", Data: map[string]any{"captured": 1, "failed": 0}})

	select {
	case <-pub.got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded event")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := pub.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 forwarded event, got %d", len(events))
	}
	if events[0].RunID != "r1" {
		t.Errorf("RunID = %q, want r1", events[0].RunID)
	}
}

func TestForwarderSurvivesPublishErrors(t *testing.T) {
	hub := telemetry.NewHub()
	pub := newRecordingPublisher()
	pub.err = errors.New("nats down")
	fwd := NewForwarder(hub, pub, nil, telemetry.EventSessionReaped)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = fwd.Run(ctx) }()

	waitForSubscriber(t, hub)
	for i := 0; i < 2; i++ {
		hub.Publish(telemetry.Event{Type: telemetry.EventSessionReaped, SessionID: "s"})
		select {
		case <-pub.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d not forwarded", i)
		}
	}
}

func TestForwarderStopsWhenHubCloses(t *testing.T) {
	hub := telemetry.NewHub()
	fwd := NewForwarder(hub, newRecordingPublisher(), nil)

	done := make(chan error, 1)
	go func() { done <- fwd.Run(context.Background()) }()
	waitForSubscriber(t, hub)
	hub.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not stop after hub close")
	}
}

func waitForSubscriber(t *testing.T, hub *telemetry.Hub) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("forwarder never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
