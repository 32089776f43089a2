package telemetry

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	hub.Publish(Event{Type: EventSessionCreated, SessionID: "s1"})

	select {
	case ev := <-ch:
		assert.Equal(t, EventSessionCreated, ev.Type)
		assert.Equal(t, "s1", ev.SessionID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestHub_DropsWhenSubscriberFull(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	for i := 0; i < hub.buffer+10; i++ {
		hub.Publish(Event{Type: EventCaptureAttempt})
	}
	assert.Len(t, ch, hub.buffer)
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsubscribe := hub.Subscribe()
	require.Equal(t, 1, hub.Subscribers())
	unsubscribe()
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Subscribers())
}

func TestHub_CloseRejectsLateSubscribers(t *testing.T) {
	hub := NewHub()
	ch, _ := hub.Subscribe()
	hub.Close()
	hub.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late, unsubscribe := hub.Subscribe()
	defer unsubscribe()
	_, ok = <-late
	assert.False(t, ok)

	assert.NotPanics(t, func() { hub.Publish(Event{Type: EventArtifactSwept}) })
}

func TestHub_NilPublish(t *testing.T) {
	var hub *Hub
	assert.NotPanics(t, func() { hub.Publish(Event{Type: EventSessionClosed}) })
}

func TestTracerProvider_WritesSpans(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTracerProvider("chartshot-test", "test", &buf)
	require.NoError(t, err)

	ctx, span := StartSpan(context.Background(), "capture.run", AttrRunID.String("r1"))
	RecordError(ctx, nil)
	span.End()

	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "capture.run")
	assert.Contains(t, buf.String(), "chartshot.run.id")
}
