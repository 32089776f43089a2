package ipc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/odvcencio/chartshot/pkg/telemetry"
)

type fakeConn struct {
	writeCount *atomic.Int32
	closeCount *atomic.Int32
}

func (f *fakeConn) Write(ctx context.Context, _ websocket.MessageType, _ []byte) error {
	f.writeCount.Add(1)
	return ctx.Err()
}

func (f *fakeConn) Close(_ websocket.StatusCode, _ string) error {
	f.closeCount.Add(1)
	return nil
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	<-ctx.Done()
	return websocket.MessageText, nil, ctx.Err()
}

func TestHubBroadcastFiltersAndDropsSlowClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fast client accepting all
	fast := &fakeConn{writeCount: &atomic.Int32{}, closeCount: &atomic.Int32{}}
	c1 := hub.register(fast, nil)

	// Filtered client only capture events
	filtered := &fakeConn{writeCount: &atomic.Int32{}, closeCount: &atomic.Int32{}}
	c2 := hub.register(filtered, typeFilter("capture."))

	// Slow client with tiny buffer should be dropped
	slow := &client{
		conn:   &fakeConn{writeCount: &atomic.Int32{}, closeCount: &atomic.Int32{}},
		send:   make(chan Event, 1),
		filter: nil,
	}
	hub.mu.Lock()
	hub.clients[slow] = struct{}{}
	hub.mu.Unlock()

	go func() {
		_ = c1.writeLoop(ctx)
	}()
	go func() {
		_ = c2.writeLoop(ctx)
	}()

	hub.Broadcast(Event{Type: "capture.completed", Timestamp: time.Now()})
	hub.Broadcast(Event{Type: "session.created", Timestamp: time.Now()})

	time.Sleep(50 * time.Millisecond)

	if got := fast.writeCount.Load(); got == 0 {
		t.Fatalf("expected fast client to receive events")
	}
	if got := filtered.writeCount.Load(); got == 0 {
		t.Fatalf("expected filtered client to receive capture events")
	}
	if got := filtered.writeCount.Load(); got != 1 {
		t.Fatalf("expected filtered client to skip session events, got %d writes", got)
	}
	// Slow client buffer should have overflowed and removed client
	hub.mu.RLock()
	_, stillPresent := hub.clients[slow]
	hub.mu.RUnlock()
	if stillPresent {
		t.Fatalf("expected slow client to be removed")
	}
}

func TestTypeFilter(t *testing.T) {
	if typeFilter(" , ") != nil {
		t.Fatal("empty spec should admit everything")
	}
	f := typeFilter("capture., session.reaped")
	cases := map[string]bool{
		"capture.attempt": true,
		"session.reaped":  true,
		"session.created": false,
		"artifact.swept":  false,
	}
	for typ, want := range cases {
		if got := f(Event{Type: typ}); got != want {
			t.Errorf("filter(%q) = %v, want %v", typ, got, want)
		}
	}
}

func TestEventFromTelemetry(t *testing.T) {
	ev := eventFromTelemetry(telemetry.Event{
		Type:      telemetry.EventCaptureCompleted,
		SessionID: "s1",
		RunID:     "r1",
		Data:      map[string]any{"captured": 2},
	})
	if ev.Type != "capture.completed" || ev.SessionID != "s1" || ev.RunID != "r1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Fatal("timestamp should default to now")
	}
}

type scriptedConn struct {
	fakeConn
	reads chan []byte
}

func (s *scriptedConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data, ok := <-s.reads:
		if !ok {
			return websocket.MessageText, nil, context.Canceled
		}
		return websocket.MessageText, data, nil
	case <-ctx.Done():
		return websocket.MessageText, nil, ctx.Err()
	}
}

func TestClientReadLoopAnswersPing(t *testing.T) {
	hub := NewHub()
	conn := &scriptedConn{
		fakeConn: fakeConn{writeCount: &atomic.Int32{}, closeCount: &atomic.Int32{}},
		reads:    make(chan []byte, 2),
	}
	c := hub.register(conn, nil)
	conn.reads <- []byte(`not json`)
	conn.reads <- []byte(`{"type":"ping"}`)
	close(conn.reads)

	c.readLoop(context.Background())

	select {
	case ev := <-c.send:
		if ev.Type != "server.pong" {
			t.Fatalf("expected server.pong, got %q", ev.Type)
		}
	default:
		t.Fatal("expected pong to be queued")
	}
}
