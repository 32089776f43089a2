package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func decodeLines(t *testing.T, data []byte) []Event {
	t.Helper()
	var events []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("invalid json line %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	return events
}

func TestLogger_WritesJSONL(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	l.Info(CategorySession, "session.created", "created", map[string]any{"kind": "streamable"})
	l.WithSession("abc").Warn(CategorySession, "session.reaped", "reaped", nil)

	events := decodeLines(t, buf.Bytes())
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].EventType != "session.created" || events[0].Details["kind"] != "streamable" {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].SessionID != "abc" {
		t.Errorf("SessionID = %q, want abc", events[1].SessionID)
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestLogger_MinLevel(t *testing.T) {
	tests := []struct {
		min  Level
		want int
	}{
		{LevelDebug, 4},
		{LevelInfo, 3},
		{LevelWarn, 2},
		{LevelError, 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.min), func(t *testing.T) {
			var buf bytes.Buffer
			l := New(&buf)
			l.SetMinLevel(tt.min)
			l.Debug(CategoryCapture, "d", "", nil)
			l.Info(CategoryCapture, "i", "", nil)
			l.Warn(CategoryCapture, "w", "", nil)
			l.Error(CategoryCapture, "e", "", nil)
			if got := len(decodeLines(t, buf.Bytes())); got != tt.want {
				t.Errorf("events = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLogger_NilIsNoop(t *testing.T) {
	var l *Logger
	if err := l.Info(CategoryServer, "x", "y", nil); err != nil {
		t.Fatalf("nil logger returned %v", err)
	}
	if l.WithSession("a") != nil {
		t.Fatal("WithSession on nil should stay nil")
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOpen_SplitsErrors(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.Info(CategorySweep, "sweep.done", "", nil)
	l.Error(CategorySweep, "sweep.failed", "", nil)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	all, err := os.ReadFile(filepath.Join(dir, "chartshot.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	errs, err := os.ReadFile(filepath.Join(dir, "errors.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if n := len(decodeLines(t, all)); n != 2 {
		t.Errorf("main log events = %d, want 2", n)
	}
	got := decodeLines(t, errs)
	if len(got) != 1 || got[0].EventType != "sweep.failed" {
		t.Errorf("error log = %+v", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"":        LevelInfo,
		"DEBUG":   LevelDebug,
		"warning": LevelWarn,
		" error ": LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %q, want %q", in, got, want)
		}
	}
}
