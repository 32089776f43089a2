package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// sseWriter frames server-sent events on a flushing response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) event(name string, data []byte) error {
	if _, err := s.w.Write([]byte(formatSSEEvent(name, string(data)))); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) comment(text string) error {
	if _, err := s.w.Write([]byte(": " + text + "\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func formatSSEEvent(event, data string) string {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteString("\n")
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// pump writes notifications, queued responses, and keep-alive comments to
// the stream until ctx ends, the session closes, or a write fails.
func pump(ctx context.Context, sw *sseWriter, c *conn, queued <-chan []byte, keepAlive time.Duration) error {
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done():
			return nil
		case n := <-c.notifications:
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			if err := sw.event("message", data); err != nil {
				return err
			}
		case data := <-queued:
			if err := sw.event("message", data); err != nil {
				return err
			}
		case <-ticker.C:
			if err := sw.comment("ping"); err != nil {
				return err
			}
		}
	}
}
