package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "warning":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// Category represents the subsystem generating the log
type Category string

const (
	CategorySession   Category = "session"
	CategoryTransport Category = "transport"
	CategoryCapture   Category = "capture"
	CategorySweep     Category = "sweep"
	CategoryServer    Category = "server"
	CategoryTool      Category = "tool"
	CategoryNotify    Category = "notify"
	CategoryStorage   Category = "storage"
)

// Event represents a structured log event
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	EventType string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Message   string         `json:"message,omitempty"`
}

type sink struct {
	mu        sync.Mutex
	out       io.Writer
	file      *os.File
	errorFile *os.File
	minLevel  Level
}

// Logger writes JSONL events to a console writer and, when opened with a
// directory, to chartshot.jsonl and errors.jsonl. A nil *Logger discards.
type Logger struct {
	sink      *sink
	sessionID string
}

// New creates a logger writing to out. Servers that also speak MCP over
// stdout must pass os.Stderr.
func New(out io.Writer) *Logger {
	return &Logger{sink: &sink{out: out, minLevel: LevelInfo}}
}

// Open creates a logger that mirrors events to files under baseDir.
func Open(baseDir string, out io.Writer) (*Logger, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(baseDir, "chartshot.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	errorFile, err := os.OpenFile(filepath.Join(baseDir, "errors.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}

	l := New(out)
	l.sink.file = file
	l.sink.errorFile = errorFile
	return l, nil
}

// SetMinLevel sets the minimum log level
func (l *Logger) SetMinLevel(level Level) {
	if l == nil {
		return
	}
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.minLevel = level
}

// WithSession returns a logger that stamps sessionID on every event.
func (l *Logger) WithSession(sessionID string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{sink: l.sink, sessionID: sessionID}
}

// Log writes an event to the configured destinations
func (l *Logger) Log(event Event) error {
	if l == nil {
		return nil
	}
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	if !shouldLog(event.Level, s.minLevel) {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.SessionID == "" {
		event.SessionID = l.sessionID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	if s.out != nil {
		if _, err := s.out.Write(data); err != nil {
			return fmt.Errorf("failed to write log: %w", err)
		}
	}
	if s.file != nil {
		if _, err := s.file.Write(data); err != nil {
			return fmt.Errorf("failed to write log file: %w", err)
		}
	}
	if event.Level == LevelError && s.errorFile != nil {
		if _, err := s.errorFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to error log: %w", err)
		}
	}
	return nil
}

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

func shouldLog(level, min Level) bool {
	return levelRank[level] >= levelRank[min]
}

// Debug logs a debug event
func (l *Logger) Debug(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{Level: LevelDebug, Category: category, EventType: eventType, Message: message, Details: details})
}

// Info logs an info event
func (l *Logger) Info(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{Level: LevelInfo, Category: category, EventType: eventType, Message: message, Details: details})
}

// Warn logs a warning event
func (l *Logger) Warn(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{Level: LevelWarn, Category: category, EventType: eventType, Message: message, Details: details})
}

// Error logs an error event
func (l *Logger) Error(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{Level: LevelError, Category: category, EventType: eventType, Message: message, Details: details})
}

// Close closes any log files. The console writer is left open.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			errs = append(errs, err)
		}
		s.file = nil
	}
	if s.errorFile != nil {
		if err := s.errorFile.Close(); err != nil {
			errs = append(errs, err)
		}
		s.errorFile = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing log files: %v", errs)
	}
	return nil
}
