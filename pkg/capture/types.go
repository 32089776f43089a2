package capture

import (
	"time"

	"github.com/odvcencio/chartshot/pkg/browser"
	"github.com/odvcencio/chartshot/pkg/config"
)

// Status is the state of one timeframe attempt.
type Status string

const (
	StatusPending        Status = "pending"
	StatusLoaded         Status = "loaded"
	StatusDegraded       Status = "degraded"
	StatusReady          Status = "ready"
	StatusStudiesApplied Status = "studies-applied"
	StatusCaptured       Status = "captured"
	StatusFailed         Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCaptured || s == StatusFailed
}

// OutputMode selects where captured images go.
type OutputMode string

const (
	// ModePersist writes each image to the artifact store, retrying failures.
	ModePersist OutputMode = "persist"
	// ModeBuffer keeps each image in memory with a single attempt.
	ModeBuffer OutputMode = "buffer"
)

// RenderOptions override the configured viewport and encoding. Zero values
// fall back to the capture configuration and PNG.
type RenderOptions struct {
	Viewport browser.Viewport
	Format   browser.ImageFormat
	Quality  int
}

// Request is one pipeline invocation.
type Request struct {
	// Timeframes holds the requested codes in order. Nil selects every
	// configured timeframe.
	Timeframes []string
	Mode       OutputMode
	Render     RenderOptions
	// Source names the caller for history ("mcp", "rest", "cli").
	Source    string
	SessionID string
	// Progress, when set, is called as each attempt starts and finishes.
	Progress func(Progress)
}

// Progress reports pipeline advancement to interactive callers.
type Progress struct {
	Index     int
	Total     int
	Timeframe config.Timeframe
	Status    Status
	Message   string
}

// StudyResult is the outcome of injecting one study.
type StudyResult struct {
	ID      string `json:"id"`
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

// Artifact is a captured image. Persisted artifacts carry Name and Path;
// buffered ones carry Data.
type Artifact struct {
	Name   string              `json:"name,omitempty"`
	Path   string              `json:"path,omitempty"`
	Data   []byte              `json:"-"`
	Format browser.ImageFormat `json:"format"`
	Size   int                 `json:"size"`
}

// Attempt tracks one timeframe through the pipeline. Artifact is set if and
// only if Status is StatusCaptured.
type Attempt struct {
	Timeframe  config.Timeframe `json:"timeframe"`
	Status     Status           `json:"status"`
	Degraded   bool             `json:"degraded,omitempty"`
	Studies    []StudyResult    `json:"studies,omitempty"`
	Artifact   *Artifact        `json:"artifact,omitempty"`
	Error      string           `json:"error,omitempty"`
	Retries    int              `json:"retries,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Captured reports whether the attempt produced an artifact.
func (a *Attempt) Captured() bool {
	return a.Status == StatusCaptured && a.Artifact != nil
}

func (a *Attempt) fail(msg string) {
	a.Status = StatusFailed
	a.Artifact = nil
	a.Error = msg
}

// Result is the outcome of one pipeline run, one attempt per selected
// timeframe in request order.
type Result struct {
	RunID      string     `json:"run_id"`
	Source     string     `json:"source,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	Mode       OutputMode `json:"mode"`
	Requested  []string   `json:"requested,omitempty"`
	Attempts   []Attempt  `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

// Captured returns the successful attempts in order.
func (r *Result) Captured() []Attempt {
	var out []Attempt
	for _, a := range r.Attempts {
		if a.Captured() {
			out = append(out, a)
		}
	}
	return out
}

// Failed returns the failed attempts in order.
func (r *Result) Failed() []Attempt {
	var out []Attempt
	for _, a := range r.Attempts {
		if a.Status == StatusFailed {
			out = append(out, a)
		}
	}
	return out
}
