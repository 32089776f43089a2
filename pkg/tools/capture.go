// Package tools implements the chart tools exposed over MCP and REST.
package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/odvcencio/chartshot/pkg/browser"
	"github.com/odvcencio/chartshot/pkg/capture"
	"github.com/odvcencio/chartshot/pkg/chart"
	"github.com/odvcencio/chartshot/pkg/config"
	"github.com/odvcencio/chartshot/pkg/logging"
)

// DisplayInstruction asks the client to render every linked image.
const DisplayInstruction = "IMPORTANT: Display EVERY image above inline using the markdown image syntax. Analyze each chart after showing it."

// Capturer runs the capture pipeline.
type Capturer interface {
	Run(ctx context.Context, req capture.Request) (*capture.Result, error)
}

// Options configure a Service.
type Options struct {
	Capturer Capturer
	Chart    config.ChartConfig
	Capture  config.CaptureConfig
	// BaseURL switches MCP captures to persisted JPEG artifacts linked under
	// BaseURL/screenshots/. Empty returns images inline.
	BaseURL string
	Version string
	Logger  *logging.Logger
}

// Service holds the tool logic shared by every MCP session and the REST API.
type Service struct {
	capturer Capturer
	chart    config.ChartConfig
	capture  config.CaptureConfig
	baseURL  string
	version  string
	logger   *logging.Logger
}

// New constructs a Service.
func New(opts Options) *Service {
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Service{
		capturer: opts.Capturer,
		chart:    opts.Chart,
		capture:  opts.Capture,
		baseURL:  strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		version:  version,
		logger:   opts.Logger,
	}
}

// LinkMode reports whether MCP captures are returned as links.
func (s *Service) LinkMode() bool {
	return s.baseURL != ""
}

// CaptureInput is one tool invocation.
type CaptureInput struct {
	Timeframes []string
	// Links persists JPEG artifacts and returns URLs instead of image data.
	Links     bool
	BaseURL   string
	Source    string
	SessionID string
	Progress  func(capture.Progress)
}

// Chart is one captured timeframe.
type Chart struct {
	Timeframe string `json:"timeframe"`
	Label     string `json:"label"`
	ImageURL  string `json:"image_url,omitempty"`
	Degraded  bool   `json:"degraded,omitempty"`
	Data      []byte `json:"-"`
	MIMEType  string `json:"-"`
}

// Failure is one timeframe that produced no image.
type Failure struct {
	Timeframe string `json:"timeframe"`
	Label     string `json:"label"`
	Error     string `json:"error"`
}

// Report is the caller-facing summary of a capture run.
type Report struct {
	RunID       string    `json:"run_id"`
	Symbol      string    `json:"symbol"`
	Studies     []string  `json:"studies"`
	Charts      []Chart   `json:"charts"`
	Failures    []Failure `json:"failures,omitempty"`
	Instruction string    `json:"_instruction,omitempty"`
}

// Capture runs the pipeline and folds the result into a Report. A hard
// pipeline error is returned only when nothing was captured.
func (s *Service) Capture(ctx context.Context, in CaptureInput) (*Report, error) {
	if s.capturer == nil {
		return nil, fmt.Errorf("capture pipeline not configured")
	}

	req := capture.Request{
		Timeframes: in.Timeframes,
		Source:     in.Source,
		SessionID:  in.SessionID,
		Progress:   in.Progress,
		Render: capture.RenderOptions{
			Viewport: browser.Viewport{Width: s.capture.ToolViewport.Width, Height: s.capture.ToolViewport.Height},
			Format:   browser.ImageFormatPNG,
		},
		Mode: capture.ModeBuffer,
	}
	base := strings.TrimRight(in.BaseURL, "/")
	if in.Links {
		req.Mode = capture.ModePersist
		req.Render.Format = browser.ImageFormatJPEG
		req.Render.Quality = s.capture.JPEGQuality
		if base == "" {
			base = s.baseURL
		}
	}

	res, err := s.capturer.Run(ctx, req)
	if res == nil || (err != nil && len(res.Captured()) == 0) {
		if err == nil {
			err = fmt.Errorf("capture returned no result")
		}
		return nil, err
	}

	report := &Report{
		RunID:   res.RunID,
		Symbol:  s.chart.Symbol,
		Studies: StudyDescriptions(s.chart.Studies),
		Charts:  []Chart{},
	}
	for _, a := range res.Attempts {
		if !a.Captured() {
			if a.Status == capture.StatusFailed {
				report.Failures = append(report.Failures, Failure{Timeframe: a.Timeframe.Code, Label: a.Timeframe.Label, Error: a.Error})
			}
			continue
		}
		c := Chart{
			Timeframe: a.Timeframe.Code,
			Label:     a.Timeframe.Label,
			Degraded:  a.Degraded,
			MIMEType:  a.Artifact.Format.MIMEType(),
		}
		if in.Links {
			c.ImageURL = base + "/screenshots/" + a.Artifact.Name
		} else {
			c.Data = a.Artifact.Data
		}
		report.Charts = append(report.Charts, c)
	}
	if in.Links && len(report.Charts) > 0 {
		report.Instruction = DisplayInstruction
	}
	return report, nil
}

// Available lists the configured timeframe codes.
func (s *Service) Available() []string {
	return chart.Codes(s.chart.Timeframes)
}

// StudyDescriptions renders each study as "id (length=N)", or just the id
// when it has no length input.
func StudyDescriptions(studies []config.Study) []string {
	out := make([]string, 0, len(studies))
	for _, st := range studies {
		if length, ok := st.Inputs["length"]; ok {
			out = append(out, fmt.Sprintf("%s (length=%v)", st.ID, length))
			continue
		}
		out = append(out, st.ID)
	}
	return out
}

// ConfigView is the chart configuration returned by get_config and GET /config.
type ConfigView struct {
	Symbol     string             `json:"symbol"`
	Exchange   string             `json:"exchange"`
	Timeframes []config.Timeframe `json:"timeframes"`
	Studies    []config.Study     `json:"studies"`
	OutputMode string             `json:"output_mode"`
}

// Config returns the chart configuration view.
func (s *Service) Config() ConfigView {
	mode := "inline"
	if s.LinkMode() {
		mode = "url"
	}
	return ConfigView{
		Symbol:     s.chart.Symbol,
		Exchange:   s.chart.Exchange,
		Timeframes: s.chart.Timeframes,
		Studies:    s.chart.Studies,
		OutputMode: mode,
	}
}

// parseTimeframes accepts a string array or a comma separated string.
func parseTimeframes(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("timeframes must be strings, got %T", item)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("timeframes must be an array of strings")
	}
}
