package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/chartshot/pkg/browser"
	"github.com/odvcencio/chartshot/pkg/capture"
	"github.com/odvcencio/chartshot/pkg/config"
)

type fakeCapturer struct {
	res  *capture.Result
	err  error
	reqs []capture.Request
}

func (f *fakeCapturer) Run(_ context.Context, req capture.Request) (*capture.Result, error) {
	f.reqs = append(f.reqs, req)
	return f.res, f.err
}

var (
	tf5m = config.Timeframe{Value: "5", Label: "5 Minutes", Code: "5M"}
	tf1h = config.Timeframe{Value: "60", Label: "1 Hour", Code: "1H"}
)

func testChart() config.ChartConfig {
	return config.ChartConfig{
		Symbol:     "XAUUSD",
		Exchange:   "OANDA",
		Timeframes: []config.Timeframe{tf5m, tf1h},
		Studies: []config.Study{
			{ID: "MAExp@tv-basicstudies", Inputs: map[string]any{"length": 50}},
			{ID: "RSI@tv-basicstudies"},
		},
	}
}

func testCapture() config.CaptureConfig {
	return config.CaptureConfig{ToolViewport: config.Viewport{Width: 1280, Height: 800}, JPEGQuality: 75}
}

func captured(tf config.Timeframe, name string, data []byte, format browser.ImageFormat) capture.Attempt {
	return capture.Attempt{
		Timeframe: tf,
		Status:    capture.StatusCaptured,
		Artifact:  &capture.Artifact{Name: name, Data: data, Format: format, Size: len(data)},
	}
}

func newService(fc *fakeCapturer, baseURL string) *Service {
	return New(Options{Capturer: fc, Chart: testChart(), Capture: testCapture(), BaseURL: baseURL})
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = ToolCaptureCharts
	req.Params.Arguments = args
	return req
}

func textOf(t *testing.T, c mcp.Content) string {
	t.Helper()
	tc, ok := c.(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", c)
	return tc.Text
}

func TestCaptureInlineReturnsImages(t *testing.T) {
	fc := &fakeCapturer{res: &capture.Result{RunID: "r1", Attempts: []capture.Attempt{
		captured(tf5m, "", []byte("five"), browser.ImageFormatPNG),
		captured(tf1h, "", []byte("hour"), browser.ImageFormatPNG),
	}}}
	svc := newService(fc, "")

	out, err := svc.handleCapture(context.Background(), callRequest(map[string]any{"timeframes": []any{"5m", "1h"}}))
	require.NoError(t, err)
	require.False(t, out.IsError)

	require.Len(t, fc.reqs, 1)
	req := fc.reqs[0]
	assert.Equal(t, []string{"5m", "1h"}, req.Timeframes)
	assert.Equal(t, capture.ModeBuffer, req.Mode)
	assert.Equal(t, browser.ImageFormatPNG, req.Render.Format)
	assert.Equal(t, 1280, req.Render.Viewport.Width)
	assert.Equal(t, "mcp", req.Source)

	require.Len(t, out.Content, 5)
	head := textOf(t, out.Content[0])
	assert.Contains(t, head, "Captured 2 XAUUSD chart(s): 5 Minutes, 1 Hour")
	assert.Contains(t, head, "Studies: MAExp@tv-basicstudies (length=50), RSI@tv-basicstudies")

	img, ok := out.Content[1].(mcp.ImageContent)
	require.True(t, ok)
	assert.Equal(t, "image/png", img.MIMEType)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("five")), img.Data)
	assert.Equal(t, "^ XAUUSD 5 Minutes (5M)", textOf(t, out.Content[2]))
	assert.Equal(t, "^ XAUUSD 1 Hour (1H)", textOf(t, out.Content[4]))
}

func TestCaptureLinkModeReturnsMarkdown(t *testing.T) {
	fc := &fakeCapturer{res: &capture.Result{RunID: "r1", Attempts: []capture.Attempt{
		captured(tf1h, "XAUUSD_1H_a.jpg", nil, browser.ImageFormatJPEG),
	}}}
	svc := newService(fc, "https://charts.example.com/")

	out, err := svc.handleCapture(context.Background(), callRequest(nil))
	require.NoError(t, err)

	req := fc.reqs[0]
	assert.Nil(t, req.Timeframes)
	assert.Equal(t, capture.ModePersist, req.Mode)
	assert.Equal(t, browser.ImageFormatJPEG, req.Render.Format)
	assert.Equal(t, 75, req.Render.Quality)

	require.Len(t, out.Content, 1)
	text := textOf(t, out.Content[0])
	assert.Contains(t, text, "![XAUUSD 1 Hour](https://charts.example.com/screenshots/XAUUSD_1H_a.jpg)")
	assert.True(t, strings.HasSuffix(text, DisplayInstruction))
}

func TestCaptureNothingMatched(t *testing.T) {
	fc := &fakeCapturer{res: &capture.Result{RunID: "r1"}}
	svc := newService(fc, "")

	out, err := svc.handleCapture(context.Background(), callRequest(map[string]any{"timeframes": []any{"2Y"}}))
	require.NoError(t, err)
	assert.False(t, out.IsError)
	require.Len(t, out.Content, 1)
	assert.Equal(t,
		"No charts captured. Check that the requested timeframes are valid. Available: 5M, 1H",
		textOf(t, out.Content[0]))
}

func TestCaptureHardErrorWithoutCharts(t *testing.T) {
	fc := &fakeCapturer{
		res: &capture.Result{RunID: "r1", Attempts: []capture.Attempt{{Timeframe: tf5m, Status: capture.StatusFailed, Error: "aborted"}}},
		err: errors.New("browser launch failed"),
	}
	svc := newService(fc, "")

	out, err := svc.handleCapture(context.Background(), callRequest(nil))
	require.NoError(t, err)
	assert.True(t, out.IsError)
	assert.Equal(t, "Error capturing charts: browser launch failed", textOf(t, out.Content[0]))
}

func TestCapturePartialSuccessListsFailures(t *testing.T) {
	fc := &fakeCapturer{
		res: &capture.Result{RunID: "r1", Attempts: []capture.Attempt{
			captured(tf5m, "", []byte("five"), browser.ImageFormatPNG),
			{Timeframe: tf1h, Status: capture.StatusFailed, Error: "navigation timeout"},
		}},
		err: errors.New("navigation timeout"),
	}
	svc := newService(fc, "")

	out, err := svc.handleCapture(context.Background(), callRequest(nil))
	require.NoError(t, err)
	assert.False(t, out.IsError)
	last := textOf(t, out.Content[len(out.Content)-1])
	assert.Equal(t, "Failed timeframes:\n- 1 Hour (1H): navigation timeout", last)
}

func TestCaptureRejectsBadArguments(t *testing.T) {
	svc := newService(&fakeCapturer{}, "")
	out, err := svc.handleCapture(context.Background(), callRequest(map[string]any{"timeframes": 5}))
	require.NoError(t, err)
	assert.True(t, out.IsError)
}

func TestReportForREST(t *testing.T) {
	fc := &fakeCapturer{res: &capture.Result{RunID: "r1", Attempts: []capture.Attempt{
		captured(tf5m, "XAUUSD_5M_a.jpg", nil, browser.ImageFormatJPEG),
	}}}
	svc := newService(fc, "")

	report, err := svc.Capture(context.Background(), CaptureInput{Links: true, BaseURL: "http://localhost:3001", Source: "rest"})
	require.NoError(t, err)
	assert.Equal(t, "XAUUSD", report.Symbol)
	require.Len(t, report.Charts, 1)
	assert.Equal(t, "http://localhost:3001/screenshots/XAUUSD_5M_a.jpg", report.Charts[0].ImageURL)
	assert.Equal(t, DisplayInstruction, report.Instruction)

	data, err := json.Marshal(report)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"_instruction"`)
	assert.NotContains(t, string(data), `"Data"`)
}

func TestParseTimeframes(t *testing.T) {
	tests := []struct {
		name    string
		raw     any
		want    []string
		wantErr bool
	}{
		{name: "nil", raw: nil, want: nil},
		{name: "array", raw: []any{"5M", "1H"}, want: []string{"5M", "1H"}},
		{name: "comma string", raw: "5M, 1H,", want: []string{"5M", "1H"}},
		{name: "non string item", raw: []any{"5M", 3}, wantErr: true},
		{name: "number", raw: 3, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTimeframes(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetConfig(t *testing.T) {
	svc := newService(&fakeCapturer{}, "")
	out, err := svc.handleConfig(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)

	var view ConfigView
	require.NoError(t, json.Unmarshal([]byte(textOf(t, out.Content[0])), &view))
	assert.Equal(t, "XAUUSD", view.Symbol)
	assert.Equal(t, "inline", view.OutputMode)
	assert.Len(t, view.Timeframes, 2)
}

func TestServerListsTools(t *testing.T) {
	srv := newService(&fakeCapturer{}, "").NewServer()
	ctx := context.Background()

	srv.HandleMessage(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`))
	resp := srv.HandleMessage(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	require.NotNil(t, resp)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"capture_charts"`)
	assert.Contains(t, string(data), `"get_config"`)
	assert.Contains(t, string(data), `"enum":["5M","1H"]`)
}
