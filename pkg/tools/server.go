package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/odvcencio/chartshot/pkg/capture"
	"github.com/odvcencio/chartshot/pkg/logging"
)

const (
	ServerName = "chartshot"

	ToolCaptureCharts = "capture_charts"
	ToolGetConfig     = "get_config"
)

// NewServer builds an MCP server with the chart tools registered. Each
// transport session gets its own server.
func (s *Service) NewServer() *server.MCPServer {
	srv := server.NewMCPServer(ServerName, s.version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	inputSchema, _ := json.Marshal(s.CaptureInputSchema())
	srv.AddTool(mcp.NewToolWithRawSchema(ToolCaptureCharts, fmt.Sprintf(
		"Capture %s chart screenshots with the configured studies applied. "+
			"Optionally pass timeframe codes (%s); all configured timeframes are captured when omitted.",
		s.chart.Symbol, strings.Join(s.Available(), ", ")), inputSchema), s.handleCapture)

	srv.AddTool(mcp.NewTool(ToolGetConfig,
		mcp.WithDescription("Return the chart symbol, timeframes and studies used for captures."),
	), s.handleConfig)

	return srv
}

func (s *Service) handleCapture(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	timeframes, err := parseTimeframes(req.GetArguments()["timeframes"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var sessionID string
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		sessionID = cs.SessionID()
	}
	log := s.logger.WithSession(sessionID)
	log.Info(logging.CategoryTool, "tool.capture", "capture_charts called", map[string]any{"timeframes": timeframes})

	report, err := s.Capture(ctx, CaptureInput{
		Timeframes: timeframes,
		Links:      s.LinkMode(),
		Source:     "mcp",
		SessionID:  sessionID,
		Progress:   progressNotifier(ctx),
	})
	if err != nil {
		log.Error(logging.CategoryTool, "tool.capture_failed", err.Error(), nil)
		return mcp.NewToolResultError("Error capturing charts: " + err.Error()), nil
	}
	return s.renderReport(report), nil
}

func (s *Service) handleConfig(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(s.Config(), "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// renderReport formats a report as links (URL mode) or inline images.
func (s *Service) renderReport(r *Report) *mcp.CallToolResult {
	if len(r.Charts) == 0 {
		text := "No charts captured. Check that the requested timeframes are valid. Available: " +
			strings.Join(s.Available(), ", ")
		if len(r.Failures) > 0 {
			text += "\n\n" + failureText(r.Failures)
		}
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(text)}}
	}

	labels := make([]string, len(r.Charts))
	for i, c := range r.Charts {
		labels[i] = c.Label
	}
	var head strings.Builder
	fmt.Fprintf(&head, "Captured %d %s chart(s): %s", len(r.Charts), r.Symbol, strings.Join(labels, ", "))
	if len(r.Studies) > 0 {
		fmt.Fprintf(&head, "\nStudies: %s", strings.Join(r.Studies, ", "))
	}

	var content []mcp.Content
	if s.LinkMode() {
		var body strings.Builder
		body.WriteString(head.String())
		body.WriteString("\n\n")
		for _, c := range r.Charts {
			fmt.Fprintf(&body, "![%s %s](%s)\n\n", r.Symbol, c.Label, c.ImageURL)
		}
		body.WriteString(DisplayInstruction)
		content = append(content, mcp.NewTextContent(body.String()))
	} else {
		content = append(content, mcp.NewTextContent(head.String()))
		for _, c := range r.Charts {
			content = append(content,
				mcp.NewImageContent(base64.StdEncoding.EncodeToString(c.Data), c.MIMEType),
				mcp.NewTextContent(fmt.Sprintf("^ %s %s (%s)", r.Symbol, c.Label, c.Timeframe)),
			)
		}
	}
	if len(r.Failures) > 0 {
		content = append(content, mcp.NewTextContent(failureText(r.Failures)))
	}
	return &mcp.CallToolResult{Content: content}
}

func failureText(failures []Failure) string {
	var b strings.Builder
	b.WriteString("Failed timeframes:")
	for _, f := range failures {
		fmt.Fprintf(&b, "\n- %s (%s): %s", f.Label, f.Timeframe, f.Error)
	}
	return b.String()
}

// progressNotifier forwards pipeline progress to the calling session as
// notifications/message log entries. Sessions without an attached stream
// drop them.
func progressNotifier(ctx context.Context) func(capture.Progress) {
	srv := server.ServerFromContext(ctx)
	if srv == nil {
		return nil
	}
	return func(p capture.Progress) {
		_ = srv.SendNotificationToClient(ctx, "notifications/message", map[string]any{
			"level":  "info",
			"logger": ServerName,
			"data":   fmt.Sprintf("[%d/%d] %s", p.Index+1, p.Total, p.Message),
		})
	}
}
