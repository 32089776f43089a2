package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/odvcencio/chartshot/pkg/capture"
	"github.com/odvcencio/chartshot/pkg/chart"
)

const (
	colTimeframe = 20
	colStatus    = 22
)

func newCaptureCmd(root *rootOptions) *cobra.Command {
	var (
		timeframes []string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture charts once and save them to the screenshots directory",
		Example: "  chartshot capture\n" +
			"  chartshot capture --timeframes 5M,1H",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			req := capture.Request{
				Timeframes: cleanCodes(timeframes),
				Mode:       capture.ModePersist,
				Source:     "cli",
			}
			if !asJSON {
				req.Progress = func(p capture.Progress) {
					fmt.Fprintln(cmd.ErrOrStderr(), progressLine(p))
				}
			}

			start := time.Now()
			res, runErr := a.pipeline.Run(ctx, req)
			elapsed := time.Since(start)

			if res != nil && len(res.Attempts) == 0 && runErr == nil {
				return withExitCode(fmt.Errorf("no timeframes matched %s; available: %s",
					strings.Join(timeframes, ","), strings.Join(chart.Codes(cfg.Chart.Timeframes), ", ")), exitUsage)
			}
			if err := writeCaptureResult(cmd.OutOrStdout(), res, elapsed, asJSON); err != nil {
				return err
			}
			if runErr != nil {
				return runErr
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&timeframes, "timeframes", "t", nil, "timeframe codes to capture, in order (default all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run result as JSON")
	return cmd
}

func cleanCodes(raw []string) []string {
	if len(raw) == 0 {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, code := range raw {
		if code = strings.TrimSpace(code); code != "" {
			out = append(out, code)
		}
	}
	return out
}

func progressLine(p capture.Progress) string {
	line := fmt.Sprintf("[%d/%d] %s: %s", p.Index+1, p.Total, p.Timeframe.Label, p.Status)
	if p.Message != "" {
		line += " (" + p.Message + ")"
	}
	return line
}

func writeCaptureResult(w io.Writer, res *capture.Result, elapsed time.Duration, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if _, err := fmt.Fprintln(w, renderCaptureTable(res, newCaptureStyles())); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "Done in %.1fs\n", elapsed.Seconds())
	return err
}

type captureStyles struct {
	header   lipgloss.Style
	label    lipgloss.Style
	captured lipgloss.Style
	degraded lipgloss.Style
	failed   lipgloss.Style
	dim      lipgloss.Style
}

func newCaptureStyles() captureStyles {
	return captureStyles{
		header:   lipgloss.NewStyle().Bold(true),
		label:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		captured: lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#008000", Dark: "#55FF55"}),
		degraded: lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B8860B", Dark: "#FFAA00"}),
		failed:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#D00000", Dark: "#FF5555"}),
		dim:      lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#888888"}),
	}
}

// renderCaptureTable lists one row per attempt: the timeframe, its final
// status and the saved path or failure reason.
func renderCaptureTable(res *capture.Result, st captureStyles) string {
	if res == nil || len(res.Attempts) == 0 {
		return st.dim.Render("No charts captured.")
	}

	rows := []string{lipgloss.JoinHorizontal(lipgloss.Top,
		st.header.Width(colTimeframe).Render("TIMEFRAME"),
		st.header.Width(colStatus).Render("STATUS"),
		st.header.Render("OUTPUT"),
	)}
	for _, a := range res.Attempts {
		status, style, output := string(a.Status), st.failed, a.Error
		if a.Captured() {
			style, output = st.captured, a.Artifact.Path
			if a.Degraded {
				status, style = "captured (degraded)", st.degraded
			}
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top,
			st.label.Width(colTimeframe).Render(fmt.Sprintf("%s (%s)", a.Timeframe.Label, a.Timeframe.Code)),
			style.Width(colStatus).Render(status),
			st.dim.Render(output),
		))
	}
	rows = append(rows, "", st.header.Render(fmt.Sprintf("%d captured, %d failed", len(res.Captured()), len(res.Failed()))))
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}
