package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/odvcencio/chartshot/pkg/logging"
	"github.com/odvcencio/chartshot/pkg/notify"
)

func newEventsCmd(root *rootOptions) *cobra.Command {
	var (
		url     string
		subject string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow capture and session events published to NATS by a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("nats-url") {
				url = cfg.Notify.NATSURL
			}
			if !cmd.Flags().Changed("subject") {
				subject = cfg.Notify.Subject
			}
			if strings.TrimSpace(url) == "" {
				return withExitCode(errors.New("no NATS server configured (set notify.nats_url, CHARTSHOT_NATS_URL or --nats-url)"), exitUsage)
			}

			logger := logging.New(cmd.ErrOrStderr())
			logger.SetMinLevel(logging.ParseLevel(cfg.Logging.Level))
			sub, err := notify.NewNATSSubscriber(notify.NATSConfig{
				URL:            url,
				Subject:        subject,
				ConnectTimeout: cfg.Notify.Timeout,
				Logger:         logger,
			})
			if err != nil {
				return err
			}
			defer sub.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			out := cmd.OutOrStdout()
			return sub.Subscribe(ctx, func(ev *notify.Event) {
				writeEvent(out, ev, asJSON)
			})
		},
	}
	cmd.Flags().StringVar(&url, "nats-url", "", "NATS server URL (default notify.nats_url)")
	cmd.Flags().StringVar(&subject, "subject", "", "base subject (default notify.subject)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw event JSON, one per line")
	return cmd
}

func writeEvent(w io.Writer, ev *notify.Event, asJSON bool) {
	if asJSON {
		fmt.Fprintln(w, string(ev.JSON()))
		return
	}
	line := fmt.Sprintf("%s  %-18s %s", ev.Timestamp.Local().Format(time.TimeOnly), ev.Type, ev.Title)
	if ev.Message != "" {
		line += ": " + ev.Message
	}
	if ev.RunID != "" {
		line += "  run=" + ev.RunID
	}
	if ev.SessionID != "" {
		line += "  session=" + ev.SessionID
	}
	fmt.Fprintln(w, line)
}
