package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/chartshot/pkg/config"
	"github.com/odvcencio/chartshot/pkg/ipc"
	"github.com/odvcencio/chartshot/pkg/logging"
	"github.com/odvcencio/chartshot/pkg/notify"
	"github.com/odvcencio/chartshot/pkg/session"
	"github.com/odvcencio/chartshot/pkg/storage"
	"github.com/odvcencio/chartshot/pkg/transport"
)

type serveOptions struct {
	bind    string
	baseURL string
	origins []string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over streamable HTTP and SSE, plus the REST API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&opts.bind, "bind", "", "address to listen on (default server.bind)")
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "", "public base URL; enables screenshot links instead of inline images")
	cmd.Flags().StringSliceVar(&opts.origins, "allow-origin", nil, "allowed CORS origin (repeatable, accepts comma-separated list)")
	return cmd
}

func (o *serveOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("bind") {
		cfg.Server.Bind = strings.TrimSpace(o.bind)
	}
	if cmd.Flags().Changed("base-url") {
		cfg.Server.BaseURL = strings.TrimSpace(o.baseURL)
	}
	if len(o.origins) > 0 {
		cfg.Server.AllowedOrigins = append([]string{}, o.origins...)
	}
}

// runServe runs the HTTP server, the session reaper, the artifact sweeper,
// history retention and the optional NATS forwarder until ctx ends or one of
// them fails. Every open
// session is closed before returning.
func runServe(ctx context.Context, cfg *config.Config, logOut io.Writer) error {
	a, err := newApp(cfg, logOut)
	if err != nil {
		return err
	}
	defer a.Close()

	svc := a.tools()
	registry := session.NewRegistry(session.RegistryConfig{
		TTL:          cfg.Sessions.TTL,
		ReapInterval: cfg.Sessions.ReapInterval,
		Logger:       a.logger,
		Hub:          a.hub,
	})
	router := transport.NewRouter(transport.Config{
		Registry:     registry,
		NewServer:    func() transport.MCPServer { return svc.NewServer() },
		Logger:       a.logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})

	deps := ipc.Deps{
		Tools:     svc,
		Registry:  registry,
		Transport: router,
		Artifacts: a.artifacts,
		Telemetry: a.hub,
		Logger:    a.logger,
	}
	if a.history != nil {
		deps.History = a.history
	}
	srv := ipc.NewServer(ipc.Config{
		BindAddress:     cfg.Server.Bind,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		BaseURL:         cfg.Server.BaseURL,
		Version:         version,
		CaptureRate:     cfg.Server.CaptureRate,
		CaptureBurst:    cfg.Server.CaptureBurst,
		MaxEventClients: cfg.Server.MaxEventClients,
	}, deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { return registry.Run(gctx) })
	g.Go(func() error { return a.sweeper().Run(gctx) })
	if a.history != nil {
		retainer := storage.NewRetainer(a.history, storage.RetainerConfig{
			Retention: cfg.Storage.Retention,
			Logger:    a.logger,
		})
		g.Go(func() error { return retainer.Run(gctx) })
	}

	if url := strings.TrimSpace(cfg.Notify.NATSURL); url != "" {
		publisher, err := notify.NewNATSPublisher(notify.NATSConfig{
			URL:            url,
			Subject:        cfg.Notify.Subject,
			ConnectTimeout: cfg.Notify.Timeout,
			Logger:         a.logger,
		})
		if err != nil {
			a.logger.Warn(logging.CategoryNotify, "notify.disabled", err.Error(), map[string]any{"url": url})
		} else {
			defer publisher.Close()
			forwarder := notify.NewForwarder(a.hub, publisher, a.logger)
			g.Go(func() error { return forwarder.Run(gctx) })
		}
	}

	a.logger.Info(logging.CategoryServer, "server.starting", "chartshot "+version, map[string]any{
		"bind":      cfg.Server.Bind,
		"mode":      svc.Config().OutputMode,
		"history":   a.history != nil,
		"session":   cfg.Sessions.TTL.String(),
		"artifacts": a.artifacts.Dir(),
	})

	err = g.Wait()
	registry.Stop()
	a.logger.Info(logging.CategoryServer, "server.stopped", "shutdown complete", nil)
	return err
}
