package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

func newStdioCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve a single MCP session over stdin and stdout",
		Long:  "stdio speaks MCP on stdin/stdout for clients that spawn chartshot as a subprocess. Logs go to stderr.",
		Args:  cobra.NoArgs,
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
			a.sweeper().Start(ctx)

			stdio := server.NewStdioServer(a.tools().NewServer())
			stdio.SetErrorLogger(log.New(cmd.ErrOrStderr(), "chartshot: ", log.LstdFlags))
			err = stdio.Listen(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
