package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odvcencio/chartshot/pkg/config"
)

// loadConfigFn allows tests to stub configuration loading.
var loadConfigFn = func(path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

type rootOptions struct {
	configPath string
	logLevel   string
}

// load returns the effective configuration. Load and validation failures
// exit with code 2.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := loadConfigFn(o.configPath)
	if err != nil {
		return nil, withExitCode(err, exitUsage)
	}
	if level := strings.TrimSpace(o.logLevel); level != "" {
		cfg.Logging.Level = level
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "chartshot",
		Short: "MCP server that captures TradingView chart screenshots",
		Long: "chartshot drives a headless browser over the configured chart timeframes and " +
			"hands the screenshots to MCP clients (streamable HTTP, SSE or stdio) and to a REST API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	rootCmd.SetVersionTemplate(versionLine() + "\n")
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ~/.chartshot/config.yaml merged with ./.chartshot/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "minimum log level: debug, info, warn or error")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newStdioCmd(opts),
		newCaptureCmd(opts),
		newConfigCmd(opts),
		newEventsCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func versionLine() string {
	return fmt.Sprintf("chartshot %s (commit %s, built %s)", version, commit, buildDate)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), versionLine())
			return err
		},
	}
}
