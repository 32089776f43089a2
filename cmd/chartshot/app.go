package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/odvcencio/chartshot/pkg/artifact"
	"github.com/odvcencio/chartshot/pkg/browser"
	"github.com/odvcencio/chartshot/pkg/browser/adapters/cdp"
	"github.com/odvcencio/chartshot/pkg/capture"
	"github.com/odvcencio/chartshot/pkg/config"
	"github.com/odvcencio/chartshot/pkg/logging"
	"github.com/odvcencio/chartshot/pkg/storage"
	"github.com/odvcencio/chartshot/pkg/telemetry"
	"github.com/odvcencio/chartshot/pkg/tools"
)

// newRuntimeFn allows tests to replace Chrome with a fake runtime.
var newRuntimeFn = func(cfg config.CaptureConfig) (browser.Runtime, error) {
	return cdp.NewRuntime(cdp.Config{
		ExecPath: cfg.ExecPath,
		Headless: cfg.Headless,
	})
}

// app holds the components shared by serve, stdio and capture.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	hub       *telemetry.Hub
	artifacts *artifact.Store
	history   *storage.Store
	tracer    *telemetry.TracerProvider
	browsers  *browser.Manager
	pipeline  *capture.Pipeline
}

func newApp(cfg *config.Config, logOut io.Writer) (*app, error) {
	logger, err := newLogger(cfg.Logging, logOut)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, hub: telemetry.NewHub()}

	if cfg.Telemetry.Tracing {
		tp, err := telemetry.NewTracerProvider("chartshot", version, logOut)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.tracer = tp
	}

	store, err := artifact.NewStore(cfg.Artifacts.Dir)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.artifacts = store

	pcfg := capture.Config{
		Chart:   cfg.Chart,
		Capture: cfg.Capture,
		Store:   store,
		Logger:  logger,
		Hub:     a.hub,
	}
	if path := strings.TrimSpace(cfg.Storage.Path); path != "" {
		history, err := storage.New(path)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open capture history: %w", err)
		}
		a.history = history
		pcfg.History = history
	}

	runtime, err := newRuntimeFn(cfg.Capture)
	if err != nil {
		a.Close()
		return nil, withExitCode(err, exitUsage)
	}
	metrics := browser.NewMetrics()
	metrics.EnableTelemetry(a.hub)
	a.browsers = browser.NewManager(runtime, metrics)
	pcfg.Runtime = a.browsers
	a.pipeline = capture.New(pcfg)
	return a, nil
}

func newLogger(cfg config.LoggingConfig, out io.Writer) (*logging.Logger, error) {
	var logger *logging.Logger
	if dir := strings.TrimSpace(cfg.Dir); dir != "" {
		l, err := logging.Open(dir, out)
		if err != nil {
			return nil, err
		}
		logger = l
	} else {
		logger = logging.New(out)
	}
	logger.SetMinLevel(logging.ParseLevel(cfg.Level))
	return logger, nil
}

// tools builds the MCP tool service over the app's pipeline.
func (a *app) tools() *tools.Service {
	return tools.New(tools.Options{
		Capturer: a.pipeline,
		Chart:    a.cfg.Chart,
		Capture:  a.cfg.Capture,
		BaseURL:  a.cfg.Server.BaseURL,
		Version:  version,
		Logger:   a.logger,
	})
}

func (a *app) sweeper() *artifact.Sweeper {
	return artifact.NewSweeper(artifact.SweeperConfig{
		Dir:      a.artifacts.Dir(),
		TTL:      a.cfg.Artifacts.TTL,
		Interval: a.cfg.Artifacts.SweepInterval,
		Logger:   a.logger,
		Hub:      a.hub,
	})
}

// Close closes any browser still open, then flushes and closes the rest.
func (a *app) Close() error {
	var errs []error
	errs = append(errs, a.browsers.Close())
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.tracer.Shutdown(ctx))
		cancel()
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	a.hub.Close()
	errs = append(errs, a.logger.Close())
	return errors.Join(errs...)
}
