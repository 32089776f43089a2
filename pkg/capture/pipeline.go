// Package capture drives a headless browser through the chart capture steps
// for each requested timeframe.
package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/codes"

	"github.com/odvcencio/chartshot/pkg/artifact"
	"github.com/odvcencio/chartshot/pkg/browser"
	"github.com/odvcencio/chartshot/pkg/chart"
	"github.com/odvcencio/chartshot/pkg/config"
	apperrors "github.com/odvcencio/chartshot/pkg/errors"
	"github.com/odvcencio/chartshot/pkg/logging"
	"github.com/odvcencio/chartshot/pkg/telemetry"
)

// Recorder persists finished runs.
type Recorder interface {
	RecordRun(ctx context.Context, res *Result) error
}

// Config wires a Pipeline. Runtime, URLs and Chart are required; Store is
// required for ModePersist.
type Config struct {
	Runtime browser.Runtime
	URLs    chart.URLBuilder
	Chart   config.ChartConfig
	Capture config.CaptureConfig
	Store   *artifact.Store

	Logger  *logging.Logger
	Hub     telemetry.Publisher
	History Recorder

	// Sleep waits d or until ctx ends. Tests replace it to skip settle delays.
	Sleep    func(ctx context.Context, d time.Duration) error
	Now      func() time.Time
	NewRunID func() string
}

// Pipeline runs capture requests. Runs share no state and may execute
// concurrently; each launches its own browser.
type Pipeline struct {
	runtime  browser.Runtime
	urls     chart.URLBuilder
	chart    config.ChartConfig
	opts     config.CaptureConfig
	store    *artifact.Store
	logger   *logging.Logger
	hub      telemetry.Publisher
	history  Recorder
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	newRunID func() string
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewRunID == nil {
		cfg.NewRunID = func() string { return ulid.Make().String() }
	}
	if cfg.URLs == nil {
		cfg.URLs = chart.NewWidgetURLs(cfg.Chart)
	}
	return &Pipeline{
		runtime:  cfg.Runtime,
		urls:     cfg.URLs,
		chart:    cfg.Chart,
		opts:     cfg.Capture,
		store:    cfg.Store,
		logger:   cfg.Logger,
		hub:      cfg.Hub,
		history:  cfg.History,
		sleep:    cfg.Sleep,
		now:      cfg.Now,
		newRunID: cfg.NewRunID,
	}
}

// Timeframes returns the configured timeframes.
func (p *Pipeline) Timeframes() []config.Timeframe {
	return p.chart.Timeframes
}

// Run captures every selected timeframe in order. The result always holds
// one attempt per selected timeframe. A hard failure (launch, page open,
// navigation, cancellation) marks the failing and all remaining attempts
// failed and is returned alongside the result; attempts captured before it
// are kept.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Mode == "" {
		req.Mode = ModeBuffer
	}
	selected := chart.SelectTimeframes(p.chart.Timeframes, req.Timeframes)
	res := &Result{
		RunID:     p.newRunID(),
		Source:    req.Source,
		SessionID: req.SessionID,
		Mode:      req.Mode,
		Requested: req.Timeframes,
		Attempts:  make([]Attempt, len(selected)),
		StartedAt: p.now(),
	}
	for i, tf := range selected {
		res.Attempts[i] = Attempt{Timeframe: tf, Status: StatusPending}
	}
	log := p.logger.WithSession(req.SessionID)

	if len(selected) == 0 {
		res.FinishedAt = p.now()
		log.Info(logging.CategoryCapture, "capture.empty", "no timeframes matched", map[string]any{
			"run_id":    res.RunID,
			"requested": req.Timeframes,
		})
		p.record(ctx, res)
		return res, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "capture.run",
		telemetry.AttrRunID.String(res.RunID),
		telemetry.AttrSessionID.String(req.SessionID),
		telemetry.AttrOutput.String(string(req.Mode)),
	)
	defer span.End()

	p.publish(telemetry.EventCaptureStarted, res, map[string]any{
		"timeframes": chart.Codes(selected),
		"mode":       string(req.Mode),
		"source":     req.Source,
	})

	err := p.run(ctx, req, res)
	res.FinishedAt = p.now()

	captured := len(res.Captured())
	data := map[string]any{
		"captured":    captured,
		"failed":      len(res.Attempts) - captured,
		"duration_ms": res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
		"source":      req.Source,
	}
	if err != nil {
		res.Error = err.Error()
		telemetry.RecordError(ctx, err)
		span.SetStatus(codes.Error, err.Error())
		data["error"] = err.Error()
		log.Error(logging.CategoryCapture, "capture.failed", err.Error(), data)
		p.publish(telemetry.EventCaptureFailed, res, data)
	} else {
		log.Info(logging.CategoryCapture, "capture.completed", fmt.Sprintf("captured %d of %d charts", captured, len(res.Attempts)), data)
		p.publish(telemetry.EventCaptureCompleted, res, data)
	}
	p.record(ctx, res)
	return res, err
}

func (p *Pipeline) run(ctx context.Context, req Request, res *Result) error {
	if req.Mode == ModePersist && p.store == nil {
		err := apperrors.New(apperrors.ErrCodeInternal, "persist mode requires an artifact store")
		abort(res, 0, err)
		return err
	}
	if p.runtime == nil {
		err := apperrors.Wrap(browser.ErrUnavailable, apperrors.ErrCodeBrowserLaunch, "launch browser")
		abort(res, 0, err)
		return err
	}

	viewport, shot := p.render(req.Render)
	log := p.logger.WithSession(req.SessionID)

	b, err := p.runtime.Launch(ctx)
	if err != nil {
		werr := apperrors.Wrap(err, apperrors.ErrCodeBrowserLaunch, "launch browser").
			WithRemediation("Install Chrome or Chromium, or set capture.exec_path / CHARTSHOT_CHROME_PATH")
		abort(res, 0, werr)
		return werr
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn(logging.CategoryCapture, "browser.close_failed", err.Error(), map[string]any{"run_id": res.RunID})
		}
	}()

	bc, err := b.NewContext(ctx, browser.ContextConfig{
		Viewport: viewport,
		Locale:   p.opts.Locale,
		Timezone: p.opts.Timezone,
	})
	if err != nil {
		werr := apperrors.Wrap(err, apperrors.ErrCodeBrowserLaunch, "open browser context")
		abort(res, 0, werr)
		return werr
	}
	defer func() {
		if err := bc.Close(); err != nil {
			log.Warn(logging.CategoryCapture, "context.close_failed", err.Error(), map[string]any{"run_id": res.RunID})
		}
	}()

	total := len(res.Attempts)
	for i := range res.Attempts {
		a := &res.Attempts[i]
		if err := ctx.Err(); err != nil {
			abort(res, i, err)
			return err
		}
		p.progress(req, i, total, a, fmt.Sprintf("Loading %s chart", a.Timeframe.Label))

		err := p.attempt(ctx, bc, req, res.RunID, a, shot)
		p.publishAttempt(res, a)
		p.progress(req, i, total, a, attemptMessage(a))
		if err != nil {
			abort(res, i+1, err)
			return err
		}
	}
	return nil
}

// attempt walks one timeframe through the capture steps. Only hard failures
// are returned; screenshot failures stay on the attempt.
func (p *Pipeline) attempt(ctx context.Context, bc browser.Context, req Request, runID string, a *Attempt, shot browser.ScreenshotOptions) error {
	tf := a.Timeframe
	ctx, span := telemetry.StartSpan(ctx, "capture.attempt",
		telemetry.AttrRunID.String(runID),
		telemetry.AttrTimeframe.String(tf.Code),
	)
	defer func() {
		span.SetAttributes(telemetry.AttrStatus.String(string(a.Status)))
		span.End()
	}()

	log := p.logger.WithSession(req.SessionID)
	details := func(extra map[string]any) map[string]any {
		d := map[string]any{"run_id": runID, "timeframe": tf.Code}
		for k, v := range extra {
			d[k] = v
		}
		return d
	}

	a.StartedAt = p.now()
	defer func() { a.FinishedAt = p.now() }()

	page, err := bc.NewPage(ctx)
	if err != nil {
		werr := apperrors.Wrap(err, apperrors.ErrCodeBrowserLaunch, "open page").WithContext("timeframe", tf.Code)
		a.fail(werr.Error())
		return werr
	}
	defer func() {
		if err := page.Close(); err != nil {
			log.Debug(logging.CategoryCapture, "page.close_failed", err.Error(), details(nil))
		}
	}()

	if err := page.DismissDialogs(ctx); err != nil {
		log.Warn(logging.CategoryCapture, "capture.dialog_handler_failed", err.Error(), details(nil))
	}

	url := p.urls.ChartURL(tf)
	log.Info(logging.CategoryCapture, "capture.loading", fmt.Sprintf("Loading %s chart", tf.Label), details(nil))
	if err := p.withTimeout(ctx, p.opts.NavigationTimeout, func(ctx context.Context) error {
		return page.Navigate(ctx, url)
	}); err != nil {
		werr := apperrors.Wrap(err, apperrors.ErrCodeNavigationFailure, "navigate to chart").
			WithContext("timeframe", tf.Code).
			WithRetryable(browser.IsRetryableError(err))
		a.fail(werr.Error())
		return werr
	}
	a.Status = StatusLoaded

	if err := p.withTimeout(ctx, p.opts.ReadyTimeout, func(ctx context.Context) error {
		return page.WaitVisible(ctx, p.opts.ReadySelector)
	}); err != nil {
		if ctx.Err() != nil {
			a.fail(ctx.Err().Error())
			return ctx.Err()
		}
		a.Status = StatusDegraded
		a.Degraded = true
		log.Warn(logging.CategoryCapture, "capture.ready_timeout",
			fmt.Sprintf("%s not found for %s, capturing anyway", p.opts.ReadySelector, tf.Label), details(nil))
	} else {
		a.Status = StatusReady
	}

	if err := p.sleep(ctx, p.opts.SettleDelay); err != nil {
		a.fail(err.Error())
		return err
	}

	if len(p.opts.OverlaySelectors) > 0 {
		if err := page.Evaluate(ctx, overlayScript(p.opts.OverlaySelectors), nil); err != nil {
			log.Debug(logging.CategoryCapture, "capture.overlay_failed", err.Error(), details(nil))
		}
	}

	a.Studies = p.injectStudies(ctx, page, log, details)
	a.Status = StatusStudiesApplied

	if err := p.sleep(ctx, p.opts.StudySettleDelay); err != nil {
		a.fail(err.Error())
		return err
	}
	if len(p.opts.ConfirmButtons) > 0 {
		if err := page.Evaluate(ctx, confirmScript(p.opts.ConfirmButtons), nil); err != nil {
			log.Debug(logging.CategoryCapture, "capture.confirm_failed", err.Error(), details(nil))
		}
	}
	if err := p.sleep(ctx, p.opts.DialogSettleDelay); err != nil {
		a.fail(err.Error())
		return err
	}

	art, retries, err := p.screenshot(ctx, page, req.Mode, tf, shot, log, details)
	a.Retries = retries
	if err != nil {
		if ctx.Err() != nil {
			a.fail(ctx.Err().Error())
			return ctx.Err()
		}
		a.fail(err.Error())
		log.Error(logging.CategoryCapture, "capture.screenshot_failed", err.Error(), details(map[string]any{"retries": retries}))
		return nil
	}
	a.Artifact = art
	a.Status = StatusCaptured
	if art.Name != "" {
		log.Info(logging.CategoryCapture, "capture.saved", "Saved: "+art.Name, details(map[string]any{"bytes": art.Size}))
	} else {
		log.Info(logging.CategoryCapture, "capture.captured", "Captured: "+tf.Label, details(map[string]any{"bytes": art.Size}))
	}
	return nil
}

// injectStudies never fails the attempt. A page without a chart widget
// marks every study failed with the page's reason.
func (p *Pipeline) injectStudies(ctx context.Context, page browser.Page, log *logging.Logger, details func(map[string]any) map[string]any) []StudyResult {
	studies := p.chart.Studies
	if len(studies) == 0 {
		return nil
	}

	results := make([]StudyResult, len(studies))
	for i, s := range studies {
		results[i] = StudyResult{ID: s.ID}
	}

	var out studyOutcome
	if err := page.Evaluate(ctx, studyScript(studies), &out); err != nil {
		out = studyOutcome{Error: err.Error()}
	}
	if !out.OK {
		reason := out.Error
		if reason == "" {
			reason = "unknown"
		}
		log.Warn(logging.CategoryCapture, "capture.study_injection_failed", "study injection failed - "+reason, details(nil))
		for i := range results {
			results[i].Error = reason
		}
		return results
	}

	byID := make(map[string]int, len(results))
	for i, r := range results {
		byID[r.ID] = i
	}
	for _, r := range out.Results {
		i, ok := byID[r.ID]
		if !ok {
			continue
		}
		results[i].Applied = r.OK
		results[i].Error = r.Error
	}
	for i := range results {
		r := &results[i]
		if r.Applied {
			log.Debug(logging.CategoryCapture, "capture.study_applied", "Added: "+r.ID, details(nil))
			continue
		}
		if r.Error == "" {
			r.Error = "no result reported"
		}
		log.Warn(logging.CategoryCapture, "capture.study_failed", fmt.Sprintf("%s failed - %s", r.ID, r.Error), details(nil))
	}
	return results
}

// screenshot captures the page. Persist mode retries the capture and the
// write together up to MaxRetries extra times; buffer mode tries once.
func (p *Pipeline) screenshot(ctx context.Context, page browser.Page, mode OutputMode, tf config.Timeframe, shot browser.ScreenshotOptions, log *logging.Logger, details func(map[string]any) map[string]any) (*Artifact, int, error) {
	retries := 0
	if mode == ModePersist {
		retries = p.opts.MaxRetries
	}

	var name string
	if mode == ModePersist {
		name = p.store.NewName(p.chart.Symbol, tf.Code, shot.Format)
	}

	for try := 0; ; try++ {
		art, err := p.captureOnce(ctx, page, mode, name, shot)
		if err == nil {
			return art, try, nil
		}
		if try >= retries || ctx.Err() != nil {
			return nil, try, apperrors.Wrap(err, apperrors.ErrCodeCaptureFailure, "capture screenshot").
				WithContext("timeframe", tf.Code).
				WithContext("attempts", try+1)
		}
		log.Warn(logging.CategoryCapture, "capture.retry",
			fmt.Sprintf("Retry %d/%d for %s", try+1, retries, tf.Code), details(map[string]any{"error": err.Error()}))
		if err := p.sleep(ctx, p.opts.RetryDelay); err != nil {
			return nil, try, err
		}
	}
}

func (p *Pipeline) captureOnce(ctx context.Context, page browser.Page, mode OutputMode, name string, shot browser.ScreenshotOptions) (*Artifact, error) {
	data, err := page.Screenshot(ctx, shot)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, browser.ErrEmptyCapture
	}
	art := &Artifact{Format: shot.Format, Size: len(data)}
	if mode != ModePersist {
		art.Data = data
		return art, nil
	}
	path, err := p.store.Write(name, data)
	if err != nil {
		return nil, err
	}
	art.Name = name
	art.Path = path
	return art, nil
}

func (p *Pipeline) render(opts RenderOptions) (browser.Viewport, browser.ScreenshotOptions) {
	vp := opts.Viewport
	if vp.Width <= 0 || vp.Height <= 0 {
		vp = browser.Viewport{Width: p.opts.Viewport.Width, Height: p.opts.Viewport.Height}
	}
	if vp.DeviceScaleFactor <= 0 {
		vp.DeviceScaleFactor = 1
	}
	shot := browser.ScreenshotOptions{Format: opts.Format, Quality: opts.Quality}
	if shot.Format == "" {
		shot.Format = browser.ImageFormatPNG
	}
	if shot.Format == browser.ImageFormatJPEG && shot.Quality <= 0 {
		shot.Quality = p.opts.JPEGQuality
	}
	if shot.Format == browser.ImageFormatPNG {
		shot.Quality = 0
	}
	return vp, shot
}

func (p *Pipeline) withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}

func (p *Pipeline) progress(req Request, i, total int, a *Attempt, msg string) {
	if req.Progress == nil {
		return
	}
	req.Progress(Progress{Index: i, Total: total, Timeframe: a.Timeframe, Status: a.Status, Message: msg})
}

func (p *Pipeline) publish(t telemetry.EventType, res *Result, data map[string]any) {
	if p.hub == nil {
		return
	}
	p.hub.Publish(telemetry.Event{Type: t, SessionID: res.SessionID, RunID: res.RunID, Data: data})
}

func (p *Pipeline) publishAttempt(res *Result, a *Attempt) {
	data := map[string]any{
		"timeframe": a.Timeframe.Code,
		"status":    string(a.Status),
		"degraded":  a.Degraded,
		"retries":   a.Retries,
	}
	if a.Error != "" {
		data["error"] = a.Error
	}
	p.publish(telemetry.EventCaptureAttempt, res, data)
}

func (p *Pipeline) record(ctx context.Context, res *Result) {
	if p.history == nil {
		return
	}
	if err := p.history.RecordRun(context.WithoutCancel(ctx), res); err != nil {
		p.logger.Warn(logging.CategoryStorage, "history.record_failed", err.Error(), map[string]any{"run_id": res.RunID})
	}
}

// abort fails every attempt from index from onward that has not reached a
// terminal state.
func abort(res *Result, from int, err error) {
	reason := "aborted: " + err.Error()
	for i := from; i < len(res.Attempts); i++ {
		if !res.Attempts[i].Status.Terminal() {
			res.Attempts[i].fail(reason)
		}
	}
}

func attemptMessage(a *Attempt) string {
	switch a.Status {
	case StatusCaptured:
		if a.Degraded {
			return fmt.Sprintf("Captured %s (chart not confirmed ready)", a.Timeframe.Label)
		}
		return "Captured " + a.Timeframe.Label
	case StatusFailed:
		return fmt.Sprintf("Failed %s: %s", a.Timeframe.Label, a.Error)
	default:
		return fmt.Sprintf("%s: %s", a.Timeframe.Label, a.Status)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
