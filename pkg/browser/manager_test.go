package browser_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/chartshot/pkg/browser"
	"github.com/odvcencio/chartshot/pkg/browser/browsertest"
	"github.com/odvcencio/chartshot/pkg/telemetry"
)

func TestManager_TracksOpenBrowsers(t *testing.T) {
	hub := telemetry.NewHub()
	defer hub.Close()
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	metrics := browser.NewMetrics()
	metrics.EnableTelemetry(hub)
	rt := &browsertest.Runtime{}
	m := browser.NewManager(rt, metrics)

	b1, err := m.Launch(context.Background())
	require.NoError(t, err)
	_, err = m.Launch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, m.Active())

	require.NoError(t, b1.Close())
	require.NoError(t, b1.Close())
	assert.Equal(t, 1, m.Active())

	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.Active())
	assert.True(t, rt.AllReleased())

	snap := metrics.Snapshot()
	assert.Equal(t, int64(2), snap.Launched)
	assert.Equal(t, int64(2), snap.Closed)
	assert.Equal(t, int64(0), snap.Active)

	ev := <-events
	assert.Equal(t, telemetry.EventBrowserLaunched, ev.Type)

	_, err = m.Launch(context.Background())
	assert.ErrorIs(t, err, browser.ErrClosed)
}

func TestManager_LaunchFailure(t *testing.T) {
	hub := telemetry.NewHub()
	defer hub.Close()
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	boom := errors.New("no chrome")
	metrics := browser.NewMetrics()
	metrics.EnableTelemetry(hub)
	m := browser.NewManager(&browsertest.Runtime{LaunchErr: boom}, metrics)

	_, err := m.Launch(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), metrics.Snapshot().LaunchFailures)
	assert.Equal(t, 0, m.Active())

	ev := <-events
	assert.Equal(t, telemetry.EventBrowserLaunchFailed, ev.Type)
	assert.Equal(t, "no chrome", ev.Data["error"])
}

func TestManagerServesAsRuntime(t *testing.T) {
	var rt browser.Runtime = browser.NewManager(&browsertest.Runtime{}, nil)
	b, err := rt.Launch(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Close())
}

func TestManager_NilRuntime(t *testing.T) {
	var m *browser.Manager
	_, err := m.Launch(context.Background())
	assert.ErrorIs(t, err, browser.ErrUnavailable)
}

func TestWrapOp(t *testing.T) {
	assert.Nil(t, browser.WrapOp("navigate", "", nil))

	err := browser.WrapOp("wait", "https://x", context.DeadlineExceeded)
	assert.True(t, browser.IsTimeout(err))
	assert.ErrorIs(t, err, browser.ErrTimeout)
	assert.Contains(t, err.Error(), "browser wait https://x")

	var op *browser.OpError
	require.ErrorAs(t, err, &op)
	assert.Equal(t, "wait", op.Op)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, browser.IsRetryableError(nil))
	assert.False(t, browser.IsRetryableError(browser.WrapOp("screenshot", "", browser.ErrPageClosed)))
	assert.False(t, browser.IsRetryableError(context.Canceled))
	assert.True(t, browser.IsRetryableError(errors.New("encode failed")))
}

func TestImageFormat(t *testing.T) {
	assert.Equal(t, ".jpg", browser.ImageFormatJPEG.Extension())
	assert.Equal(t, ".png", browser.ImageFormatPNG.Extension())
	assert.Equal(t, "image/jpeg", browser.ImageFormatJPEG.MIMEType())
	assert.Equal(t, "image/png", browser.ImageFormat("").MIMEType())
}
