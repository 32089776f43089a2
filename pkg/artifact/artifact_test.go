package artifact

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/chartshot/pkg/browser"
	apperrors "github.com/odvcencio/chartshot/pkg/errors"
	"github.com/odvcencio/chartshot/pkg/logging"
	"github.com/odvcencio/chartshot/pkg/telemetry"
)

func TestStore_NewNameIsUnique(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	fixed := time.Date(2026, 3, 4, 9, 5, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	a := s.NewName("XAUUSD", "5M", browser.ImageFormatPNG)
	b := s.NewName("XAUUSD", "5M", browser.ImageFormatPNG)

	pattern := regexp.MustCompile(`^XAUUSD_5M_2026-03-04_09-05_[0-9A-HJKMNP-TV-Z]{26}\.png$`)
	assert.Regexp(t, pattern, a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, ".jpg", filepath.Ext(s.NewName("XAUUSD", "1H", browser.ImageFormatJPEG)))
	assert.Equal(t, "OANDA-XAU_1H", s.NewName("OANDA:XAU", "1H", browser.ImageFormatPNG)[:12])
}

func TestStore_WriteAndResolve(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "shots"))
	require.NoError(t, err)

	path, err := s.Write("a.png", []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), "a.png"), path)

	got, info, err := s.Resolve("a.png")
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, int64(3), info.Size())

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files should remain")
}

func TestStore_ResolveRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	s, err := NewStore(filepath.Join(root, "shots"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.png"), []byte("x"), 0o644))
	_, err = s.Write("inside.png", []byte("x"))
	require.NoError(t, err)

	for _, name := range []string{"../secret.png", "..", "", ".", "..\\secret.png", "/etc/passwd", ".partial-1"} {
		_, _, err := s.Resolve(name)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeArtifactNotFound), "name %q: %v", name, err)
	}

	path, _, err := s.Resolve("../../inside.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), "inside.png"), path)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/jpeg", ContentType("a.JPG"))
	assert.Equal(t, "image/jpeg", ContentType("a.jpeg"))
	assert.Equal(t, "image/png", ContentType("a.png"))
}

func writeAged(t *testing.T, dir, name string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestSweeper_RemovesOnlyExpiredImages(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	writeAged(t, dir, "old.png", now.Add(-31*time.Minute))
	writeAged(t, dir, "fresh.png", now.Add(-5*time.Minute))
	writeAged(t, dir, "old.txt", now.Add(-2*time.Hour))
	writeAged(t, dir, "old.JPEG", now.Add(-40*time.Minute))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.png"), 0o755))

	hub := telemetry.NewHub()
	defer hub.Close()
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	var logs bytes.Buffer
	sw := NewSweeper(SweeperConfig{Dir: dir, TTL: 30 * time.Minute, Logger: logging.New(&logs), Hub: hub})

	removed, err := sw.Sweep(now)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for name, wantExists := range map[string]bool{
		"old.png":    false,
		"old.JPEG":   false,
		"fresh.png":  true,
		"old.txt":    true,
		"nested.png": true,
	} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.Equal(t, wantExists, err == nil, name)
	}

	ev := <-events
	assert.Equal(t, telemetry.EventArtifactSwept, ev.Type)
	assert.Equal(t, 2, ev.Data["removed"])
	assert.Contains(t, logs.String(), `"removed":2`)
}

func TestSweeper_OneExpiredOneFresh(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeAged(t, dir, "a.png", now.Add(-31*time.Minute))
	writeAged(t, dir, "b.png", now.Add(-5*time.Minute))

	removed, err := NewSweeper(SweeperConfig{Dir: dir, TTL: 30 * time.Minute}).Sweep(now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestSweeper_FailedRemovalDoesNotStopSweep(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for _, name := range []string{"a.png", "locked.png", "c.png"} {
		writeAged(t, dir, name, now.Add(-time.Hour))
	}

	var logs bytes.Buffer
	sw := NewSweeper(SweeperConfig{Dir: dir, TTL: 30 * time.Minute, Logger: logging.New(&logs)})
	sw.remove = func(path string) error {
		if filepath.Base(path) == "locked.png" {
			return os.ErrPermission
		}
		return os.Remove(path)
	}

	removed, err := sw.Sweep(now)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for name, wantExists := range map[string]bool{"a.png": false, "locked.png": true, "c.png": false} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.Equal(t, wantExists, err == nil, name)
	}
	assert.Contains(t, logs.String(), "sweep.remove_failed")
	assert.Contains(t, logs.String(), "locked.png")
}

func TestSweeper_RemovesAbandonedPartialFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	writeAged(t, dir, ".partial-123", now.Add(-time.Hour))
	writeAged(t, dir, ".partial-456", now.Add(-time.Minute))

	removed, err := NewSweeper(SweeperConfig{Dir: dir, TTL: 30 * time.Minute}).Sweep(now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(filepath.Join(dir, ".partial-123"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, ".partial-456"))
	assert.NoError(t, err)
}

func TestSweeper_MissingDir(t *testing.T) {
	sw := NewSweeper(SweeperConfig{Dir: filepath.Join(t.TempDir(), "missing")})
	removed, err := sw.Sweep(time.Now())
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestSweeper_Defaults(t *testing.T) {
	sw := NewSweeper(SweeperConfig{Dir: "x"})
	assert.Equal(t, 30*time.Minute, sw.ttl)
	assert.Equal(t, time.Minute, sw.interval)
}
