// Package artifact persists screenshots under a single directory and sweeps
// expired ones.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/chartshot/pkg/browser"
	apperrors "github.com/odvcencio/chartshot/pkg/errors"
)

// Store writes and resolves artifacts in one flat directory.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore creates dir if needed and returns a Store rooted there.
func NewStore(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeArtifactWrite, "resolve artifact dir")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeArtifactWrite, "create artifact dir").
			WithContext("dir", abs)
	}
	return &Store{dir: abs, now: time.Now}, nil
}

// Dir returns the absolute artifact directory.
func (s *Store) Dir() string {
	return s.dir
}

// NewName returns a fresh file name of the form
// SYMBOL_CODE_YYYY-MM-DD_HH-MM_<ULID>.ext. The ULID suffix keeps names
// unique across concurrent runs finishing in the same minute.
func (s *Store) NewName(symbol, code string, format browser.ImageFormat) string {
	now := s.now()
	return fmt.Sprintf("%s_%s_%s_%s%s",
		sanitize(symbol),
		sanitize(code),
		now.Format("2006-01-02_15-04"),
		ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		format.Extension(),
	)
}

// Write stores data under name and returns the full path. The file appears
// atomically so concurrent readers never see a partial image.
func (s *Store) Write(name string, data []byte) (string, error) {
	base, err := baseName(name)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(s.dir, partialPrefix+"*")
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeArtifactWrite, "create temp file")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return "", apperrors.Wrap(err, apperrors.ErrCodeArtifactWrite, "write artifact").WithContext("name", base)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", apperrors.Wrap(err, apperrors.ErrCodeArtifactWrite, "close artifact").WithContext("name", base)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return "", apperrors.Wrap(err, apperrors.ErrCodeArtifactWrite, "chmod artifact").WithContext("name", base)
	}

	path := filepath.Join(s.dir, base)
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return "", apperrors.Wrap(err, apperrors.ErrCodeArtifactWrite, "publish artifact").WithContext("name", base)
	}
	return path, nil
}

// Resolve maps a client-supplied name to a file inside the store. Only the
// base name is honoured, so "../x.png" resolves to "x.png" in the store.
func (s *Store) Resolve(name string) (string, os.FileInfo, error) {
	base, err := baseName(name)
	if err != nil {
		return "", nil, err
	}
	path := filepath.Join(s.dir, base)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || !isImage(base) {
		return "", nil, apperrors.New(apperrors.ErrCodeArtifactNotFound, "Image not found").
			WithContext("name", base)
	}
	return path, info, nil
}

func baseName(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if base == "/" || base == "." || base == ".." || strings.HasPrefix(base, ".") {
		return "", apperrors.New(apperrors.ErrCodeArtifactNotFound, "Image not found").
			WithContext("name", name)
	}
	return base, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, s)
}

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// partialPrefix marks files Write has not yet renamed into place.
const partialPrefix = ".partial-"

func isPartial(name string) bool {
	return strings.HasPrefix(name, partialPrefix)
}

func isImage(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// ContentType returns the MIME type for an artifact name.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "image/png"
	}
}
