package storage

import (
	"database/sql"
	_ "embed"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	apperrors "github.com/odvcencio/chartshot/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

// Store persists capture run history in SQLite.
type Store struct {
	db *sql.DB
}

// ErrStoreClosed indicates the underlying database connection is unavailable.
var ErrStoreClosed = errors.New("storage: closed")

var pragmas = []struct {
	name string
	sql  string
}{
	{"journal_mode", "PRAGMA journal_mode = WAL"},
	{"busy_timeout", "PRAGMA busy_timeout = 5000"},
	{"foreign_keys", "PRAGMA foreign_keys = ON"},
}

// New opens (creating if needed) the capture history database at dsn and
// brings its schema up to date. dsn may be a file path, a file: URI or
// ":memory:". On-disk databases are created owner-only.
func New(dsn string) (*Store, error) {
	path, onDisk := diskPath(dsn)
	if onDisk {
		if err := prepareDBFile(path); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "open database")
	}
	if onDisk {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	} else {
		// Every connection to an in-memory database sees its own copy.
		db.SetMaxOpenConns(1)
	}

	for _, p := range pragmas {
		if _, err := db.Exec(p.sql); err != nil {
			db.Close()
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "set "+p.name)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "migrate schema")
	}
	return &Store{db: db}, nil
}

// diskPath extracts the filesystem path from dsn. In-memory and non-file
// DSNs report false.
func diskPath(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "", dsn == ":memory:":
		return "", false
	case strings.HasPrefix(dsn, "file:"):
		u, err := url.Parse(dsn)
		if err != nil {
			return "", false
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" || path == ":memory:" || u.Query().Get("mode") == "memory" {
			return "", false
		}
		return path, true
	case strings.Contains(dsn, "://"):
		return "", false
	}
	return dsn, true
}

// prepareDBFile creates the parent directory (0700) and an empty 0600
// database file when neither exists yet. Existing files keep their mode.
func prepareDBFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "create database directory").
				WithContext("path", dir)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	switch {
	case err == nil:
		return f.Close()
	case errors.Is(err, os.ErrExist):
		return nil
	}
	return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "create database file").
		WithContext("path", path)
}

// Close closes the database. It is safe on a nil Store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}
