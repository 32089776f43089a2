package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/chartshot/pkg/capture"
	"github.com/odvcencio/chartshot/pkg/config"
	apperrors "github.com/odvcencio/chartshot/pkg/errors"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
	busyRetries      = 3
	busyBackoff      = 50 * time.Millisecond
)

// ErrRunNotFound is returned by GetCapture for unknown run ids.
var ErrRunNotFound = errors.New("storage: capture run not found")

// CaptureRun is the persisted summary of one pipeline run.
type CaptureRun struct {
	RunID      string           `json:"run_id"`
	Source     string           `json:"source,omitempty"`
	SessionID  string           `json:"session_id,omitempty"`
	Mode       string           `json:"mode"`
	Requested  []string         `json:"requested,omitempty"`
	Error      string           `json:"error,omitempty"`
	Captured   int              `json:"captured"`
	Failed     int              `json:"failed"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Attempts   []CaptureAttempt `json:"attempts,omitempty"`
}

// CaptureAttempt is the persisted outcome of one timeframe.
type CaptureAttempt struct {
	Position     int                   `json:"position"`
	Timeframe    config.Timeframe      `json:"timeframe"`
	Status       string                `json:"status"`
	Degraded     bool                  `json:"degraded,omitempty"`
	Retries      int                   `json:"retries,omitempty"`
	ArtifactName string                `json:"artifact_name,omitempty"`
	ArtifactSize int                   `json:"artifact_size,omitempty"`
	Studies      []capture.StudyResult `json:"studies,omitempty"`
	Error        string                `json:"error,omitempty"`
	StartedAt    time.Time             `json:"started_at"`
	FinishedAt   time.Time             `json:"finished_at"`
}

// RecordRun stores a finished run and its attempts. Recording the same run
// twice replaces the earlier row.
func (s *Store) RecordRun(ctx context.Context, res *capture.Result) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	if res == nil || res.RunID == "" {
		return apperrors.New(apperrors.ErrCodeStorageWrite, "capture result has no run id")
	}

	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		err = s.recordRun(ctx, res)
		if err == nil || !isBusyError(err) {
			break
		}
		select {
		case <-ctx.Done():
			return apperrors.Wrap(ctx.Err(), apperrors.ErrCodeStorageWrite, "record capture run")
		case <-time.After(busyBackoff * time.Duration(attempt+1)):
		}
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "record capture run").
			WithContext("run_id", res.RunID)
	}
	return nil
}

func (s *Store) recordRun(ctx context.Context, res *capture.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO capture_runs
			(run_id, source, session_id, mode, requested, error, captured, failed, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, res.Source, res.SessionID, string(res.Mode), strings.Join(res.Requested, ","),
		res.Error, len(res.Captured()), len(res.Failed()),
		formatTime(res.StartedAt), formatTime(res.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert capture run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM capture_attempts WHERE run_id = ?`, res.RunID); err != nil {
		return fmt.Errorf("clear capture attempts: %w", err)
	}

	for i, a := range res.Attempts {
		studies, err := json.Marshal(a.Studies)
		if err != nil {
			return fmt.Errorf("encode studies: %w", err)
		}
		var name string
		var size int
		if a.Artifact != nil {
			name = a.Artifact.Name
			size = a.Artifact.Size
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO capture_attempts
				(run_id, position, timeframe_value, timeframe_code, timeframe_label, status, degraded,
				 retries, artifact_name, artifact_size, studies_json, error, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			res.RunID, i, a.Timeframe.Value, a.Timeframe.Code, a.Timeframe.Label, string(a.Status), a.Degraded,
			a.Retries, name, size, string(studies), a.Error,
			formatTime(a.StartedAt), formatTime(a.FinishedAt),
		)
		if err != nil {
			return fmt.Errorf("insert capture attempt %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// ListCaptures returns the most recent runs, newest first, without attempts.
func (s *Store) ListCaptures(ctx context.Context, limit int) ([]CaptureRun, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, source, session_id, mode, requested, error, captured, failed, started_at, finished_at
		FROM capture_runs
		ORDER BY started_at DESC, run_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "list capture runs")
	}
	defer rows.Close()

	var runs []CaptureRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "scan capture run")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "list capture runs")
	}
	return runs, nil
}

// GetCapture returns one run with its attempts in request order.
func (s *Store) GetCapture(ctx context.Context, runID string) (*CaptureRun, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, source, session_id, mode, requested, error, captured, failed, started_at, finished_at
		FROM capture_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "get capture run").WithContext("run_id", runID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT position, timeframe_value, timeframe_code, timeframe_label, status, degraded, retries,
		       artifact_name, artifact_size, studies_json, error, started_at, finished_at
		FROM capture_attempts WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "list capture attempts")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a                 CaptureAttempt
			studies           string
			started, finished string
		)
		if err := rows.Scan(&a.Position, &a.Timeframe.Value, &a.Timeframe.Code, &a.Timeframe.Label,
			&a.Status, &a.Degraded, &a.Retries, &a.ArtifactName, &a.ArtifactSize, &studies, &a.Error,
			&started, &finished); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "scan capture attempt")
		}
		if studies != "" {
			if err := json.Unmarshal([]byte(studies), &a.Studies); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "decode studies")
			}
		}
		a.StartedAt = parseTime(started)
		a.FinishedAt = parseTime(finished)
		run.Attempts = append(run.Attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "list capture attempts")
	}
	return &run, nil
}

// Prune deletes runs that started before cutoff, with their attempts, and
// returns how many runs were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "prune capture runs")
	}
	defer tx.Rollback()

	before := formatTime(cutoff)
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM capture_attempts
		WHERE run_id IN (SELECT run_id FROM capture_runs WHERE started_at < ?)`, before); err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "prune capture attempts")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM capture_runs WHERE started_at < ?`, before)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "prune capture runs")
	}
	if err := tx.Commit(); err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "prune capture runs")
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (CaptureRun, error) {
	var (
		run               CaptureRun
		requested         string
		started, finished string
	)
	err := row.Scan(&run.RunID, &run.Source, &run.SessionID, &run.Mode, &requested, &run.Error,
		&run.Captured, &run.Failed, &started, &finished)
	if err != nil {
		return CaptureRun{}, err
	}
	if requested != "" {
		run.Requested = strings.Split(requested, ",")
	}
	run.StartedAt = parseTime(started)
	run.FinishedAt = parseTime(finished)
	return run, nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
