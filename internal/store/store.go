// Package store keeps a SQLite log of pipeline runs and their filtered
// detection results.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"framepipe/internal/detection"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Store handles SQLite database operations
type Store struct {
	db *sql.DB
}

// RunRecord represents one pipeline run
type RunRecord struct {
	ID            string
	StartedAt     time.Time
	EndedAt       *time.Time
	Source        string
	Shape         string
	IoUThreshold  float64
	ConfThreshold float64
	Error         string
}

// ResultRecord represents the filtered detections of one frame
type ResultRecord struct {
	ID          string
	RunID       string
	FrameSeq    uint64
	Timestamp   time.Time
	RawCount    int
	InferenceMs float64
	Detections  []detection.BoundingBox
}

// Open creates a new database connection and runs migrations
func Open(dbPath string) (*Store, error) {
	// Per-connection pragmas go in the DSN so every pooled connection gets them
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			source TEXT,
			shape TEXT,
			iou_threshold REAL,
			conf_threshold REAL,
			error TEXT DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS results (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			frame_seq INTEGER NOT NULL,
			timestamp DATETIME NOT NULL,
			raw_count INTEGER,
			detection_count INTEGER,
			inference_ms REAL,
			detections TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_run_seq ON results(run_id, frame_seq DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_results_time ON results(timestamp DESC)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// StartRun records the start of a pipeline run
func (s *Store) StartRun(ctx context.Context, run *RunRecord) error {
	query := `INSERT INTO runs (id, started_at, source, shape, iou_threshold, conf_threshold)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, run.ID, run.StartedAt.UTC(), run.Source, run.Shape,
		run.IoUThreshold, run.ConfThreshold)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// EndRun marks a run finished. runErr is stored when not nil.
func (s *Store) EndRun(ctx context.Context, id string, endedAt time.Time, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}

	res, err := s.db.ExecContext(ctx, "UPDATE runs SET ended_at = ?, error = ? WHERE id = ?", endedAt.UTC(), msg, id)
	if err != nil {
		return fmt.Errorf("failed to end run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end run %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `SELECT id, started_at, ended_at, source, shape, iou_threshold, conf_threshold, error
		FROM runs WHERE id = ?`

	var run RunRecord
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(&run.ID, &run.StartedAt, &endedAt, &run.Source,
		&run.Shape, &run.IoUThreshold, &run.ConfThreshold, &run.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return &run, nil
}

// SaveResult saves the filtered detections of one frame
func (s *Store) SaveResult(ctx context.Context, r *ResultRecord) error {
	detJSON, err := json.Marshal(r.Detections)
	if err != nil {
		return fmt.Errorf("failed to marshal detections: %w", err)
	}

	query := `INSERT INTO results
		(id, run_id, frame_seq, timestamp, raw_count, detection_count, inference_ms, detections)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query, r.ID, r.RunID, int64(r.FrameSeq), r.Timestamp.UTC(), r.RawCount,
		len(r.Detections), r.InferenceMs, string(detJSON))
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

const resultColumns = `id, run_id, frame_seq, timestamp, raw_count, inference_ms, detections`

// GetResult retrieves a result by ID
func (s *Store) GetResult(ctx context.Context, id string) (*ResultRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+resultColumns+" FROM results WHERE id = ?", id)

	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("result %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListResults returns results, newest frame first, with optional filtering
func (s *Store) ListResults(ctx context.Context, runID string, since *time.Time, limit int) ([]*ResultRecord, error) {
	query := "SELECT " + resultColumns + " FROM results WHERE 1=1"
	args := []any{}

	if runID != "" {
		query += " AND run_id = ?"
		args = append(args, runID)
	}

	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, since.UTC())
	}

	query += " ORDER BY timestamp DESC, frame_seq DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var results []*ResultRecord
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CountResults returns the number of stored results of a run
func (s *Store) CountResults(ctx context.Context, runID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM results WHERE run_id = ?", runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count results: %w", err)
	}
	return n, nil
}

// DeleteOldResults deletes results older than the specified time
func (s *Store) DeleteOldResults(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM results WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old results: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*ResultRecord, error) {
	var r ResultRecord
	var seq int64
	var detJSON string

	if err := row.Scan(&r.ID, &r.RunID, &seq, &r.Timestamp, &r.RawCount, &r.InferenceMs, &detJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan result: %w", err)
	}
	r.FrameSeq = uint64(seq)

	if detJSON != "" {
		if err := json.Unmarshal([]byte(detJSON), &r.Detections); err != nil {
			return nil, fmt.Errorf("failed to unmarshal detections: %w", err)
		}
	}
	return &r, nil
}
