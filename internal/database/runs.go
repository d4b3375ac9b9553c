package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const timeLayout = "2006-01-02 15:04:05"

// Now returns the current UTC time in the bookkeeping timestamp format.
func Now() string {
	return time.Now().UTC().Format(timeLayout)
}

// StartRun records a new run in the running state.
func (db *DB) StartRun(ctx context.Context, runID string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO run_reports (run_id, started_at, status) VALUES (?, ?, ?)`,
		runID, Now(), RunRunning,
	)
	return err
}

// FinishRun stores the final counters and status of a run.
func (db *DB) FinishRun(ctx context.Context, r *RunReport) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE run_reports SET finished_at = ?, status = ?, valid = ?,
		staged_movies = ?, staged_ratings = ?, dim_rows = ?, bridge_rows = ?, fact_rows = ?
		WHERE run_id = ?`,
		Now(), r.Status, r.Valid,
		r.StagedMovies, r.StagedRatings, r.DimRows, r.BridgeRows, r.FactRows,
		r.RunID,
	)
	return err
}

// GetRun returns the run with the given id, or nil if absent.
func (db *DB) GetRun(ctx context.Context, runID string) (*RunReport, error) {
	var r RunReport
	err := db.conn.GetContext(ctx, &r, `SELECT id, run_id, started_at, finished_at, status, valid,
		staged_movies, staged_ratings, dim_rows, bridge_rows, fact_rows
		FROM run_reports WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetLastRun returns the most recently started run, or nil if none exist.
func (db *DB) GetLastRun(ctx context.Context) (*RunReport, error) {
	var r RunReport
	err := db.conn.GetContext(ctx, &r, `SELECT id, run_id, started_at, finished_at, status, valid,
		staged_movies, staged_ratings, dim_rows, bridge_rows, fact_rows
		FROM run_reports ORDER BY started_at DESC, id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetStats returns aggregate run statistics.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	err := db.conn.GetContext(ctx, s, `SELECT
		COUNT(*) AS runs,
		COALESCE(SUM(status = 'succeeded'), 0) AS succeeded_runs,
		COALESCE(SUM(status = 'failed'), 0) AS failed_runs
		FROM run_reports`)
	if err != nil {
		return nil, err
	}
	return s, nil
}
