package database

import (
	"context"
	"fmt"
)

// InsertValidationResults stores the outcome of every check for a run.
func (db *DB) InsertValidationResults(ctx context.Context, runID string, results []ValidationResult) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin validation insert: %w", err)
	}
	defer tx.Rollback()

	for _, r := range results {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO validation_results (run_id, check_name, violations, severity, passed, error)
			VALUES (?, ?, ?, ?, ?, ?)`,
			runID, r.CheckName, r.Violations, r.Severity, r.Passed, r.Error,
		); err != nil {
			return fmt.Errorf("inserting validation result %s: %w", r.CheckName, err)
		}
	}
	return tx.Commit()
}

// GetValidationResults returns the checks recorded for a run in insertion order.
func (db *DB) GetValidationResults(ctx context.Context, runID string) ([]ValidationResult, error) {
	var results []ValidationResult
	err := db.conn.SelectContext(ctx, &results,
		`SELECT id, run_id, check_name, violations, severity, passed, error, checked_at
		FROM validation_results WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	return results, nil
}
