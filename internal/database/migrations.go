package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations covers only the bookkeeping tables. Staging and warehouse
// relations are created by the stages themselves on every run.
var migrations = []Migration{
	{
		Version:     1,
		Description: "run bookkeeping",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS run_reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT UNIQUE NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    status TEXT NOT NULL CHECK(status IN ('running', 'succeeded', 'failed')),
    valid INTEGER,
    staged_movies INTEGER DEFAULT 0,
    staged_ratings INTEGER DEFAULT 0,
    dim_rows INTEGER DEFAULT 0,
    bridge_rows INTEGER DEFAULT 0,
    fact_rows INTEGER DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_run_reports_started ON run_reports(started_at);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "validation results",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS validation_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    check_name TEXT NOT NULL,
    violations INTEGER NOT NULL DEFAULT 0,
    severity TEXT NOT NULL CHECK(severity IN ('ok', 'warning', 'error')),
    passed INTEGER NOT NULL,
    error TEXT,
    checked_at TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_validation_results_run ON validation_results(run_id);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
