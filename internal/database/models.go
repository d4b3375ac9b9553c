package database

// RunReport holds bookkeeping for one pipeline execution.
type RunReport struct {
	ID            int64   `db:"id"`
	RunID         string  `db:"run_id"`
	StartedAt     string  `db:"started_at"`
	FinishedAt    *string `db:"finished_at"`
	Status        string  `db:"status"`
	Valid         *bool   `db:"valid"`
	StagedMovies  int64   `db:"staged_movies"`
	StagedRatings int64   `db:"staged_ratings"`
	DimRows       int64   `db:"dim_rows"`
	BridgeRows    int64   `db:"bridge_rows"`
	FactRows      int64   `db:"fact_rows"`
}

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// ValidationResult is one persisted quality check outcome.
type ValidationResult struct {
	ID         int64   `db:"id"`
	RunID      string  `db:"run_id"`
	CheckName  string  `db:"check_name"`
	Violations int64   `db:"violations"`
	Severity   string  `db:"severity"`
	Passed     bool    `db:"passed"`
	Error      *string `db:"error"`
	CheckedAt  *string `db:"checked_at"`
}

// RelationStat is the row count of one pipeline relation.
type RelationStat struct {
	Name   string
	Exists bool
	Rows   int64
}

// Stats contains aggregate bookkeeping statistics.
type Stats struct {
	Runs          int `db:"runs"`
	SucceededRuns int `db:"succeeded_runs"`
	FailedRuns    int `db:"failed_runs"`
}
