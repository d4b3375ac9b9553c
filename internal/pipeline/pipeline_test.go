package pipeline

import (
	"archive/zip"
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TobiSchelling/movielens-etl/internal/analytics"
	"github.com/TobiSchelling/movielens-etl/internal/config"
	"github.com/TobiSchelling/movielens-etl/internal/database"
	"github.com/TobiSchelling/movielens-etl/internal/report"
)

const moviesCSV = "movieId,title,genres\n1,A,Comedy|Drama\n2,B,Comedy\n"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Source: config.Source{
			URL:          "http://127.0.0.1:1/ml.zip",
			ArchiveName:  "ml.zip",
			ExtractedDir: "ml",
			MoviesFile:   "movies.csv",
			RatingsFile:  "ratings.csv",
		},
		Staging: config.Staging{ChunkSize: 40},
		Output:  config.Output{DataDir: t.TempDir(), Workbook: true, Summary: true},
		Logging: config.Logging{Level: "info"},
	}
}

func openTestDB(t *testing.T, cfg *config.Config) *database.DB {
	t.Helper()
	db, err := database.Open(cfg.DBPath())
	require.NoError(t, err, "failed to open test db")
	t.Cleanup(func() { db.Close() })
	return db
}

// ratingsCSV rates movie 1 150 times at 4.5 and movie 2 50 times at 2.0,
// followed by any extra lines.
func ratingsCSV(extra ...string) string {
	var b strings.Builder
	b.WriteString("userId,movieId,rating,timestamp\n")
	for i := 1; i <= 150; i++ {
		fmt.Fprintf(&b, "%d,1,4.5,%d\n", i, 1000000000+i)
	}
	for i := 1; i <= 50; i++ {
		fmt.Fprintf(&b, "%d,2,2.0,%d\n", i, 1000000000+i)
	}
	for _, line := range extra {
		b.WriteString(line + "\n")
	}
	return b.String()
}

func writeExtracts(t *testing.T, cfg *config.Config, movies, ratings string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.MoviesPath()), 0o755))
	require.NoError(t, os.WriteFile(cfg.MoviesPath(), []byte(movies), 0o644))
	require.NoError(t, os.WriteFile(cfg.RatingsPath(), []byte(ratings), 0o644))
}

func stepNames(r *Result) []string {
	names := make([]string, len(r.Steps))
	for i, s := range r.Steps {
		names[i] = s.Name
	}
	return names
}

func TestRunEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t, cfg)
	writeExtracts(t, cfg, moviesCSV, ratingsCSV())
	ctx := t.Context()

	r := New(cfg, db, zap.NewNop()).Run(ctx, Options{SkipDownload: true})
	for _, s := range r.Steps {
		require.NoError(t, s.Err, s.Name)
	}
	assert.Equal(t, []string{StepStage, StepValidate, StepTransform, StepAnalyze, StepPublish}, stepNames(r))
	require.NotNil(t, r.Validation)
	assert.True(t, r.Validation.Valid)
	require.Len(t, r.Tables, 4)
	assert.Equal(t, []any{"A", 4.5, int64(150)}, r.Tables[0].Rows[0])

	run, err := db.GetRun(ctx, r.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, database.RunSucceeded, run.Status)
	require.NotNil(t, run.Valid)
	assert.True(t, *run.Valid)
	assert.Equal(t, int64(2), run.StagedMovies)
	assert.Equal(t, int64(200), run.StagedRatings)
	assert.Equal(t, int64(2), run.DimRows)
	assert.Equal(t, int64(3), run.BridgeRows)
	assert.Equal(t, int64(200), run.FactRows)
	assert.NotNil(t, run.FinishedAt)

	checks, err := db.GetValidationResults(ctx, r.RunID)
	require.NoError(t, err)
	assert.Len(t, checks, 3)

	out := cfg.GetReportDir()
	for _, name := range []string{analytics.TopMovies, analytics.LeastMovies, analytics.TopGenres, analytics.LeastGenres} {
		assert.FileExists(t, filepath.Join(out, name+".csv"))
	}
	assert.FileExists(t, filepath.Join(out, report.WorkbookName))
	assert.FileExists(t, filepath.Join(out, "summary.html"))
}

func TestRunContinuesAfterFailedValidation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.Workbook = false
	cfg.Output.Summary = false
	db := openTestDB(t, cfg)
	writeExtracts(t, cfg, moviesCSV, ratingsCSV("999,2,7.0,1000000000"))
	ctx := t.Context()

	r := New(cfg, db, zap.NewNop()).Run(ctx, Options{SkipDownload: true})
	assert.False(t, r.Failed())
	assert.Equal(t, []string{StepStage, StepValidate, StepTransform, StepAnalyze}, stepNames(r))
	assert.False(t, r.Validation.Valid)

	run, err := db.GetRun(ctx, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, database.RunSucceeded, run.Status)
	require.NotNil(t, run.Valid)
	assert.False(t, *run.Valid)
	assert.Equal(t, int64(201), run.FactRows)

	checks, err := db.GetValidationResults(ctx, r.RunID)
	require.NoError(t, err)
	var rangeViolations int64 = -1
	for _, c := range checks {
		if c.CheckName == "staging_ratings_rating_range" {
			rangeViolations = c.Violations
			assert.False(t, c.Passed)
		}
	}
	assert.Equal(t, int64(1), rangeViolations)
}

func TestRunStopsOnStageError(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t, cfg)
	writeExtracts(t, cfg, moviesCSV, "userId,movieId,rating,timestamp\n1,1,abc,1000\n")
	ctx := t.Context()

	r := New(cfg, db, zap.NewNop()).Run(ctx, Options{SkipDownload: true})
	require.True(t, r.Failed())
	assert.Equal(t, []string{StepStage}, stepNames(r))
	assert.Contains(t, r.Steps[0].Err.Error(), "line 2 column rating")

	run, err := db.GetRun(ctx, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, database.RunFailed, run.Status)
	assert.Nil(t, run.Valid)
}

func TestRunStopsOnTransformError(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t, cfg)
	ctx := t.Context()

	// No extracts: staging is skipped and the warehouse cannot be built.
	r := New(cfg, db, zap.NewNop()).Run(ctx, Options{SkipDownload: true})
	require.True(t, r.Failed())
	assert.Equal(t, []string{StepStage, StepValidate, StepTransform}, stepNames(r))
	assert.NoError(t, r.Steps[0].Err)
	assert.NoError(t, r.Steps[1].Err)
	assert.Error(t, r.Steps[2].Err)
	assert.False(t, r.Validation.Valid)
}

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestRunDownloadsAndExtracts(t *testing.T) {
	archive := zipArchive(t, map[string]string{
		"ml/movies.csv":  moviesCSV,
		"ml/ratings.csv": ratingsCSV(),
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Source.URL = srv.URL + "/ml.zip"
	db := openTestDB(t, cfg)

	r := New(cfg, db, zap.NewNop()).Run(t.Context(), Options{})
	for _, s := range r.Steps {
		require.NoError(t, s.Err, s.Name)
	}
	assert.Equal(t, StepDownload, r.Steps[0].Name)
	assert.FileExists(t, cfg.ArchivePath())
	assert.FileExists(t, cfg.MoviesPath())
	assert.FileExists(t, cfg.RatingsPath())
}

func TestRunStopsOnDownloadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Source.URL = srv.URL + "/ml.zip"
	db := openTestDB(t, cfg)

	r := New(cfg, db, zap.NewNop()).Run(t.Context(), Options{})
	assert.Equal(t, []string{StepDownload}, stepNames(r))
	assert.Error(t, r.Steps[0].Err)
}

func TestDryRunDoesNotMutate(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t, cfg)
	ctx := t.Context()

	r := New(cfg, db, zap.NewNop()).DryRun(ctx, Options{SkipDownload: true})
	require.False(t, r.Failed())
	assert.Equal(t, StepStage, r.Steps[0].Name)
	assert.Contains(t, r.Steps[0].Summary, "missing")

	for _, rel := range database.PipelineRelations {
		exists, err := db.RelationExists(ctx, rel)
		require.NoError(t, err)
		assert.False(t, exists, rel)
	}
	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Runs)
	assert.NoDirExists(t, cfg.GetReportDir())
}

func TestStandaloneSteps(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t, cfg)
	writeExtracts(t, cfg, moviesCSV, ratingsCSV())
	ctx := t.Context()
	p := New(cfg, db, zap.NewNop())

	require.NoError(t, p.Stage(ctx).Err)
	step, rep := p.Validate(ctx)
	require.NoError(t, step.Err)
	assert.True(t, rep.Valid)
	require.NoError(t, p.Transform(ctx).Err)
	require.NoError(t, p.Analyze(ctx).Err)

	assert.FileExists(t, filepath.Join(cfg.GetReportDir(), report.WorkbookName))
	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Runs, "standalone steps do not record runs")
}
