// Package pipeline sequences the ETL stages over one shared store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TobiSchelling/movielens-etl/internal/analytics"
	"github.com/TobiSchelling/movielens-etl/internal/config"
	"github.com/TobiSchelling/movielens-etl/internal/database"
	"github.com/TobiSchelling/movielens-etl/internal/download"
	"github.com/TobiSchelling/movielens-etl/internal/report"
	"github.com/TobiSchelling/movielens-etl/internal/stage"
	"github.com/TobiSchelling/movielens-etl/internal/transform"
	"github.com/TobiSchelling/movielens-etl/internal/validate"
)

// Step names.
const (
	StepDownload  = "Download"
	StepStage     = "Stage"
	StepValidate  = "Validate"
	StepTransform = "Transform"
	StepAnalyze   = "Analyze"
	StepPublish   = "Publish"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of a full pipeline run.
type Result struct {
	RunID      string
	Steps      []StepResult
	Validation *validate.Report
	Tables     []report.Table
}

// Failed reports whether any step returned an error.
func (r *Result) Failed() bool {
	for _, s := range r.Steps {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// Options controls a full run.
type Options struct {
	SkipDownload bool
}

// Pipeline orchestrates download, stage, validate, transform and analyze.
type Pipeline struct {
	cfg        *config.Config
	db         *database.DB
	logger     *zap.Logger
	downloader *download.Downloader
	writer     *report.Writer
}

// New creates a new pipeline.
func New(cfg *config.Config, db *database.DB, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		db:         db,
		logger:     logger,
		downloader: download.NewDownloader(0, logger),
		writer:     report.NewWriter(cfg.GetReportDir(), logger),
	}
}

// run carries the state one execution accumulates across steps.
type run struct {
	rec        database.RunReport
	validation *validate.Report
	tables     []report.Table
}

// Run executes every step in order under a fresh run id. A failing download,
// stage or transform stops the remaining steps. Validation never does.
func (p *Pipeline) Run(ctx context.Context, opts Options) *Result {
	st := &run{rec: database.RunReport{RunID: uuid.NewString(), Status: database.RunRunning}}
	r := &Result{RunID: st.rec.RunID}
	log := p.logger.With(zap.String("run_id", r.RunID))

	if err := p.db.StartRun(ctx, r.RunID); err != nil {
		log.Warn("could not record run start", zap.Error(err))
	}
	defer func() {
		r.Validation = st.validation
		r.Tables = st.tables
		p.finish(ctx, st, r)
	}()

	if !opts.SkipDownload {
		step := p.download(ctx)
		r.Steps = append(r.Steps, step)
		if step.Err != nil {
			return r
		}
	}

	step := p.stage(ctx, st)
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		return r
	}

	step = p.validate(ctx, st)
	r.Steps = append(r.Steps, step)
	if err := p.db.InsertValidationResults(ctx, r.RunID, st.validation.Records()); err != nil {
		log.Warn("could not record validation results", zap.Error(err))
	}

	step = p.transform(ctx, st)
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		return r
	}

	step = p.analyze(ctx, st)
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		return r
	}

	if p.cfg.Output.Workbook || p.cfg.Output.Summary {
		r.Steps = append(r.Steps, p.publish(st))
	}
	return r
}

func (p *Pipeline) finish(ctx context.Context, st *run, r *Result) {
	st.rec.Status = database.RunSucceeded
	if r.Failed() {
		st.rec.Status = database.RunFailed
	}
	if err := p.db.FinishRun(ctx, &st.rec); err != nil {
		p.logger.Warn("could not record run result", zap.String("run_id", r.RunID), zap.Error(err))
	}
}

// Download fetches and extracts the archive.
func (p *Pipeline) Download(ctx context.Context) StepResult {
	return p.download(ctx)
}

// Stage loads both extracts into the staging relations.
func (p *Pipeline) Stage(ctx context.Context) StepResult {
	return p.stage(ctx, &run{})
}

// Validate runs the staging quality checks. The report is returned alongside
// the step so callers can print every check.
func (p *Pipeline) Validate(ctx context.Context) (StepResult, *validate.Report) {
	st := &run{}
	step := p.validate(ctx, st)
	return step, st.validation
}

// Transform rebuilds the warehouse relations.
func (p *Pipeline) Transform(ctx context.Context) StepResult {
	return p.transform(ctx, &run{})
}

// Analyze runs the reports and writes the CSV artifacts, plus the workbook
// when enabled.
func (p *Pipeline) Analyze(ctx context.Context) StepResult {
	st := &run{}
	step := p.analyze(ctx, st)
	if step.Err == nil && p.cfg.Output.Workbook {
		if _, err := p.writer.WriteWorkbook(st.tables); err != nil {
			step.Err = err
		}
	}
	return step
}

// DryRun shows what would be done without executing.
func (p *Pipeline) DryRun(ctx context.Context, opts Options) *Result {
	r := &Result{}

	if !opts.SkipDownload {
		summary := fmt.Sprintf("[dry-run] Would download %s", p.cfg.Source.URL)
		if fileExists(p.cfg.ArchivePath()) {
			summary = fmt.Sprintf("[dry-run] Archive already present at %s", p.cfg.ArchivePath())
		}
		r.Steps = append(r.Steps, StepResult{Name: StepDownload, Summary: summary})
	}

	var missing []string
	for _, path := range []string{p.cfg.MoviesPath(), p.cfg.RatingsPath()} {
		if !fileExists(path) {
			missing = append(missing, path)
		}
	}
	stageSummary := "[dry-run] Would stage movies and ratings"
	if len(missing) > 0 {
		stageSummary = fmt.Sprintf("[dry-run] %d extract(s) missing: %v", len(missing), missing)
	}
	r.Steps = append(r.Steps, StepResult{Name: StepStage, Summary: stageSummary})

	stats, err := p.db.GetRelationStats(ctx)
	if err != nil {
		r.Steps = append(r.Steps, StepResult{Name: StepValidate, Err: err})
		return r
	}
	for _, s := range stats {
		summary := fmt.Sprintf("[dry-run] %s: %d rows", s.Name, s.Rows)
		if !s.Exists {
			summary = fmt.Sprintf("[dry-run] %s: not built yet", s.Name)
		}
		r.Steps = append(r.Steps, StepResult{Name: dryRunStep(s.Name), Summary: summary})
	}

	r.Steps = append(r.Steps, StepResult{
		Name:    StepAnalyze,
		Summary: fmt.Sprintf("[dry-run] Would write 4 reports to %s", p.cfg.GetReportDir()),
	})
	return r
}

func dryRunStep(relation string) string {
	switch relation {
	case database.StagingMovies, database.StagingRatings:
		return StepValidate
	default:
		return StepTransform
	}
}

func (p *Pipeline) download(ctx context.Context) StepResult {
	p.logger.Info("Step 1/5: downloading dataset")

	skipped, err := p.downloader.DownloadFile(ctx, p.cfg.Source.URL, p.cfg.ArchivePath())
	if err != nil {
		return StepResult{Name: StepDownload, Err: err}
	}

	if fileExists(p.cfg.MoviesPath()) && fileExists(p.cfg.RatingsPath()) {
		return StepResult{
			Name:    StepDownload,
			Summary: fmt.Sprintf("Archive ready (skipped download: %t), extracts already present", skipped),
		}
	}

	files, err := download.Unzip(p.cfg.ArchivePath(), p.cfg.RawDir(), p.logger)
	if err != nil {
		return StepResult{Name: StepDownload, Err: err}
	}
	return StepResult{
		Name:    StepDownload,
		Summary: fmt.Sprintf("Archive ready (skipped download: %t), extracted %d files", skipped, files),
	}
}

func (p *Pipeline) stage(ctx context.Context, st *run) StepResult {
	p.logger.Info("Step 2/5: staging extracts")
	stager := stage.NewStager(p.db, p.logger)

	movies, err := stager.LoadMovies(ctx, p.cfg.MoviesPath())
	if err != nil {
		return StepResult{Name: StepStage, Err: err}
	}
	ratings, err := stager.LoadRatings(ctx, p.cfg.RatingsPath(), p.cfg.Staging.ChunkSize)
	if err != nil {
		return StepResult{Name: StepStage, Err: err}
	}

	return StepResult{
		Name:    StepStage,
		Summary: fmt.Sprintf("Movies: %s; ratings: %s", describe(movies, &st.rec.StagedMovies), describe(ratings, &st.rec.StagedRatings)),
	}
}

// describe renders a stage result and stores its written count into dst.
func describe(r *stage.Result, dst *int64) string {
	if r == nil {
		return "extract missing"
	}
	*dst = int64(r.Written)
	if r.Dropped > 0 {
		return fmt.Sprintf("%d staged, %d dropped", r.Written, r.Dropped)
	}
	return fmt.Sprintf("%d staged", r.Written)
}

func (p *Pipeline) validate(ctx context.Context, st *run) StepResult {
	p.logger.Info("Step 3/5: validating staging data")
	rep := validate.NewValidator(p.db, p.logger).Validate(ctx)
	st.validation = rep
	valid := rep.Valid
	st.rec.Valid = &valid

	failed := rep.Failed()
	if len(failed) == 0 {
		return StepResult{Name: StepValidate, Summary: fmt.Sprintf("All %d checks passed", len(rep.Checks))}
	}
	return StepResult{
		Name:    StepValidate,
		Summary: fmt.Sprintf("%d of %d checks failed; continuing", len(failed), len(rep.Checks)),
	}
}

func (p *Pipeline) transform(ctx context.Context, st *run) StepResult {
	p.logger.Info("Step 4/5: building warehouse")
	res, err := transform.NewTransformer(p.db, p.logger).Transform(ctx)
	if err != nil {
		return StepResult{Name: StepTransform, Err: err}
	}
	st.rec.DimRows = res.DimRows
	st.rec.BridgeRows = res.BridgeRows
	st.rec.FactRows = res.FactRows
	return StepResult{
		Name:    StepTransform,
		Summary: fmt.Sprintf("Built %d movies, %d genre links, %d ratings", res.DimRows, res.BridgeRows, res.FactRows),
	}
}

func (p *Pipeline) analyze(ctx context.Context, st *run) StepResult {
	p.logger.Info("Step 5/5: running analytics")
	tables, err := analytics.NewAnalyzer(p.db, p.writer, p.logger).Run(ctx)
	if err != nil {
		return StepResult{Name: StepAnalyze, Err: err}
	}
	st.tables = tables
	return StepResult{
		Name:    StepAnalyze,
		Summary: fmt.Sprintf("Wrote %d reports to %s", len(tables), p.writer.Dir()),
	}
}

func (p *Pipeline) publish(st *run) StepResult {
	var written []string
	var errs []error

	if p.cfg.Output.Workbook {
		if path, err := p.writer.WriteWorkbook(st.tables); err != nil {
			errs = append(errs, err)
		} else {
			written = append(written, path)
		}
	}

	if p.cfg.Output.Summary {
		s := report.Summary{RunID: st.rec.RunID, Tables: st.tables}
		if st.validation != nil {
			s.Valid = st.validation.Valid
			for _, c := range st.validation.Checks {
				chk := report.Check{Name: c.Name, Violations: c.Violations, Severity: string(c.Severity), Passed: c.Passed}
				if c.Err != nil {
					chk.Error = c.Err.Error()
				}
				s.Checks = append(s.Checks, chk)
			}
		}
		if _, htmlPath, err := p.writer.WriteSummary(s); err != nil {
			errs = append(errs, err)
		} else {
			written = append(written, htmlPath)
		}
	}

	return StepResult{
		Name:    StepPublish,
		Summary: fmt.Sprintf("Wrote %v", written),
		Err:     errors.Join(errs...),
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
