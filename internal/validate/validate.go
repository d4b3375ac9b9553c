// Package validate runs read-only quality checks against the staging relations.
//
// The report is advisory. A failed check never stops the pipeline; callers
// decide whether to alert on Report.Valid.
package validate

import (
	"context"
	"errors"
	"fmt"

	"github.com/huandu/go-sqlbuilder"
	"go.uber.org/zap"

	"github.com/TobiSchelling/movielens-etl/internal/database"
)

// Severity classifies a check outcome.
type Severity string

const (
	SeverityOK      Severity = "ok"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Check names.
const (
	MoviesNullIdentity  = "staging_movies_null_identity"
	RatingsNullIdentity = "staging_ratings_null_identity"
	RatingRange         = "staging_ratings_rating_range"
)

// Rating bounds accepted by the range check, inclusive.
const (
	MinRating = 0
	MaxRating = 5
)

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Name       string
	Relation   string
	Violations int64
	Severity   Severity
	Passed     bool
	Err        error
}

// Report collects every check. Valid is the AND of all checks.
type Report struct {
	Checks []CheckResult
	Valid  bool
}

// Failed returns the checks that did not pass.
func (r *Report) Failed() []CheckResult {
	var failed []CheckResult
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c)
		}
	}
	return failed
}

// Records converts the report into rows for the validation_results table.
func (r *Report) Records() []database.ValidationResult {
	out := make([]database.ValidationResult, 0, len(r.Checks))
	for _, c := range r.Checks {
		rec := database.ValidationResult{
			CheckName:  c.Name,
			Violations: c.Violations,
			Severity:   string(c.Severity),
			Passed:     c.Passed,
		}
		if c.Err != nil {
			msg := c.Err.Error()
			rec.Error = &msg
		}
		out = append(out, rec)
	}
	return out
}

type check struct {
	name     string
	relation string
	message  string
	where    func(sb *sqlbuilder.SelectBuilder) string
}

var checks = []check{
	{
		name:     MoviesNullIdentity,
		relation: database.StagingMovies,
		message:  "movies with null ids or titles",
		where: func(sb *sqlbuilder.SelectBuilder) string {
			return sb.Or(sb.IsNull("movieId"), sb.IsNull("title"))
		},
	},
	{
		name:     RatingsNullIdentity,
		relation: database.StagingRatings,
		message:  "ratings with null ids or scores",
		where: func(sb *sqlbuilder.SelectBuilder) string {
			return sb.Or(sb.IsNull("userId"), sb.IsNull("movieId"), sb.IsNull("rating"))
		},
	},
	{
		name:     RatingRange,
		relation: database.StagingRatings,
		message:  fmt.Sprintf("ratings out of range (%d-%d)", MinRating, MaxRating),
		where: func(sb *sqlbuilder.SelectBuilder) string {
			return sb.Or(sb.LessThan("rating", MinRating), sb.GreaterThan("rating", MaxRating))
		},
	},
}

// Validator runs the staging quality checks.
type Validator struct {
	db     *database.DB
	logger *zap.Logger
}

// NewValidator creates a new validator.
func NewValidator(db *database.DB, logger *zap.Logger) *Validator {
	return &Validator{db: db, logger: logger}
}

// Validate runs every check independently and never returns an error: a check
// that cannot run is recorded as failed with SeverityError.
func (v *Validator) Validate(ctx context.Context) *Report {
	v.logger.Info("starting data validation")

	report := &Report{Valid: true}
	for _, c := range checks {
		res := v.run(ctx, c)
		report.Checks = append(report.Checks, res)
		if !res.Passed {
			report.Valid = false
		}
	}

	if report.Valid {
		v.logger.Info("data validation passed")
	} else {
		v.logger.Warn("data validation finished with issues", zap.Int("failed_checks", len(report.Failed())))
	}
	return report
}

func (v *Validator) run(ctx context.Context, c check) CheckResult {
	res := CheckResult{Name: c.name, Relation: c.relation}

	n, err := v.count(ctx, c)
	if err != nil {
		res.Severity = SeverityError
		res.Err = err
		v.logger.Error("validation check failed", zap.String("check", c.name), zap.Error(err))
		return res
	}

	res.Violations = n
	if n > 0 {
		res.Severity = SeverityWarning
		v.logger.Warn("found "+c.message, zap.String("check", c.name), zap.Int64("count", n))
		return res
	}

	res.Severity = SeverityOK
	res.Passed = true
	v.logger.Info("check passed", zap.String("check", c.name))
	return res
}

func (v *Validator) count(ctx context.Context, c check) (int64, error) {
	exists, err := v.db.RelationExists(ctx, c.relation)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("%w: %s", database.ErrRelationNotFound, c.relation)
	}

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From(database.QuoteIdent(c.relation))
	sb.Where(c.where(sb))

	query, args := sb.Build()
	var n int64
	if err := v.db.Conn().GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("counting %s: %w", c.relation, err)
	}
	return n, nil
}

// IsMissingInput reports whether a check failed because its relation is absent.
func IsMissingInput(c CheckResult) bool {
	return errors.Is(c.Err, database.ErrRelationNotFound)
}
