// Package analytics runs the fixed aggregate reports over the warehouse.
package analytics

import (
	"context"
	"fmt"

	"github.com/huandu/go-sqlbuilder"
	"go.uber.org/zap"

	"github.com/TobiSchelling/movielens-etl/internal/database"
	"github.com/TobiSchelling/movielens-etl/internal/report"
)

// MinRatings is the support threshold: a movie needs strictly more ratings
// than this before its average is ranked.
const MinRatings = 100

// Report names, also used as artifact file names.
const (
	TopMovies    = "top_10_movies_by_rating"
	LeastMovies  = "least_10_movies_by_rating"
	TopGenres    = "top_5_genres_by_ratings"
	LeastGenres  = "least_5_genres_by_ratings"
	movieLimit   = 10
	genreLimit   = 5
	avgRatingCol = "avg_rating"
	countCol     = "num_ratings"
)

// MovieRating is one row of a movie ranking.
type MovieRating struct {
	Title      string  `db:"title"`
	AvgRating  float64 `db:"avg_rating"`
	NumRatings int64   `db:"num_ratings"`
}

// GenreCount is one row of a genre ranking.
type GenreCount struct {
	Genre      string `db:"genre"`
	NumRatings int64  `db:"num_ratings"`
}

type query struct {
	name    string
	title   string
	columns []string
	limit   int
	build   func() *sqlbuilder.SelectBuilder
	scan    func(ctx context.Context, a *Analyzer, sql string, args []any) ([][]any, error)
}

// Queries, in report order. Ties on the ranking metric are left in the
// store's order; no secondary sort key is applied.
var queries = []query{
	{
		name:    TopMovies,
		title:   "Top 10 movies by average rating",
		columns: []string{"title", avgRatingCol, countCol},
		limit:   movieLimit,
		build:   func() *sqlbuilder.SelectBuilder { return movieRanking(true) },
		scan:    scanMovies,
	},
	{
		name:    LeastMovies,
		title:   "Least 10 movies by average rating",
		columns: []string{"title", avgRatingCol, countCol},
		limit:   movieLimit,
		build:   func() *sqlbuilder.SelectBuilder { return movieRanking(false) },
		scan:    scanMovies,
	},
	{
		name:    TopGenres,
		title:   "Top 5 genres by number of ratings",
		columns: []string{"genre", countCol},
		limit:   genreLimit,
		build:   func() *sqlbuilder.SelectBuilder { return genreRanking(true) },
		scan:    scanGenres,
	},
	{
		name:    LeastGenres,
		title:   "Least 5 genres by number of ratings",
		columns: []string{"genre", countCol},
		limit:   genreLimit,
		build:   func() *sqlbuilder.SelectBuilder { return genreRanking(false) },
		scan:    scanGenres,
	},
}

// movieRanking averages ratings per movie above the support threshold.
func movieRanking(desc bool) *sqlbuilder.SelectBuilder {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(
		"m.title",
		sb.As("AVG(f.rating)", avgRatingCol),
		sb.As("COUNT(f.userId)", countCol),
	)
	sb.From(sb.As(database.QuoteIdent(database.FactRatings), "f"))
	sb.Join(sb.As(database.QuoteIdent(database.DimMovies), "m"), "f.movieId = m.movieId")
	sb.GroupBy("m.movieId", "m.title")
	sb.Having(sb.GreaterThan("COUNT(f.userId)", MinRatings))
	order(sb, avgRatingCol, desc)
	sb.Limit(movieLimit)
	return sb
}

// genreRanking counts ratings per genre through the bridge.
func genreRanking(desc bool) *sqlbuilder.SelectBuilder {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("g.genre", sb.As("COUNT(f.rating)", countCol))
	sb.From(sb.As(database.QuoteIdent(database.FactRatings), "f"))
	sb.Join(sb.As(database.QuoteIdent(database.GenresBridge), "g"), "f.movieId = g.movieId")
	sb.GroupBy("g.genre")
	order(sb, countCol, desc)
	sb.Limit(genreLimit)
	return sb
}

func order(sb *sqlbuilder.SelectBuilder, col string, desc bool) {
	sb.OrderBy(col)
	if desc {
		sb.Desc()
	} else {
		sb.Asc()
	}
}

func scanMovies(ctx context.Context, a *Analyzer, sql string, args []any) ([][]any, error) {
	var movies []MovieRating
	if err := a.db.Conn().SelectContext(ctx, &movies, sql, args...); err != nil {
		return nil, err
	}
	rows := make([][]any, len(movies))
	for i, m := range movies {
		rows[i] = []any{m.Title, m.AvgRating, m.NumRatings}
	}
	return rows, nil
}

func scanGenres(ctx context.Context, a *Analyzer, sql string, args []any) ([][]any, error) {
	var genres []GenreCount
	if err := a.db.Conn().SelectContext(ctx, &genres, sql, args...); err != nil {
		return nil, err
	}
	rows := make([][]any, len(genres))
	for i, g := range genres {
		rows[i] = []any{g.Genre, g.NumRatings}
	}
	return rows, nil
}

// Analyzer runs the reports and writes them through a report.Writer.
type Analyzer struct {
	db     *database.DB
	writer *report.Writer
	logger *zap.Logger
}

// NewAnalyzer creates a new analyzer. A nil writer skips artifact output.
func NewAnalyzer(db *database.DB, writer *report.Writer, logger *zap.Logger) *Analyzer {
	return &Analyzer{db: db, writer: writer, logger: logger}
}

// Run executes all four reports in order and writes each one as a CSV
// artifact, replacing any previous artifact of the same name. The first
// query or write failure aborts the stage.
func (a *Analyzer) Run(ctx context.Context) ([]report.Table, error) {
	a.logger.Info("starting analytics")

	tables, err := a.Query(ctx)
	if err != nil {
		return nil, err
	}

	if a.writer != nil {
		for _, t := range tables {
			if _, err := a.writer.WriteCSV(t); err != nil {
				return nil, fmt.Errorf("writing %s: %w", t.Name, err)
			}
		}
	}

	a.logger.Info("analytics completed", zap.Int("reports", len(tables)))
	return tables, nil
}

// Query executes the reports without writing artifacts.
func (a *Analyzer) Query(ctx context.Context) ([]report.Table, error) {
	tables := make([]report.Table, 0, len(queries))
	for _, q := range queries {
		a.logger.Info("running report", zap.String("report", q.name))
		sql, args := q.build().Build()
		rows, err := q.scan(ctx, a, sql, args)
		if err != nil {
			return nil, fmt.Errorf("report %s: %w", q.name, err)
		}
		tables = append(tables, report.Table{
			Name:    q.name,
			Title:   q.title,
			Columns: q.columns,
			Rows:    rows,
			Limit:   q.limit,
		})
	}
	return tables, nil
}
