// Package transform reshapes the staging relations into the warehouse:
// dim_movies, movie_genres_bridge and fact_ratings.
//
// The movie catalog is small, so the dimension and bridge are built in
// process memory. The ratings can reach tens of millions of rows, so the fact
// table is built entirely inside SQLite and never crosses into Go.
package transform

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
	"go.uber.org/zap"

	"github.com/TobiSchelling/movielens-etl/internal/database"
)

// NoGenresSentinel is the MovieLens placeholder for an empty genre list.
const NoGenresSentinel = "(no genres listed)"

// GenreDelimiter separates genres inside staging_movies.genres.
const GenreDelimiter = "|"

var (
	dimColumns = []database.Column{
		{Name: "movieId", Type: database.Integer},
		{Name: "title", Type: database.Text},
	}
	bridgeColumns = []database.Column{
		{Name: "movieId", Type: database.Integer},
		{Name: "genre", Type: database.Text},
	}
)

// factStatements drop and rebuild fact_ratings from staging_ratings.
// rating_date is the UTC calendar date of the epoch-seconds timestamp.
var factStatements = []string{
	`DROP TABLE IF EXISTS fact_ratings`,
	`CREATE TABLE fact_ratings AS
	SELECT
		userId,
		movieId,
		rating,
		timestamp,
		date(timestamp, 'unixepoch') AS rating_date
	FROM staging_ratings`,
	`CREATE INDEX idx_fact_ratings_movie ON fact_ratings(movieId)`,
}

// StagedMovie is one row read from staging_movies.
type StagedMovie struct {
	MovieID sql.NullInt64  `db:"movieId"`
	Title   sql.NullString `db:"title"`
	Genres  sql.NullString `db:"genres"`
}

// Movie is one dim_movies row.
type Movie struct {
	MovieID int64
	Title   string
}

// MovieGenre is one movie_genres_bridge row. MovieID stays nullable: the
// bridge mirrors the catalog's genre lists without filtering on identity.
type MovieGenre struct {
	MovieID sql.NullInt64
	Genre   string
}

// Result holds the row counts of the rebuilt relations.
type Result struct {
	DimRows    int64
	BridgeRows int64
	FactRows   int64
}

// Transformer builds the warehouse relations.
type Transformer struct {
	db     *database.DB
	logger *zap.Logger
}

// NewTransformer creates a new transformer.
func NewTransformer(db *database.DB, logger *zap.Logger) *Transformer {
	return &Transformer{db: db, logger: logger}
}

// Transform rebuilds all three warehouse relations. The first error aborts
// the remaining steps; relations rebuilt before the failure are left as is.
func (t *Transformer) Transform(ctx context.Context) (*Result, error) {
	t.logger.Info("starting data transformation")

	movies, err := t.readMovies(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", database.StagingMovies, err)
	}

	r := &Result{}

	dim := BuildDimMovies(movies)
	if err := t.db.WriteRelation(ctx, database.DimMovies, dimColumns, dimRows(dim), database.Replace); err != nil {
		return nil, fmt.Errorf("building %s: %w", database.DimMovies, err)
	}
	r.DimRows = int64(len(dim))
	t.logger.Info("created dim_movies", zap.Int64("rows", r.DimRows))

	bridge := BuildGenreBridge(movies)
	if err := t.db.WriteRelation(ctx, database.GenresBridge, bridgeColumns, bridgeRows(bridge), database.Replace); err != nil {
		return nil, fmt.Errorf("building %s: %w", database.GenresBridge, err)
	}
	r.BridgeRows = int64(len(bridge))
	t.logger.Info("created movie_genres_bridge", zap.Int64("rows", r.BridgeRows))

	if err := t.indexWarehouse(ctx); err != nil {
		return nil, err
	}

	if err := t.buildFacts(ctx); err != nil {
		return nil, fmt.Errorf("building %s: %w", database.FactRatings, err)
	}
	r.FactRows, err = t.db.CountRows(ctx, database.FactRatings)
	if err != nil {
		return nil, err
	}
	t.logger.Info("created fact_ratings", zap.Int64("rows", r.FactRows))

	t.logger.Info("data transformation completed")
	return r, nil
}

func (t *Transformer) readMovies(ctx context.Context) ([]StagedMovie, error) {
	query, args := stagedMoviesQuery().Build()

	var movies []StagedMovie
	if err := t.db.Conn().SelectContext(ctx, &movies, query, args...); err != nil {
		return nil, err
	}
	return movies, nil
}

func stagedMoviesQuery() *sqlbuilder.SelectBuilder {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("movieId", "title", "genres").From(database.QuoteIdent(database.StagingMovies))
	return sb
}

func (t *Transformer) indexWarehouse(ctx context.Context) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_dim_movies_movie ON dim_movies(movieId)`,
		`CREATE INDEX IF NOT EXISTS idx_movie_genres_bridge_movie ON movie_genres_bridge(movieId)`,
	}
	for _, s := range stmts {
		if _, err := t.db.Conn().ExecContext(ctx, s); err != nil {
			return fmt.Errorf("indexing warehouse: %w", err)
		}
	}
	return nil
}

func (t *Transformer) buildFacts(ctx context.Context) error {
	tx, err := t.db.Conn().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, s := range factStatements {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// BuildDimMovies projects (movieId, title), drops rows with a NULL in either
// field and removes exact duplicates, keeping first-seen order.
func BuildDimMovies(movies []StagedMovie) []Movie {
	seen := make(map[Movie]struct{}, len(movies))
	dim := make([]Movie, 0, len(movies))
	for _, m := range movies {
		if !m.MovieID.Valid || !m.Title.Valid {
			continue
		}
		row := Movie{MovieID: m.MovieID.Int64, Title: m.Title.String}
		if _, dup := seen[row]; dup {
			continue
		}
		seen[row] = struct{}{}
		dim = append(dim, row)
	}
	return dim
}

// BuildGenreBridge explodes each non-NULL genre list into one row per
// (movieId, genre) pair. The sentinel and empty tokens are dropped and
// repeated pairs appear once.
func BuildGenreBridge(movies []StagedMovie) []MovieGenre {
	seen := make(map[MovieGenre]struct{})
	var bridge []MovieGenre
	for _, m := range movies {
		if !m.Genres.Valid {
			continue
		}
		for _, genre := range strings.Split(m.Genres.String, GenreDelimiter) {
			if genre == "" || genre == NoGenresSentinel {
				continue
			}
			row := MovieGenre{MovieID: m.MovieID, Genre: genre}
			if _, dup := seen[row]; dup {
				continue
			}
			seen[row] = struct{}{}
			bridge = append(bridge, row)
		}
	}
	return bridge
}

func dimRows(dim []Movie) [][]any {
	rows := make([][]any, len(dim))
	for i, m := range dim {
		rows[i] = []any{m.MovieID, m.Title}
	}
	return rows
}

func bridgeRows(bridge []MovieGenre) [][]any {
	rows := make([][]any, len(bridge))
	for i, b := range bridge {
		var id any
		if b.MovieID.Valid {
			id = b.MovieID.Int64
		}
		rows[i] = []any{id, b.Genre}
	}
	return rows
}
