package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Relation names shared by the stages. Every stage addresses data by name;
// whoever last replaced or appended a relation owns its contents.
const (
	StagingMovies  = "staging_movies"
	StagingRatings = "staging_ratings"
	DimMovies      = "dim_movies"
	GenresBridge   = "movie_genres_bridge"
	FactRatings    = "fact_ratings"
)

// PipelineRelations lists the staging and warehouse relations in build order.
var PipelineRelations = []string{StagingMovies, StagingRatings, DimMovies, GenresBridge, FactRatings}

// ErrRelationNotFound is returned when a named relation does not exist.
var ErrRelationNotFound = errors.New("relation not found")

// ColumnType is the declared SQLite type of a relation column.
type ColumnType string

const (
	Integer ColumnType = "INTEGER"
	Real    ColumnType = "REAL"
	Text    ColumnType = "TEXT"
)

// Column is a named, typed relation field.
type Column struct {
	Name string
	Type ColumnType
}

// WriteMode selects how WriteRelation treats an existing relation.
type WriteMode int

const (
	// Replace drops and recreates the relation before writing.
	Replace WriteMode = iota
	// Append creates the relation if needed and adds rows to it.
	Append
)

func (m WriteMode) String() string {
	switch m {
	case Replace:
		return "replace"
	case Append:
		return "append"
	default:
		return fmt.Sprintf("WriteMode(%d)", int(m))
	}
}

// WriteRelation writes rows into the named relation in a single transaction.
// A nil element in a row is stored as NULL.
func (db *DB) WriteRelation(ctx context.Context, name string, cols []Column, rows [][]any, mode WriteMode) error {
	if len(cols) == 0 {
		return fmt.Errorf("writing %s: no columns", name)
	}

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write %s: %w", name, err)
	}
	defer tx.Rollback()

	if mode == Replace {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
			return fmt.Errorf("dropping %s: %w", name, err)
		}
	}

	defs := make([]string, len(cols))
	names := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = quoteIdent(c.Name) + " " + string(c.Type)
		names[i] = quoteIdent(c.Name)
	}
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(name), strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}

	if len(rows) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
		insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(name), strings.Join(names, ", "), placeholders)
		stmt, err := tx.PrepareContext(ctx, insert)
		if err != nil {
			return fmt.Errorf("preparing insert into %s: %w", name, err)
		}
		defer stmt.Close()

		for i, row := range rows {
			if len(row) != len(cols) {
				return fmt.Errorf("writing %s: row %d has %d values, want %d", name, i, len(row), len(cols))
			}
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				return fmt.Errorf("inserting into %s: %w", name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write %s: %w", name, err)
	}
	return nil
}

// RelationExists reports whether a table or view with the given name exists.
func (db *DB) RelationExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := db.conn.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table', 'view') AND name = ?", name)
	if err != nil {
		return false, fmt.Errorf("checking relation %s: %w", name, err)
	}
	return count > 0, nil
}

// CountRows returns the number of rows in a relation.
func (db *DB) CountRows(ctx context.Context, name string) (int64, error) {
	exists, err := db.RelationExists(ctx, name)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrRelationNotFound, name)
	}
	var n int64
	if err := db.conn.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+quoteIdent(name)); err != nil {
		return 0, fmt.Errorf("counting %s: %w", name, err)
	}
	return n, nil
}

// DropRelation removes a relation if present.
func (db *DB) DropRelation(ctx context.Context, name string) error {
	if _, err := db.conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
		return fmt.Errorf("dropping %s: %w", name, err)
	}
	return nil
}

// GetRelationStats returns row counts for the staging and warehouse relations.
// Missing relations are reported with Exists=false.
func (db *DB) GetRelationStats(ctx context.Context) ([]RelationStat, error) {
	stats := make([]RelationStat, 0, len(PipelineRelations))
	for _, name := range PipelineRelations {
		n, err := db.CountRows(ctx, name)
		if errors.Is(err, ErrRelationNotFound) {
			stats = append(stats, RelationStat{Name: name})
			continue
		}
		if err != nil {
			return nil, err
		}
		stats = append(stats, RelationStat{Name: name, Exists: true, Rows: n})
	}
	return stats, nil
}

// QuoteIdent quotes a relation or column name for SQLite.
func QuoteIdent(name string) string {
	return quoteIdent(name)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
