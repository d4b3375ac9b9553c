// Package stage loads the raw MovieLens extracts into the staging relations.
package stage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/TobiSchelling/movielens-etl/internal/database"
)

// DefaultChunkSize is the number of ratings appended per transaction.
const DefaultChunkSize = 100000

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

var (
	movieColumns = []database.Column{
		{Name: "movieId", Type: database.Integer},
		{Name: "title", Type: database.Text},
		{Name: "genres", Type: database.Text},
	}
	ratingColumns = []database.Column{
		{Name: "userId", Type: database.Integer},
		{Name: "movieId", Type: database.Integer},
		{Name: "rating", Type: database.Real},
		{Name: "timestamp", Type: database.Integer},
	}
)

// Result holds the outcome of loading one extract.
type Result struct {
	Relation string
	Read     int
	Written  int
	Dropped  int
	Chunks   int
}

// Stager loads CSV extracts into staging relations.
type Stager struct {
	db     *database.DB
	logger *zap.Logger
}

// NewStager creates a new stager.
func NewStager(db *database.DB, logger *zap.Logger) *Stager {
	return &Stager{db: db, logger: logger}
}

// LoadMovies replaces staging_movies with the full contents of the catalog file.
// A missing file is logged and skipped; the returned result is then nil.
func (s *Stager) LoadMovies(ctx context.Context, path string) (*Result, error) {
	f, err := s.openExtract(path)
	if f == nil || err != nil {
		return nil, err
	}
	defer f.Close()

	s.logger.Info("loading movies into staging", zap.String("path", path), zap.String("relation", database.StagingMovies))

	reader, err := newReader(f, movieColumns)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	r := &Result{Relation: database.StagingMovies, Chunks: 1}
	var rows [][]any
	for {
		row, err := reader.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		r.Read++
		rows = append(rows, row)
	}

	if err := s.db.WriteRelation(ctx, database.StagingMovies, movieColumns, rows, database.Replace); err != nil {
		return nil, fmt.Errorf("loading movies: %w", err)
	}
	r.Written = len(rows)

	s.logger.Info("loaded staging_movies", zap.Int("rows", r.Written))
	return r, nil
}

// LoadRatings streams the ratings file into staging_ratings in chunks of at
// most chunkSize records. Each chunk drops rows with any NULL field before it
// is written. The first chunk replaces the relation, later chunks append, so a
// failure part way leaves only the chunks processed so far.
func (s *Stager) LoadRatings(ctx context.Context, path string, chunkSize int) (*Result, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	f, err := s.openExtract(path)
	if f == nil || err != nil {
		return nil, err
	}
	defer f.Close()

	s.logger.Info("loading ratings into staging",
		zap.String("path", path),
		zap.String("relation", database.StagingRatings),
		zap.Int("chunk_size", chunkSize))

	reader, err := newReader(f, ratingColumns)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	r := &Result{Relation: database.StagingRatings}
	chunk := make([][]any, 0, chunkSize)
	read := 0

	flush := func() error {
		kept := dropIncomplete(chunk)
		mode := database.Append
		if r.Chunks == 0 {
			mode = database.Replace
		}
		if err := s.db.WriteRelation(ctx, database.StagingRatings, ratingColumns, kept, mode); err != nil {
			return fmt.Errorf("loading ratings chunk %d: %w", r.Chunks+1, err)
		}
		s.logger.Debug("loaded ratings chunk",
			zap.Int("chunk", r.Chunks+1),
			zap.Stringer("mode", mode),
			zap.Int("rows", len(kept)),
			zap.Int("dropped", read-len(kept)))
		r.Chunks++
		r.Read += read
		r.Written += len(kept)
		r.Dropped += read - len(kept)
		chunk = chunk[:0]
		read = 0
		return nil
	}

	for {
		row, err := reader.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return r, fmt.Errorf("reading %s: %w", path, err)
		}
		chunk = append(chunk, row)
		read++
		if len(chunk) == chunkSize {
			if err := flush(); err != nil {
				return r, err
			}
		}
	}
	// A header-only file still produces an empty staging_ratings.
	if len(chunk) > 0 || r.Chunks == 0 {
		if err := flush(); err != nil {
			return r, err
		}
	}

	s.logger.Info("loaded staging_ratings",
		zap.Int("rows", r.Written),
		zap.Int("dropped", r.Dropped),
		zap.Int("chunks", r.Chunks))
	return r, nil
}

// openExtract returns a nil file and nil error when path does not exist.
func (s *Stager) openExtract(path string) (*os.File, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Error("extract not found, skipping", zap.String("path", path))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return f, nil
}

// dropIncomplete filters out rows holding a NULL in any column.
func dropIncomplete(rows [][]any) [][]any {
	kept := make([][]any, 0, len(rows))
	for _, row := range rows {
		complete := true
		for _, v := range row {
			if v == nil {
				complete = false
				break
			}
		}
		if complete {
			kept = append(kept, row)
		}
	}
	return kept
}

// reader maps CSV records onto a fixed column list by header name.
type reader struct {
	csv     *csv.Reader
	columns []database.Column
	index   []int
	line    int
}

func newReader(r io.Reader, columns []database.Column) (*reader, error) {
	br := bufio.NewReaderSize(r, 1<<20)
	if prefix, err := br.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = br.Discard(len(byteOrderMark))
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New("missing header row")
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	positions := make(map[string]int, len(header))
	for i, h := range header {
		positions[strings.TrimSpace(h)] = i
	}
	index := make([]int, len(columns))
	for i, c := range columns {
		pos, ok := positions[c.Name]
		if !ok {
			return nil, fmt.Errorf("header is missing column %q", c.Name)
		}
		index[i] = pos
	}

	return &reader{csv: cr, columns: columns, index: index, line: 1}, nil
}

// next returns the next record converted to column types. Empty or absent
// fields become nil.
func (r *reader) next() ([]any, error) {
	record, err := r.csv.Read()
	if err != nil {
		return nil, err
	}
	r.line++

	row := make([]any, len(r.columns))
	for i, c := range r.columns {
		pos := r.index[i]
		if pos >= len(record) {
			continue
		}
		v, err := convert(record[pos], c.Type)
		if err != nil {
			return nil, fmt.Errorf("line %d column %s: %w", r.line, c.Name, err)
		}
		row[i] = v
	}
	return row, nil
}

// missingTokens are the field values read as NULL, matching the usual CSV
// missing-value markers.
var missingTokens = map[string]struct{}{
	"": {}, "#N/A": {}, "#N/A N/A": {}, "#NA": {}, "-1.#IND": {}, "-1.#QNAN": {},
	"-NaN": {}, "-nan": {}, "1.#IND": {}, "1.#QNAN": {}, "<NA>": {}, "N/A": {},
	"NA": {}, "NULL": {}, "NaN": {}, "None": {}, "n/a": {}, "nan": {}, "null": {},
}

// convert parses one field. Missing markers and non-finite floats become nil
// so the row is dropped rather than stored with a NULL.
func convert(raw string, typ database.ColumnType) (any, error) {
	if typ != database.Text {
		raw = strings.TrimSpace(raw)
	}
	if _, missing := missingTokens[raw]; missing {
		return nil, nil
	}
	switch typ {
	case database.Integer:
		return strconv.ParseInt(raw, 10, 64)
	case database.Real:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, nil
		}
		return f, nil
	default:
		return raw, nil
	}
}
