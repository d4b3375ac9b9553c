// Package report writes analytics tables to batch file artifacts.
package report

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"
)

// WorkbookName is the spreadsheet holding every table, one sheet each.
const WorkbookName = "analytics.xlsx"

// Table is one aggregate query result: ordered columns and ordered rows.
// Limit caps the rows written for the table; zero means no cap.
type Table struct {
	Name    string
	Title   string
	Columns []string
	Rows    [][]any
	Limit   int
}

// Capped returns the rows within Limit.
func (t Table) Capped() [][]any {
	if t.Limit > 0 && len(t.Rows) > t.Limit {
		return t.Rows[:t.Limit]
	}
	return t.Rows
}

// Check is a validation outcome rendered into the run summary.
type Check struct {
	Name       string
	Violations int64
	Severity   string
	Passed     bool
	Error      string
}

// Summary is the human-readable digest of one pipeline run.
type Summary struct {
	RunID  string
	Valid  bool
	Checks []Check
	Tables []Table
}

var md = goldmark.New(goldmark.WithExtensions(extension.Table))

// Writer writes artifacts into a single output directory, overwriting any
// existing artifact of the same name.
type Writer struct {
	dir    string
	logger *zap.Logger
}

// NewWriter creates a writer for dir.
func NewWriter(dir string, logger *zap.Logger) *Writer {
	return &Writer{dir: dir, logger: logger}
}

// Dir returns the output directory.
func (w *Writer) Dir() string {
	return w.dir
}

// WriteCSV writes t to <dir>/<name>.csv with a header row of column names.
func (w *Writer) WriteCSV(t Table) (string, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(t.Columns); err != nil {
		return "", fmt.Errorf("write header: %w", err)
	}
	rows := t.Capped()
	record := make([]string, len(t.Columns))
	for _, row := range rows {
		for i := range record {
			record[i] = ""
			if i < len(row) {
				record[i] = FormatValue(row[i])
			}
		}
		if err := cw.Write(record); err != nil {
			return "", fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return "", fmt.Errorf("flush rows: %w", err)
	}

	path := filepath.Join(w.dir, t.Name+".csv")
	if err := w.replaceFile(path, buf.Bytes()); err != nil {
		return "", err
	}
	w.logger.Info("wrote report", zap.String("report", t.Name), zap.String("path", path), zap.Int("rows", len(rows)))
	return path, nil
}

// WriteWorkbook writes every table into one spreadsheet, one sheet per table.
func (w *Writer) WriteWorkbook(tables []Table) (string, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	for i, t := range tables {
		sheet := sheetName(t.Name)
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet); err != nil {
				return "", fmt.Errorf("naming sheet %s: %w", sheet, err)
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return "", fmt.Errorf("creating sheet %s: %w", sheet, err)
		}

		header := make([]any, len(t.Columns))
		for j, c := range t.Columns {
			header[j] = c
		}
		if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
			return "", fmt.Errorf("writing header of %s: %w", sheet, err)
		}
		for r, row := range t.Capped() {
			cell, err := excelize.CoordinatesToCellName(1, r+2)
			if err != nil {
				return "", err
			}
			values := append([]any(nil), row...)
			if err := f.SetSheetRow(sheet, cell, &values); err != nil {
				return "", fmt.Errorf("writing row %d of %s: %w", r+1, sheet, err)
			}
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return "", fmt.Errorf("encoding workbook: %w", err)
	}
	path := filepath.Join(w.dir, WorkbookName)
	if err := w.replaceFile(path, buf.Bytes()); err != nil {
		return "", err
	}
	w.logger.Info("wrote workbook", zap.String("path", path), zap.Int("sheets", len(tables)))
	return path, nil
}

// WriteSummary writes summary.md and the same document rendered to summary.html.
func (w *Writer) WriteSummary(s Summary) (mdPath, htmlPath string, err error) {
	doc := RenderMarkdown(s)

	var html bytes.Buffer
	html.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>MovieLens run summary</title></head><body>\n")
	if err := md.Convert([]byte(doc), &html); err != nil {
		return "", "", fmt.Errorf("rendering summary: %w", err)
	}
	html.WriteString("</body></html>\n")

	mdPath = filepath.Join(w.dir, "summary.md")
	if err := w.replaceFile(mdPath, []byte(doc)); err != nil {
		return "", "", err
	}
	htmlPath = filepath.Join(w.dir, "summary.html")
	if err := w.replaceFile(htmlPath, html.Bytes()); err != nil {
		return "", "", err
	}
	w.logger.Info("wrote run summary", zap.String("path", htmlPath))
	return mdPath, htmlPath, nil
}

// RenderMarkdown renders the run summary as a markdown document.
func RenderMarkdown(s Summary) string {
	var b strings.Builder
	b.WriteString("# MovieLens run summary\n\n")
	if s.RunID != "" {
		fmt.Fprintf(&b, "Run `%s`\n\n", s.RunID)
	}

	b.WriteString("## Validation\n\n")
	if s.Valid {
		b.WriteString("All checks passed.\n\n")
	} else {
		b.WriteString("Validation finished with issues. Downstream stages ran regardless.\n\n")
	}
	if len(s.Checks) > 0 {
		b.WriteString("| check | violations | severity | error |\n|---|---|---|---|\n")
		for _, c := range s.Checks {
			fmt.Fprintf(&b, "| %s | %d | %s | %s |\n", c.Name, c.Violations, c.Severity, escapeCell(c.Error))
		}
		b.WriteString("\n")
	}

	for _, t := range s.Tables {
		title := t.Title
		if title == "" {
			title = t.Name
		}
		fmt.Fprintf(&b, "## %s\n\n", title)
		rows := t.Capped()
		if len(rows) == 0 {
			b.WriteString("No rows.\n\n")
			continue
		}
		if t.Limit > 0 {
			fmt.Fprintf(&b, "Showing %d of at most %d rows.\n\n", len(rows), t.Limit)
		}
		b.WriteString("| " + strings.Join(t.Columns, " | ") + " |\n")
		b.WriteString("|" + strings.Repeat("---|", len(t.Columns)) + "\n")
		for _, row := range rows {
			cells := make([]string, len(t.Columns))
			for i := range cells {
				if i < len(row) {
					cells[i] = escapeCell(FormatValue(row[i]))
				}
			}
			b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FormatValue renders a cell the way the CSV artifacts store it. Floats use
// the shortest representation that round-trips.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	default:
		return fmt.Sprint(x)
	}
}

// replaceFile writes data beside path and renames it into place.
func (w *Writer) replaceFile(path string, data []byte) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	tmp, err := os.CreateTemp(w.dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	bw := bufio.NewWriter(tmp)
	if _, err := bw.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// sheetName trims a table name to Excel's 31 character sheet limit.
func sheetName(name string) string {
	if len(name) > 31 {
		return name[:31]
	}
	return name
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
