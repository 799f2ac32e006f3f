package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/shanehull/bsescraper/internal/layout"
)

const (
	minTableRows    = 3
	minTableColumns = 3
	// Horizontal gaps are measured in multiples of the font size.
	wordGapEm = 0.15
	cellGapEm = 0.5
)

var columnSplit = regexp.MustCompile(`\t+|\s{2,}`)

type table [][]string

// splitColumns breaks a line on tabs or runs of two or more spaces.
func splitColumns(line string) []string {
	parts := columnSplit.Split(strings.TrimSpace(line), -1)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// detectTables groups consecutive lines that split into at least three columns. A group
// becomes a table once it reaches three rows.
func detectTables(lines []string) []table {
	var (
		tables  []table
		current table
	)
	flush := func() {
		if len(current) >= minTableRows {
			tables = append(tables, current)
		}
		current = nil
	}

	for _, line := range lines {
		cols := splitColumns(line)
		if len(cols) >= minTableColumns {
			current = append(current, cols)
			continue
		}
		flush()
	}
	flush()

	return tables
}

// rowLine rebuilds a visual line from positioned glyphs. Wide gaps become tabs so the column
// split above sees them as cell boundaries.
func rowLine(texts []pdf.Text) string {
	sorted := make([]pdf.Text, len(texts))
	copy(sorted, texts)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].X < sorted[j].X })

	var sb strings.Builder
	var lastEnd float64
	for i, t := range sorted {
		size := t.FontSize
		if size <= 0 {
			size = 10
		}
		if i > 0 {
			gap := t.X - lastEnd
			switch {
			case gap > size*cellGapEm:
				sb.WriteByte('\t')
			case gap > size*wordGapEm:
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(t.S)
		lastEnd = t.X + t.W
	}
	return sb.String()
}

// objectTables reads glyph rows straight from the PDF objects, one page at a time. A page the
// reader cannot cope with is logged and skipped.
func (e *Extractor) objectTables(ctx context.Context, pdfPath string) ([]table, error) {
	f, r, err := pdf.Open(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF for table reading: %w", err)
	}
	defer f.Close()

	var tables []table
	pages := r.NumPage()
	if pages > e.opts.MaxTablePages {
		pages = e.opts.MaxTablePages
	}
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lines, err := pageLines(r, i)
		if err != nil {
			e.logger.Debug().Err(err).Int("page", i).Msg("failed to read table rows")
			continue
		}
		tables = append(tables, detectTables(lines)...)
	}
	return tables, nil
}

func pageLines(r *pdf.Reader, index int) (lines []string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic reading page %d: %v", index, rec)
		}
	}()

	page := r.Page(index)
	if page.V.IsNull() {
		return nil, nil
	}

	rows := make(map[int][]pdf.Text)
	for _, t := range page.Content().Text {
		y := int(math.Round(t.Y))
		rows[y] = append(rows[y], t)
	}

	ys := make([]int, 0, len(rows))
	for y := range rows {
		ys = append(ys, y)
	}
	// PDF user space grows upwards, so the top line has the largest y.
	sort.Sort(sort.Reverse(sort.IntSlice(ys)))

	for _, y := range ys {
		lines = append(lines, rowLine(rows[y]))
	}
	return lines, nil
}

// extractTables tries the PDF object reader first, then pdftotext -layout, then the text
// already extracted, and writes whatever the first productive method finds.
func (e *Extractor) extractTables(ctx context.Context, pdfPath string, paths layout.ArtifactPaths, art *Artifacts, pageTexts map[int]string) error {
	tables, err := e.objectTables(ctx, pdfPath)
	method := TableMethodPDF
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Debug().Err(err).Msg("failed to read tables from PDF objects")
	}

	if len(tables) == 0 {
		method = TableMethodLayout
		tables = nil
		pagesText, err := e.layoutText(ctx, pdfPath)
		switch {
		case errors.Is(err, ErrToolMissing):
			e.logger.Warn().Err(err).Msg("pdftotext not installed, falling back to extracted text")
		case err != nil:
			e.logger.Warn().Err(err).Msg("failed to run pdftotext")
		default:
			for i, text := range pagesText {
				if i >= e.opts.MaxTablePages {
					break
				}
				tables = append(tables, detectTables(strings.Split(text, "\n"))...)
			}
		}
	}

	if len(tables) == 0 {
		method = TableMethodText
		pages := make([]int, 0, len(pageTexts))
		for p := range pageTexts {
			pages = append(pages, p)
		}
		sort.Ints(pages)
		for _, p := range pages {
			tables = append(tables, detectTables(strings.Split(pageTexts[p], "\n"))...)
		}
	}

	if len(tables) == 0 {
		return nil
	}

	art.TableMethod = method
	for i, t := range tables {
		path := paths.TablePath(i + 1)
		data, err := encodeCSV(t)
		if err != nil {
			return fmt.Errorf("failed to encode table %d: %w", i+1, err)
		}
		if err := layout.WriteFile(path, data); err != nil {
			return err
		}
		art.TablePaths = append(art.TablePaths, path)
	}
	return nil
}

func encodeCSV(t table) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
