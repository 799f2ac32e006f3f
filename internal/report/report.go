/*
Package report rebuilds the run-independent outputs from the announcement tree: the long and
wide QA tables, the merged announcements JSON and a SQLite copy of the tables. Everything is
regenerated from scratch on each call.
*/
package report

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/shanehull/bsescraper/internal/layout"
	"github.com/shanehull/bsescraper/internal/store"
	"github.com/shanehull/bsescraper/internal/types"
)

// Entry joins an announcement's metadata with its QA record, which may be nil.
type Entry struct {
	Metadata     *store.Metadata
	QA           *store.QARecord
	MetadataPath string
	QAPath       string
}

func (e Entry) date() time.Time {
	if !e.Metadata.Announcement.DateTime.IsZero() {
		return e.Metadata.Announcement.DateTime
	}
	t, err := time.Parse(types.DateLayout, e.Metadata.Announcement.Date)
	if err != nil {
		return time.Time{}
	}
	return t
}

type Report struct {
	Announcements    int
	WithQA           int
	QARows           int
	NewThisRun       int
	LongResultsPath  string
	SummaryTablePath string
	MergedDataPath   string
	DatabasePath     string
	GeneratedAt      time.Time
}

// Paths lists the files the report wrote.
func (r *Report) Paths() []string {
	return []string{r.LongResultsPath, r.SummaryTablePath, r.MergedDataPath, r.DatabasePath}
}

type Builder struct {
	store     *store.Store
	layout    layout.Layout
	questions []string
	logger    zerolog.Logger
}

// NewBuilder returns a builder whose wide table has one column per question, in order.
// Questions found in stored results but missing from the list are appended after them.
func NewBuilder(st *store.Store, questions []string, logger zerolog.Logger) *Builder {
	return &Builder{
		store:     st,
		layout:    st.Layout(),
		questions: questions,
		logger:    logger.With().Str("stage", "report").Logger(),
	}
}

// Build walks the tree and writes every output. newThisRun is the number of announcements the
// current run located and is only used for the merged summary.
func (b *Builder) Build(ctx context.Context, newThisRun int) (*Report, error) {
	entries, err := b.Collect(ctx)
	if err != nil {
		return nil, err
	}

	questions := b.questionColumns(entries)
	rep := &Report{
		Announcements:    len(entries),
		NewThisRun:       newThisRun,
		LongResultsPath:  b.layout.LongResultsPath(),
		SummaryTablePath: b.layout.SummaryTablePath(),
		MergedDataPath:   b.layout.MergedDataPath(),
		DatabasePath:     b.layout.DatabasePath(),
		GeneratedAt:      time.Now(),
	}
	for _, e := range entries {
		if e.QA != nil {
			rep.WithQA++
		}
	}

	long := longRows(b.layout.Root, entries, questions)
	rep.QARows = len(long)

	if err := writeCSV(rep.LongResultsPath, longHeader, long); err != nil {
		return nil, err
	}
	if err := writeCSV(rep.SummaryTablePath, wideHeader(questions), wideRows(entries, questions)); err != nil {
		return nil, err
	}
	if err := b.writeMerged(rep, entries); err != nil {
		return nil, err
	}
	if err := writeDatabase(ctx, rep.DatabasePath, entries, long); err != nil {
		return nil, err
	}

	b.logger.Info().
		Int("announcements", rep.Announcements).
		Int("with_qa", rep.WithQA).
		Int("qa_rows", rep.QARows).
		Msg("reports regenerated")
	return rep, nil
}

// Collect loads every metadata.json under the root, skipping announcements whose download
// failed for good, sorted by date then company.
func (b *Builder) Collect(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	qaRoot := b.layout.QARoot()

	err := filepath.WalkDir(b.layout.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == b.layout.Root && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return &layout.StorageError{Op: "walk", Path: path, Err: err}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path == qaRoot {
				return fs.SkipDir
			}
			return nil
		}
		if d.Name() != layout.MetadataFile {
			return nil
		}

		m := b.store.ReadMetadataFile(path)
		if m == nil || m.Status == types.StatusFetchFailed {
			return nil
		}
		entries = append(entries, Entry{
			Metadata:     m,
			QA:           b.store.LoadQA(m.Announcement),
			MetadataPath: path,
			QAPath:       b.layout.QAResultsPath(m.Announcement),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect announcements: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		di, dj := entries[i].date(), entries[j].date()
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		ai, aj := entries[i].Metadata.Announcement, entries[j].Metadata.Announcement
		if ai.CompanyName != aj.CompanyName {
			return ai.CompanyName < aj.CompanyName
		}
		return ai.Description < aj.Description
	})
	return entries, nil
}

func (b *Builder) questionColumns(entries []Entry) []string {
	seen := make(map[string]bool, len(b.questions))
	cols := make([]string, 0, len(b.questions))
	for _, q := range b.questions {
		if !seen[q] {
			seen[q] = true
			cols = append(cols, q)
		}
	}
	for _, e := range entries {
		if e.QA == nil {
			continue
		}
		for _, res := range e.QA.Results {
			if !seen[res.Question] {
				seen[res.Question] = true
				cols = append(cols, res.Question)
			}
		}
	}
	return cols
}
