/*
Package pipeline drives a run: it locates the announcements for a query, pushes each one
through download, extraction, OCR and question answering on a bounded worker pool, and
finally regenerates the reports.
*/
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/shanehull/bsescraper/internal/ai"
	"github.com/shanehull/bsescraper/internal/bse"
	"github.com/shanehull/bsescraper/internal/extract"
	"github.com/shanehull/bsescraper/internal/fetch"
	"github.com/shanehull/bsescraper/internal/layout"
	"github.com/shanehull/bsescraper/internal/ocr"
	"github.com/shanehull/bsescraper/internal/report"
	"github.com/shanehull/bsescraper/internal/store"
	"github.com/shanehull/bsescraper/internal/types"
)

const ocrStage = "ocr"

type Fetcher interface {
	Fetch(ctx context.Context, ann types.Announcement) (fetch.Result, error)
}

type Extractor interface {
	Extract(ctx context.Context, pdfPath, dir string) (*extract.Artifacts, error)
}

type OCR interface {
	Run(ctx context.Context, images []string, outPath string) (ocr.Result, error)
}

type Answerer interface {
	Run(ctx context.Context, ann types.Announcement, text string) (*store.QARecord, error)
}

type Reporter interface {
	Build(ctx context.Context, newThisRun int) (*report.Report, error)
}

// Progress is advanced once per finished announcement.
type Progress interface {
	Add(n int) error
	Finish() error
}

type Deps struct {
	Locator   bse.Locator
	Fetcher   Fetcher
	Extractor Extractor
	OCR       OCR
	QA        Answerer
	Reporter  Reporter
	Store     *store.Store
	// Checker verifies the inference endpoint before anything is downloaded. Optional.
	Checker ai.Checker
}

type Options struct {
	Workers      int
	OCRThreshold ocr.Threshold
	// NewProgress is called with the number of located announcements. Optional.
	NewProgress func(total int) Progress
}

type Outcome struct {
	Announcement types.Announcement
	Status       types.Status
	Skipped      bool
	OCRUsed      bool
	QAFailed     int
	Err          error
}

type Summary struct {
	RunID    uuid.UUID
	Query    types.Query
	Located  int
	Fully    int
	Partial  int
	Failed   int
	Skipped  int
	Duration time.Duration
	Outcomes []Outcome
	Report   *report.Report
}

type Pipeline struct {
	deps   Deps
	opts   Options
	layout layout.Layout
	logger zerolog.Logger
}

func New(deps Deps, opts Options, logger zerolog.Logger) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Pipeline{
		deps:   deps,
		opts:   opts,
		layout: deps.Store.Layout(),
		logger: logger,
	}
}

// Preflight aborts early when the output root is not writable or the model cannot be reached.
func (p *Pipeline) Preflight(ctx context.Context) error {
	if err := layout.CheckWritable(p.layout.Root); err != nil {
		return fmt.Errorf("failed to write to output root: %w", err)
	}
	if p.deps.Checker != nil {
		if err := p.deps.Checker.Available(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run processes every announcement matching q. Failures of single announcements are recorded
// in the summary; only storage errors, cancellation and failed pre-checks end the run early.
func (p *Pipeline) Run(ctx context.Context, q types.Query) (*Summary, error) {
	start := time.Now()
	sum := &Summary{RunID: uuid.New(), Query: q}
	logger := p.logger.With().Str("run_id", sum.RunID.String()).Logger()

	if err := p.Preflight(ctx); err != nil {
		return nil, err
	}

	logger.Info().
		Str("from", q.From.Format(types.DateLayout)).
		Str("to", q.To.Format(types.DateLayout)).
		Str("category", q.CategoryLabel()).
		Msg("locating announcements")

	anns, err := p.deps.Locator.Locate(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to locate announcements: %w", err)
	}
	anns = uniqueDirs(anns, logger)
	sum.Located = len(anns)
	logger.Info().Int("announcements", sum.Located).Msg("announcements located")

	var progress Progress
	if p.opts.NewProgress != nil && len(anns) > 0 {
		progress = p.opts.NewProgress(len(anns))
	}

	var (
		mu       sync.Mutex
		outcomes []Outcome
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)

	for _, ann := range anns {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out, err := p.process(gctx, ann, logger)
			if err != nil {
				return err
			}
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
			if progress != nil {
				_ = progress.Add(1)
			}
			return nil
		})
	}
	runErr := g.Wait()
	if progress != nil {
		_ = progress.Finish()
	}
	if runErr == nil {
		runErr = ctx.Err()
	}
	if runErr != nil {
		return nil, runErr
	}

	sum.Outcomes = sortOutcomes(outcomes, anns)
	for _, o := range sum.Outcomes {
		switch {
		case o.Status.Failed():
			sum.Failed++
		case o.Skipped:
			sum.Skipped++
		case o.Status == types.StatusPartiallyProcessed:
			sum.Partial++
		default:
			sum.Fully++
		}
	}

	if p.deps.Reporter != nil {
		rep, err := p.deps.Reporter.Build(ctx, sum.Located)
		if err != nil {
			return nil, fmt.Errorf("failed to build reports: %w", err)
		}
		sum.Report = rep
	}

	sum.Duration = time.Since(start)
	logger.Info().
		Int("located", sum.Located).
		Int("fully_processed", sum.Fully).
		Int("partially_processed", sum.Partial).
		Int("failed", sum.Failed).
		Int("skipped", sum.Skipped).
		Dur("duration", sum.Duration).
		Msg("run finished")
	return sum, nil
}

// process runs one announcement through every stage. The returned error is reserved for
// conditions that must stop the whole run.
func (p *Pipeline) process(ctx context.Context, ann types.Announcement, runLogger zerolog.Logger) (Outcome, error) {
	logger := runLogger.With().Str("company", ann.CompanyName).Str("script_id", ann.ScriptID).Logger()
	out := Outcome{Announcement: ann}

	previous := p.deps.Store.LoadMetadata(ann)
	meta := &store.Metadata{Announcement: ann, Status: types.StatusPending}

	res, err := p.deps.Fetcher.Fetch(ctx, ann)
	if err != nil {
		if fatal(ctx, err) {
			return out, err
		}
		logger.Warn().Err(err).Str("url", ann.PDFURL).Msg("failed to download PDF")
		return p.fail(meta, previous, out, types.StatusFetchFailed, err)
	}
	meta.PDFSize = res.Size

	dir := p.layout.AnnouncementDir(ann)
	paths := layout.Artifacts(dir)

	var text string
	reuse := res.Skipped && previous.Extracted()
	if reuse {
		logger.Debug().Msg("extraction already done, reusing artifacts")
		ext := *previous.Extraction
		meta.Extraction = &ext
		text = readArtifact(paths.TextPath())
		if ext.OCRTextFile != "" {
			text += readArtifact(paths.OCRPath())
		} else {
			// OCR that failed or found nothing last time is tried again.
			ext.OCRUsed = false
			ext.PageErrors = dropStage(ext.PageErrors, ocrStage)
			ocrText, err := p.recognize(ctx, logger, &ext, paths)
			if err != nil {
				return out, err
			}
			text += ocrText
		}
	} else {
		art, err := p.deps.Extractor.Extract(ctx, res.Path, dir)
		if err != nil {
			if fatal(ctx, err) {
				return out, err
			}
			logger.Warn().Err(err).Msg("failed to extract PDF content")
			return p.fail(meta, previous, out, types.StatusExtractFailed, err)
		}

		meta.Extraction = &store.Extraction{
			TextFile:    art.TextPath,
			TableFiles:  art.TablePaths,
			ImageFiles:  art.ImageFiles(),
			PageCount:   art.PageCount,
			TextChars:   art.TextChars,
			PageErrors:  art.PageErrors,
			TableMethod: art.TableMethod,
		}
		text = art.Text

		ocrText, err := p.recognize(ctx, logger, meta.Extraction, paths)
		if err != nil {
			return out, err
		}
		text += ocrText
	}
	out.OCRUsed = meta.Extraction.OCRUsed

	status := types.StatusFullyProcessed
	if len(meta.Extraction.PageErrors) > 0 {
		status = types.StatusPartiallyProcessed
	}

	if strings.TrimSpace(text) == "" {
		logger.Warn().Msg("no text recovered, skipping questions")
		status = types.StatusPartiallyProcessed
	} else {
		rec, err := p.deps.QA.Run(ctx, ann, text)
		if err != nil {
			if fatal(ctx, err) {
				return out, err
			}
			logger.Warn().Err(err).Msg("failed to answer questions")
			status = types.StatusPartiallyProcessed
			out.Err = err
		} else if out.QAFailed = rec.Failed(); out.QAFailed > 0 {
			status = types.StatusPartiallyProcessed
		}
	}

	meta.Status = status
	stamp(meta, previous)
	if reuse && previous.Status == types.StatusFullyProcessed && status == types.StatusFullyProcessed {
		out.Skipped = true
	}
	if err := p.deps.Store.SaveMetadata(meta); err != nil {
		return out, err
	}

	out.Status = status
	logger.Info().Str("status", string(status)).Bool("skipped", out.Skipped).Msg("announcement processed")
	return out, nil
}

func (p *Pipeline) fail(meta, previous *store.Metadata, out Outcome, status types.Status, cause error) (Outcome, error) {
	meta.Status = status
	meta.Error = cause.Error()
	stamp(meta, previous)
	if err := p.deps.Store.SaveMetadata(meta); err != nil {
		return out, err
	}
	out.Status = status
	out.Err = cause
	return out, nil
}

// recognize OCRs the document's images when its text is too sparse and returns the recognised
// text. Failures are recorded as page errors on ext; only run-ending errors are returned.
func (p *Pipeline) recognize(ctx context.Context, logger zerolog.Logger, ext *store.Extraction, paths layout.ArtifactPaths) (string, error) {
	if !ocr.NeedsOCR(ext.TextChars, ext.PageCount, len(ext.ImageFiles), p.opts.OCRThreshold) {
		return "", nil
	}
	logger.Info().Int("text_chars", ext.TextChars).Int("pages", ext.PageCount).Msg("text is sparse, running OCR")

	res, err := p.deps.OCR.Run(ctx, ext.ImageFiles, paths.OCRPath())
	switch {
	case err != nil && fatal(ctx, err):
		return "", err
	case err != nil:
		logger.Warn().Err(err).Msg("failed to OCR document")
		ext.PageErrors = append(ext.PageErrors, extract.PageError{Stage: ocrStage, Error: err.Error()})
		return "", nil
	case res.Path == "":
		logger.Warn().Int("images", len(ext.ImageFiles)).Msg("OCR recognised no text")
		ext.PageErrors = append(ext.PageErrors, extract.PageError{Stage: ocrStage, Error: "no text recognised"})
		return "", nil
	}

	ext.OCRUsed = true
	ext.OCRTextFile = res.Path
	return res.Text, nil
}

// stamp keeps the previous processing time when meta records nothing new, so a rerun leaves
// metadata.json byte for byte unchanged.
func stamp(meta, previous *store.Metadata) {
	if previous != nil {
		meta.ProcessedAt = previous.ProcessedAt
		a, errA := json.Marshal(meta)
		b, errB := json.Marshal(previous)
		if errA == nil && errB == nil && bytes.Equal(a, b) {
			return
		}
	}
	meta.ProcessedAt = time.Now()
}

func dropStage(errs []extract.PageError, stage string) []extract.PageError {
	var kept []extract.PageError
	for _, e := range errs {
		if e.Stage != stage {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(errs) {
		return errs
	}
	return kept
}

// fatal separates run-ending errors from per-announcement failures.
func fatal(ctx context.Context, err error) bool {
	return layout.IsStorageError(err) ||
		errors.Is(err, context.Canceled) ||
		(ctx.Err() != nil && errors.Is(err, ctx.Err()))
}

func readArtifact(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// uniqueDirs drops announcements that would share a directory with an earlier one, so no two
// workers ever write the same files.
func uniqueDirs(anns []types.Announcement, logger zerolog.Logger) []types.Announcement {
	seen := make(map[string]bool, len(anns))
	out := anns[:0:0]
	for _, a := range anns {
		key := layout.DateDir(a.Date) + "/" + layout.DirName(a.CompanyName, a.ScriptID, a.Description)
		if seen[key] {
			logger.Warn().Str("company", a.CompanyName).Str("description", a.Description).Msg("duplicate announcement directory, skipping")
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	return out
}

// sortOutcomes restores the order the exchange listed the announcements in.
func sortOutcomes(outcomes []Outcome, anns []types.Announcement) []Outcome {
	byKey := make(map[string]Outcome, len(outcomes))
	for _, o := range outcomes {
		byKey[o.Announcement.Key()] = o
	}
	sorted := make([]Outcome, 0, len(outcomes))
	for _, a := range anns {
		if o, ok := byKey[a.Key()]; ok {
			sorted = append(sorted, o)
		}
	}
	return sorted
}
