package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanehull/bsescraper/internal/ai"
	"github.com/shanehull/bsescraper/internal/extract"
	"github.com/shanehull/bsescraper/internal/fetch"
	"github.com/shanehull/bsescraper/internal/layout"
	"github.com/shanehull/bsescraper/internal/ocr"
	"github.com/shanehull/bsescraper/internal/report"
	"github.com/shanehull/bsescraper/internal/store"
	"github.com/shanehull/bsescraper/internal/types"
)

type fakeLocator struct {
	anns []types.Announcement
	err  error
}

func (f *fakeLocator) Locate(ctx context.Context, q types.Query) ([]types.Announcement, error) {
	return f.anns, f.err
}

// fakeFetcher writes a placeholder PDF unless the company is listed in fail.
type fakeFetcher struct {
	layout layout.Layout
	fail   map[string]error
	calls  atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, ann types.Announcement) (fetch.Result, error) {
	f.calls.Add(1)
	if err := f.fail[ann.CompanyName]; err != nil {
		return fetch.Result{}, err
	}
	path := f.layout.PDFPath(ann)
	if layout.FileNonEmpty(path) {
		return fetch.Result{Path: path, Size: 9, Skipped: true}, nil
	}
	if err := layout.WriteFile(path, []byte("%PDF-1.4\n")); err != nil {
		return fetch.Result{}, err
	}
	return fetch.Result{Path: path, Size: 9}, nil
}

// fakeExtractor returns canned artifacts per company and writes the text file.
type fakeExtractor struct {
	texts      map[string]string
	pageErrors map[string]int
	calls      atomic.Int32
}

func (f *fakeExtractor) Extract(ctx context.Context, pdfPath, dir string) (*extract.Artifacts, error) {
	f.calls.Add(1)
	base := filepath.Base(dir)
	for name, text := range f.texts {
		if !strings.HasPrefix(base, layout.Sanitize(name)+"_") {
			continue
		}
		if text == "<broken>" {
			return nil, errors.New("no objects found")
		}
		paths := layout.Artifacts(dir)
		if err := layout.WriteFile(paths.TextPath(), []byte(text)); err != nil {
			return nil, err
		}
		art := &extract.Artifacts{
			PageCount:  1,
			Text:       text,
			TextChars:  len(text),
			TextPath:   paths.TextPath(),
			PageImages: []string{paths.PageImagePath(1)},
		}
		for i := 0; i < f.pageErrors[name]; i++ {
			art.PageErrors = append(art.PageErrors, extract.PageError{Page: i + 1, Stage: "text", Error: "bad stream"})
		}
		return art, nil
	}
	return nil, fmt.Errorf("unexpected dir %s", dir)
}

// fakeOCR mimics ocr.Runner: nothing is written when no text is recognised.
type fakeOCR struct {
	text  string
	err   error
	calls atomic.Int32
}

func (f *fakeOCR) Run(ctx context.Context, images []string, outPath string) (ocr.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return ocr.Result{}, f.err
	}
	if f.text == "" {
		return ocr.Result{Failed: len(images)}, nil
	}
	if err := layout.WriteFile(outPath, []byte(f.text)); err != nil {
		return ocr.Result{}, err
	}
	return ocr.Result{Path: outPath, Text: f.text, Processed: len(images)}, nil
}

type fakeQA struct {
	mu      sync.Mutex
	texts   map[string]string
	failing map[string]int
}

func (f *fakeQA) Run(ctx context.Context, ann types.Announcement, text string) (*store.QARecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts[ann.CompanyName] = text

	rec := &store.QARecord{Announcement: ann}
	rec.Results = append(rec.Results, types.QAResult{Question: "q1", Answer: "Yes", Normalized: "Yes", Status: types.QAStatusOK})
	for i := 0; i < f.failing[ann.CompanyName]; i++ {
		rec.Results = append(rec.Results, types.QAResult{Question: fmt.Sprintf("f%d", i), Status: types.QAStatusFailed, Error: "timeout"})
	}
	return rec, nil
}

type fakeReporter struct {
	newThisRun int
	calls      int
}

func (f *fakeReporter) Build(ctx context.Context, newThisRun int) (*report.Report, error) {
	f.calls++
	f.newThisRun = newThisRun
	return &report.Report{Announcements: newThisRun}, nil
}

type fakeChecker struct{ err error }

func (f fakeChecker) Available(ctx context.Context) error { return f.err }

type countingProgress struct {
	mu       sync.Mutex
	total    int
	added    int
	finished bool
}

func (c *countingProgress) Add(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.added += n
	return nil
}

func (c *countingProgress) Finish() error {
	c.finished = true
	return nil
}

func ann(company string) types.Announcement {
	return types.Announcement{
		Date:        "24-02-2025",
		CompanyName: company,
		ScriptID:    "500001",
		Description: "Outcome of Board Meeting",
		PDFURL:      "https://example.com/" + company + ".pdf",
	}
}

type harness struct {
	layout    layout.Layout
	store     *store.Store
	locator   *fakeLocator
	fetcher   *fakeFetcher
	extractor *fakeExtractor
	ocr       *fakeOCR
	qa        *fakeQA
	reporter  *fakeReporter
	progress  *countingProgress
}

func newHarness(t *testing.T) *harness {
	l := layout.New(t.TempDir())
	return &harness{
		layout:  l,
		store:   store.New(l, zerolog.Nop()),
		locator: &fakeLocator{anns: []types.Announcement{ann("Alpha"), ann("Beta"), ann("Gamma"), ann("Delta"), ann("Scan")}},
		fetcher: &fakeFetcher{layout: l, fail: map[string]error{
			"Gamma": fmt.Errorf("%w: 404", fetch.ErrFetchFailed),
		}},
		extractor: &fakeExtractor{
			texts: map[string]string{
				"Alpha": "Board approved a final dividend of Rs 10 per share, record date fixed for the same.",
				"Beta":  "Quarterly results for the period ended December with revenue up twelve percent.",
				"Delta": "<broken>",
				"Scan":  "x",
			},
			pageErrors: map[string]int{"Beta": 1},
		},
		ocr:      &fakeOCR{text: "\n\n[PAGE 1]\n[EXTRACTED FROM IMAGE: page1_full.png]\nSCANNED NOTICE\n[END OF IMAGE TEXT]"},
		qa:       &fakeQA{texts: map[string]string{}, failing: map[string]int{}},
		reporter: &fakeReporter{},
	}
}

func (h *harness) pipeline(checker ai.Checker) *Pipeline {
	return New(Deps{
		Locator:   h.locator,
		Fetcher:   h.fetcher,
		Extractor: h.extractor,
		OCR:       h.ocr,
		QA:        h.qa,
		Reporter:  h.reporter,
		Store:     h.store,
		Checker:   checker,
	}, Options{
		Workers:      3,
		OCRThreshold: ocr.Threshold{MinCharsPerPage: 20},
		NewProgress: func(total int) Progress {
			h.progress = &countingProgress{total: total}
			return h.progress
		},
	}, zerolog.Nop())
}

func query() types.Query {
	return types.Query{
		From:     time.Date(2025, 2, 24, 0, 0, 0, 0, time.UTC),
		To:       time.Date(2025, 2, 24, 0, 0, 0, 0, time.UTC),
		Category: types.AllCategories,
	}
}

func TestRun(t *testing.T) {
	h := newHarness(t)

	sum, err := h.pipeline(fakeChecker{}).Run(context.Background(), query())
	require.NoError(t, err)

	assert.Equal(t, 5, sum.Located)
	assert.Equal(t, 2, sum.Fully, "Alpha and the OCR'd scan")
	assert.Equal(t, 1, sum.Partial, "Beta had a page error")
	assert.Equal(t, 2, sum.Failed, "Gamma download and Delta extraction")
	assert.Zero(t, sum.Skipped)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", sum.RunID.String())

	require.Len(t, sum.Outcomes, 5)
	assert.Equal(t, "Alpha", sum.Outcomes[0].Announcement.CompanyName, "listing order is kept")
	assert.Equal(t, types.StatusFetchFailed, sum.Outcomes[2].Status)
	assert.ErrorIs(t, sum.Outcomes[2].Err, fetch.ErrFetchFailed)
	assert.Equal(t, types.StatusExtractFailed, sum.Outcomes[3].Status)
	assert.True(t, sum.Outcomes[4].OCRUsed)

	assert.Equal(t, int32(1), h.ocr.calls.Load(), "only the sparse document is OCR'd")
	assert.Contains(t, h.qa.texts["Scan"], "SCANNED NOTICE")
	assert.NotContains(t, h.qa.texts, "Gamma")
	assert.NotContains(t, h.qa.texts, "Delta")

	meta := h.store.LoadMetadata(ann("Gamma"))
	require.NotNil(t, meta)
	assert.Equal(t, types.StatusFetchFailed, meta.Status)
	assert.Contains(t, meta.Error, "404")

	meta = h.store.LoadMetadata(ann("Scan"))
	require.NotNil(t, meta)
	assert.True(t, meta.Extraction.OCRUsed)
	assert.Equal(t, layout.Artifacts(h.layout.AnnouncementDir(ann("Scan"))).OCRPath(), meta.Extraction.OCRTextFile)

	assert.Equal(t, 1, h.reporter.calls)
	assert.Equal(t, 5, h.reporter.newThisRun)
	require.NotNil(t, h.progress)
	assert.Equal(t, 5, h.progress.total)
	assert.Equal(t, 5, h.progress.added)
	assert.True(t, h.progress.finished)
}

func TestRun_Rerun(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(nil)

	_, err := p.Run(context.Background(), query())
	require.NoError(t, err)
	extractCalls := h.extractor.calls.Load()

	sum, err := p.Run(context.Background(), query())
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Skipped, "fully processed announcements are not redone")
	assert.Equal(t, 1, sum.Partial)
	assert.Zero(t, sum.Fully)
	assert.Equal(t, extractCalls+1, h.extractor.calls.Load(), "only the broken PDF is extracted again")
	assert.Contains(t, h.qa.texts["Scan"], "SCANNED NOTICE", "reused OCR text still reaches the questions")
}

func TestRun_RerunLeavesMetadataUntouched(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(nil)

	_, err := p.Run(context.Background(), query())
	require.NoError(t, err)
	first := map[string]string{}
	for _, a := range h.locator.anns {
		data, err := os.ReadFile(h.layout.MetadataPath(a))
		require.NoError(t, err)
		first[a.CompanyName] = string(data)
	}

	time.Sleep(10 * time.Millisecond)
	_, err = p.Run(context.Background(), query())
	require.NoError(t, err)

	for _, a := range h.locator.anns {
		data, err := os.ReadFile(h.layout.MetadataPath(a))
		require.NoError(t, err)
		assert.Equal(t, first[a.CompanyName], string(data), a.CompanyName)
	}
}

func TestRun_RetriesFailedOCR(t *testing.T) {
	h := newHarness(t)
	h.locator.anns = []types.Announcement{ann("Scan")}
	h.ocr.err = errors.New("tesseract: executable file not found")
	p := h.pipeline(nil)

	sum, err := p.Run(context.Background(), query())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Partial)
	meta := h.store.LoadMetadata(ann("Scan"))
	require.NotNil(t, meta)
	require.Len(t, meta.Extraction.PageErrors, 1)
	assert.Equal(t, "ocr", meta.Extraction.PageErrors[0].Stage)

	h.ocr.err = nil
	sum, err = p.Run(context.Background(), query())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Fully)
	assert.Zero(t, sum.Skipped)
	assert.Equal(t, int32(2), h.ocr.calls.Load())
	assert.Equal(t, int32(1), h.extractor.calls.Load(), "extraction is still reused")
	assert.Contains(t, h.qa.texts["Scan"], "SCANNED NOTICE")

	meta = h.store.LoadMetadata(ann("Scan"))
	require.NotNil(t, meta)
	assert.Empty(t, meta.Extraction.PageErrors)
	assert.True(t, meta.Extraction.OCRUsed)
	assert.Equal(t, types.StatusFullyProcessed, meta.Status)
}

func TestRun_OCRWithoutText(t *testing.T) {
	h := newHarness(t)
	h.locator.anns = []types.Announcement{ann("Scan")}
	h.ocr.text = ""

	sum, err := h.pipeline(nil).Run(context.Background(), query())
	require.NoError(t, err)

	require.Len(t, sum.Outcomes, 1)
	assert.False(t, sum.Outcomes[0].OCRUsed)
	assert.Equal(t, types.StatusPartiallyProcessed, sum.Outcomes[0].Status)

	meta := h.store.LoadMetadata(ann("Scan"))
	require.NotNil(t, meta)
	assert.False(t, meta.Extraction.OCRUsed)
	assert.Empty(t, meta.Extraction.OCRTextFile)
	require.Len(t, meta.Extraction.PageErrors, 1)
	assert.Equal(t, "no text recognised", meta.Extraction.PageErrors[0].Error)
}

func TestRun_LongNamesAreProcessed(t *testing.T) {
	h := newHarness(t)
	long := ann(strings.Repeat("Reliance Industries Limited ", 4))
	long.Description = strings.Repeat("Announcement under Regulation 30 (LODR) - Investor Presentation ", 3)
	h.locator.anns = []types.Announcement{long, ann("Alpha")}
	h.extractor.texts[long.CompanyName] = "Investor presentation for the quarter with segment revenue details."

	sum, err := h.pipeline(nil).Run(context.Background(), query())
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Fully)
	assert.FileExists(t, h.layout.PDFPath(long))
	assert.LessOrEqual(t, len(filepath.Base(h.layout.PDFPath(long))), 255)
}

func TestRun_QAFailuresArePartial(t *testing.T) {
	h := newHarness(t)
	h.qa.failing["Alpha"] = 2

	sum, err := h.pipeline(nil).Run(context.Background(), query())
	require.NoError(t, err)
	assert.Equal(t, types.StatusPartiallyProcessed, sum.Outcomes[0].Status)
	assert.Equal(t, 2, sum.Outcomes[0].QAFailed)
}

func TestRun_PreflightFailures(t *testing.T) {
	h := newHarness(t)

	_, err := h.pipeline(fakeChecker{err: ai.ErrUnavailable}).Run(context.Background(), query())
	require.ErrorIs(t, err, ai.ErrUnavailable)
	assert.Zero(t, h.fetcher.calls.Load())

	blocked := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o644))
	h.store = store.New(layout.New(filepath.Join(blocked, "root")), zerolog.Nop())

	_, err = h.pipeline(nil).Run(context.Background(), query())
	require.Error(t, err)
	assert.True(t, layout.IsStorageError(err))
}

func TestRun_StorageErrorAborts(t *testing.T) {
	h := newHarness(t)
	h.fetcher.fail = map[string]error{
		"Beta": &layout.StorageError{Op: "write", Path: "/full", Err: errors.New("no space left on device")},
	}

	_, err := h.pipeline(nil).Run(context.Background(), query())
	require.Error(t, err)
	assert.True(t, layout.IsStorageError(err))
	assert.Zero(t, h.reporter.calls)
}

func TestRun_LocateFailure(t *testing.T) {
	h := newHarness(t)
	h.locator.err = errors.New("browser crashed")

	_, err := h.pipeline(nil).Run(context.Background(), query())
	require.ErrorContains(t, err, "failed to locate announcements")
}

func TestRun_Canceled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.pipeline(nil).Run(ctx, query())
	require.ErrorIs(t, err, context.Canceled)
}

func TestUniqueDirs(t *testing.T) {
	a := ann("Alpha")
	b := ann("Alpha")
	b.PDFURL = "https://example.com/other.pdf"
	c := ann("Alpha")
	c.Description = "Outcome of Board/Meeting"
	d := ann("Beta")

	out := uniqueDirs([]types.Announcement{a, b, c, d}, zerolog.Nop())
	assert.Equal(t, []types.Announcement{a, d}, out, "the slash sanitizes to the same directory name")
}
