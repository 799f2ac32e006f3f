/*
Package extract pulls text, tables and images out of a downloaded announcement PDF. Extraction is
best-effort per page: a page that cannot be read is recorded and the rest of the document is
still processed.
*/
package extract

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gen2brain/go-fitz"
	"github.com/rs/zerolog"

	"github.com/shanehull/bsescraper/internal/layout"
)

const (
	TableMethodPDF       = "pdf-objects"
	TableMethodLayout    = "pdftotext-layout"
	TableMethodText      = "text-pattern"
	defaultMaxTablePages = 50
)

type Options struct {
	DPI           float64
	PdftotextPath string
	PdfimagesPath string
	ToolTimeout   time.Duration
	MaxTablePages int
}

type PageError struct {
	Page  int    `json:"page"`
	Stage string `json:"stage"`
	Error string `json:"error"`
}

type Artifacts struct {
	PageCount      int
	Text           string
	TextChars      int
	TextPath       string
	TablePaths     []string
	TableMethod    string
	PageImages     []string
	EmbeddedImages []string
	PageErrors     []PageError
}

// Partial reports whether any page could not be fully processed.
func (a *Artifacts) Partial() bool {
	return len(a.PageErrors) > 0
}

// ImageFiles lists page renders followed by embedded images.
func (a *Artifacts) ImageFiles() []string {
	out := make([]string, 0, len(a.PageImages)+len(a.EmbeddedImages))
	out = append(out, a.PageImages...)
	return append(out, a.EmbeddedImages...)
}

func (a *Artifacts) pageError(page int, stage string, err error) {
	a.PageErrors = append(a.PageErrors, PageError{Page: page, Stage: stage, Error: err.Error()})
}

type Extractor struct {
	opts   Options
	logger zerolog.Logger
}

func New(opts Options, logger zerolog.Logger) *Extractor {
	if opts.DPI <= 0 {
		opts.DPI = 150
	}
	if opts.MaxTablePages <= 0 {
		opts.MaxTablePages = defaultMaxTablePages
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 2 * time.Minute
	}
	return &Extractor{opts: opts, logger: logger.With().Str("stage", "extract").Logger()}
}

// Extract writes the text, table and image artifacts of pdfPath under dir. It fails only when
// the document cannot be opened at all or an artifact cannot be stored.
func (e *Extractor) Extract(ctx context.Context, pdfPath, dir string) (*Artifacts, error) {
	paths := layout.Artifacts(dir)
	logger := e.logger.With().Str("pdf", filepath.Base(pdfPath)).Logger()

	doc, err := fitz.New(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF %s: %w", pdfPath, err)
	}
	defer doc.Close()

	art := &Artifacts{PageCount: doc.NumPage(), TextPath: paths.TextPath()}

	pageTexts, err := e.extractText(ctx, doc, art)
	if err != nil {
		return nil, err
	}
	if err := e.writeText(paths, art, pageTexts); err != nil {
		return nil, err
	}

	if err := e.renderPages(ctx, doc, paths, art); err != nil {
		return nil, err
	}

	embedded, err := e.extractEmbeddedImages(ctx, pdfPath, paths)
	if err != nil {
		if layout.IsStorageError(err) {
			return nil, err
		}
		logger.Warn().Err(err).Msg("failed to extract embedded images")
	}
	art.EmbeddedImages = embedded

	if err := e.extractTables(ctx, pdfPath, paths, art, pageTexts); err != nil {
		return nil, err
	}

	logger.Info().
		Int("pages", art.PageCount).
		Int("text_chars", art.TextChars).
		Int("tables", len(art.TablePaths)).
		Int("images", len(art.ImageFiles())).
		Int("page_errors", len(art.PageErrors)).
		Msg("extracted PDF content")

	return art, nil
}

func (e *Extractor) extractText(ctx context.Context, doc *fitz.Document, art *Artifacts) (map[int]string, error) {
	texts := make(map[int]string, art.PageCount)
	for i := 0; i < art.PageCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := pageText(doc, i)
		if err != nil {
			art.pageError(i+1, "text", err)
			e.logger.Warn().Err(err).Int("page", i+1).Msg("failed to extract page text")
			continue
		}
		if strings.TrimSpace(text) != "" {
			texts[i+1] = text
		}
	}
	return texts, nil
}

func pageText(doc *fitz.Document, index int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic reading page %d: %v", index+1, r)
		}
	}()
	return doc.Text(index)
}

// writeText stores one "[PAGE n]" block per page that produced text. The file is always
// written so an empty document is distinguishable from one not yet processed.
func (e *Extractor) writeText(paths layout.ArtifactPaths, art *Artifacts, pageTexts map[int]string) error {
	pages := make([]int, 0, len(pageTexts))
	for p := range pageTexts {
		pages = append(pages, p)
	}
	sort.Ints(pages)

	var sb strings.Builder
	chars := 0
	for _, p := range pages {
		text := strings.TrimSpace(pageTexts[p])
		chars += len([]rune(text))
		fmt.Fprintf(&sb, "[PAGE %d]\n%s\n\n", p, text)
	}

	art.Text = sb.String()
	art.TextChars = chars
	return layout.WriteFile(paths.TextPath(), []byte(art.Text))
}

func (e *Extractor) renderPages(ctx context.Context, doc *fitz.Document, paths layout.ArtifactPaths, art *Artifacts) error {
	for i := 0; i < art.PageCount; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		png, err := renderPage(doc, i, e.opts.DPI)
		if err != nil {
			art.pageError(i+1, "render", err)
			e.logger.Warn().Err(err).Int("page", i+1).Msg("failed to render page")
			continue
		}
		path := paths.PageImagePath(i + 1)
		if err := layout.WriteFile(path, png); err != nil {
			return err
		}
		art.PageImages = append(art.PageImages, path)
	}
	return nil
}

func renderPage(doc *fitz.Document, index int, dpi float64) (png []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic rendering page %d: %v", index+1, r)
		}
	}()
	return doc.ImagePNG(index, dpi)
}
