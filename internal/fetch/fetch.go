/*
Package fetch downloads announcement PDFs into the announcement directory. A download is only
kept once it has been fully written and starts with a PDF header.
*/
package fetch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/shanehull/bsescraper/internal/layout"
	"github.com/shanehull/bsescraper/internal/retry"
	"github.com/shanehull/bsescraper/internal/types"
)

// ErrFetchFailed is returned when a document could not be obtained after all retries, or the
// server answered with something that will never become a PDF.
var ErrFetchFailed = errors.New("fetch failed")

var pdfMagic = []byte("%PDF-")

type Options struct {
	Timeout   time.Duration
	UserAgent string
	Retry     retry.Policy
}

type Result struct {
	Path     string
	Size     int64
	FinalURL string
	Skipped  bool
}

// HumanSize renders the downloaded size for logs and reports.
func (r Result) HumanSize() string {
	if r.Size <= 0 {
		return ""
	}
	return humanize.Bytes(uint64(r.Size))
}

type Fetcher struct {
	client *http.Client
	layout layout.Layout
	opts   Options
	logger zerolog.Logger
}

func NewFetcher(opts Options, l layout.Layout, logger zerolog.Logger) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Fetcher{
		client: &http.Client{Timeout: opts.Timeout},
		layout: l,
		opts:   opts,
		logger: logger.With().Str("stage", "fetch").Logger(),
	}
}

type statusError struct {
	Code int
	URL  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("received status code %d from %s", e.Code, e.URL)
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// Fetch stores the announcement's PDF at its layout path. An existing non-empty file is kept
// as is and reported as skipped.
func (f *Fetcher) Fetch(ctx context.Context, ann types.Announcement) (Result, error) {
	path := f.layout.PDFPath(ann)
	logger := f.logger.With().Str("company", ann.CompanyName).Str("script_id", ann.ScriptID).Logger()

	if layout.FileNonEmpty(path) {
		info, err := os.Stat(path)
		if err != nil {
			return Result{}, &layout.StorageError{Op: "stat", Path: path, Err: err}
		}
		logger.Debug().Str("path", path).Msg("PDF already downloaded")
		return Result{Path: path, Size: info.Size(), FinalURL: ann.PDFURL, Skipped: true}, nil
	}

	if err := layout.MkdirAll(filepath.Dir(path)); err != nil {
		return Result{}, err
	}

	res := Result{Path: path, FinalURL: ann.PDFURL}
	err := f.opts.Retry.Do(ctx, logger, "download", func(ctx context.Context, attempt int) error {
		var err error
		res.FinalURL, res.Size, err = f.download(ctx, ann.PDFURL, path)
		return err
	})
	if err != nil {
		if layout.IsStorageError(err) || ctx.Err() != nil {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %s: %v", ErrFetchFailed, ann.PDFURL, err)
	}

	logger.Info().Str("path", path).Str("size", res.HumanSize()).Msg("downloaded PDF")
	return res, nil
}

// resolve follows redirects with a HEAD request. Servers that refuse HEAD leave the URL as is.
func (f *Fetcher) resolve(ctx context.Context, rawURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return rawURL
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return rawURL
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || resp.Request == nil || resp.Request.URL == nil {
		return rawURL
	}
	return resp.Request.URL.String()
}

func (f *Fetcher) download(ctx context.Context, rawURL, path string) (string, int64, error) {
	finalURL := f.resolve(ctx, rawURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, finalURL, nil)
	if err != nil {
		return finalURL, 0, retry.Permanent(fmt.Errorf("failed to build request for %s: %w", finalURL, err))
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return finalURL, 0, fmt.Errorf("failed to fetch URL %s: %w", finalURL, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			f.logger.Warn().Err(err).Str("url", finalURL).Msg("failed to close response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		serr := &statusError{Code: resp.StatusCode, URL: finalURL}
		if retryable(resp.StatusCode) {
			return finalURL, 0, serr
		}
		return finalURL, 0, retry.Permanent(serr)
	}

	body := bufio.NewReader(resp.Body)
	head, err := body.Peek(len(pdfMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return finalURL, 0, fmt.Errorf("failed to read response body: %w", err)
	}
	if !bytes.Equal(head, pdfMagic) {
		return finalURL, 0, retry.Permanent(fmt.Errorf("response from %s is not a PDF", finalURL))
	}

	size, err := writeAtomic(path, body)
	return finalURL, size, err
}

// writeAtomic streams r into a temp file next to path and renames it into place. Read errors
// are returned plainly so the caller may retry; filesystem errors are permanent storage errors.
func writeAtomic(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".download-*.pdf")
	if err != nil {
		return 0, retry.Permanent(&layout.StorageError{Op: "create", Path: path, Err: err})
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	size, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()

	if copyErr != nil {
		var pathErr *os.PathError
		if errors.As(copyErr, &pathErr) {
			return 0, retry.Permanent(&layout.StorageError{Op: "write", Path: path, Err: copyErr})
		}
		return 0, fmt.Errorf("failed to read PDF body: %w", copyErr)
	}
	if closeErr != nil {
		return 0, retry.Permanent(&layout.StorageError{Op: "close", Path: path, Err: closeErr})
	}

	if err := os.Rename(tmpName, path); err != nil {
		return 0, retry.Permanent(&layout.StorageError{Op: "rename", Path: path, Err: err})
	}
	return size, nil
}
