package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/shanehull/bsescraper/internal/ai"
	"github.com/shanehull/bsescraper/internal/bse"
	"github.com/shanehull/bsescraper/internal/config"
	"github.com/shanehull/bsescraper/internal/extract"
	"github.com/shanehull/bsescraper/internal/fetch"
	"github.com/shanehull/bsescraper/internal/layout"
	"github.com/shanehull/bsescraper/internal/logging"
	"github.com/shanehull/bsescraper/internal/ocr"
	"github.com/shanehull/bsescraper/internal/pipeline"
	"github.com/shanehull/bsescraper/internal/report"
	"github.com/shanehull/bsescraper/internal/store"
	"github.com/shanehull/bsescraper/internal/types"
	"github.com/shanehull/bsescraper/internal/ui"
)

type globalFlags struct {
	configPath string
	root       string
	workers    int
	logLevel   string
	logFormat  string
}

// app holds everything the subcommands share once the config is loaded.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	layout layout.Layout
	store  *store.Store
}

// loadConfig reads the config file (config.yaml in the working directory when present and no
// path was given) and applies command line overrides.
func loadConfig(g globalFlags, changed func(name string) bool) (*config.Config, error) {
	path := g.configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultPath); err == nil {
			path = config.DefaultPath
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if changed("root") {
		cfg.Root = g.root
	}
	if changed("workers") {
		cfg.Workers = g.workers
	}
	if changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = g.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newApp(cfg *config.Config, logOut io.Writer) *app {
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, logOut)
	l := layout.New(cfg.Root)
	return &app{
		cfg:    cfg,
		logger: logger,
		layout: l,
		store:  store.New(l, logger),
	}
}

func (a *app) qaConfig() ai.Config {
	return ai.Config{
		Questions:       a.cfg.QA.Questions,
		Model:           a.cfg.QA.Model,
		BaseURL:         a.cfg.QA.BaseURL,
		Backend:         a.cfg.QA.Backend,
		APIKey:          a.cfg.QA.APIKey,
		Timeout:         a.cfg.QA.Timeout,
		MaxContextChars: a.cfg.QA.MaxContextChars,
		Retry:           a.cfg.QA.Retry,
	}
}

// answerer builds the configured model client. The checker is nil when the backend cannot
// verify itself.
func (a *app) answerer(ctx context.Context) (ai.Answerer, ai.Checker, error) {
	answerer, err := ai.NewAnswerer(ctx, a.qaConfig())
	if err != nil {
		return nil, nil, err
	}
	checker, _ := answerer.(ai.Checker)
	return answerer, checker, nil
}

func (a *app) tesseract() ocr.Tesseract {
	return ocr.Tesseract{
		Path:     a.cfg.OCR.TesseractPath,
		Language: a.cfg.OCR.Language,
		Timeout:  a.cfg.OCR.Timeout,
	}
}

func (a *app) reporter() *report.Builder {
	return report.NewBuilder(a.store, a.cfg.QA.Questions, a.logger)
}

func (a *app) locator() bse.Locator {
	return bse.NewBrowserLocator(bse.Options{
		URL:         a.cfg.Browser.URL,
		ExecPath:    a.cfg.Browser.ExecPath,
		Headless:    a.cfg.Browser.Headless,
		PageTimeout: a.cfg.Browser.PageTimeout,
		MaxPages:    a.cfg.Browser.MaxPages,
		Retry:       a.cfg.Browser.Retry,
	}, a.logger)
}

// pipeline wires every stage. The progress bar and search spinner are only shown when out is
// a terminal.
func (a *app) pipeline(ctx context.Context, out io.Writer, interactive bool) (*pipeline.Pipeline, error) {
	answerer, checker, err := a.answerer(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create answerer: %w", err)
	}

	var loc bse.Locator = a.locator()
	opts := pipeline.Options{
		Workers:      a.cfg.Workers,
		OCRThreshold: ocr.Threshold{MinCharsPerPage: a.cfg.OCR.MinCharsPerPage},
	}
	if interactive {
		loc = spinnerLocator{next: loc, out: out}
		opts.NewProgress = func(total int) pipeline.Progress {
			return ui.NewProgressBar(total, "Processing", out)
		}
	}

	deps := pipeline.Deps{
		Locator: loc,
		Fetcher: fetch.NewFetcher(fetch.Options{
			Timeout:   a.cfg.Fetch.Timeout,
			UserAgent: a.cfg.Fetch.UserAgent,
			Retry:     a.cfg.Fetch.Retry,
		}, a.layout, a.logger),
		Extractor: extract.New(extract.Options{
			DPI:           a.cfg.Extract.DPI,
			PdftotextPath: a.cfg.Extract.PdftotextPath,
			PdfimagesPath: a.cfg.Extract.PdfimagesPath,
			ToolTimeout:   a.cfg.Extract.ToolTimeout,
			MaxTablePages: a.cfg.Extract.MaxTablePages,
		}, a.logger),
		OCR:      ocr.NewRunner(a.tesseract(), a.logger),
		QA:       ai.NewRunner(a.qaConfig(), answerer, a.store, a.logger),
		Reporter: a.reporter(),
		Store:    a.store,
		Checker:  checker,
	}
	return pipeline.New(deps, opts, a.logger), nil
}

// spinnerLocator shows a spinner while the exchange is being searched.
type spinnerLocator struct {
	next bse.Locator
	out  io.Writer
}

func (s spinnerLocator) Locate(ctx context.Context, q types.Query) ([]types.Announcement, error) {
	sp := ui.NewSpinner("Searching BSE announcements...", s.out)
	sp.Start()
	anns, err := s.next.Locate(ctx, q)
	sp.Stop()
	return anns, err
}

// isUnavailable reports whether err means the model endpoint cannot be used at all.
func isUnavailable(err error) bool {
	return errors.Is(err, ai.ErrUnavailable)
}
