/*
Package bse locates corporate announcements on the BSE India announcements page. The search form
is filled and paged through in a headless browser; each rendered page is parsed into
announcement records.
*/
package bse

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shanehull/bsescraper/internal/retry"
	"github.com/shanehull/bsescraper/internal/types"
)

const AnnouncementsURL = "https://www.bseindia.com/corporates/ann.html"

// Locator returns the announcements matching a query in the order the exchange lists them.
type Locator interface {
	Locate(ctx context.Context, q types.Query) ([]types.Announcement, error)
}

// Session is one browser tab positioned on the announcements page.
type Session interface {
	Search(ctx context.Context, q types.Query) error
	ResultsHTML(ctx context.Context) (string, error)
	// Next advances to the following results page. It reports false when there is none.
	Next(ctx context.Context) (bool, error)
	Close()
}

type Options struct {
	URL         string
	ExecPath    string
	Headless    bool
	PageTimeout time.Duration
	MaxPages    int
	Retry       retry.Policy
}

type BrowserLocator struct {
	opts       Options
	logger     zerolog.Logger
	newSession func(ctx context.Context) (Session, error)
}

func NewBrowserLocator(opts Options, logger zerolog.Logger) *BrowserLocator {
	if opts.URL == "" {
		opts.URL = AnnouncementsURL
	}
	l := &BrowserLocator{
		opts:   opts,
		logger: logger.With().Str("stage", "locate").Logger(),
	}
	l.newSession = func(ctx context.Context) (Session, error) {
		return newChromeSession(ctx, l.opts)
	}
	return l
}

func (l *BrowserLocator) Locate(ctx context.Context, q types.Query) ([]types.Announcement, error) {
	sess, err := l.newSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	defer sess.Close()

	err = l.opts.Retry.Do(ctx, l.logger, "search", func(ctx context.Context, _ int) error {
		return sess.Search(ctx, q)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit search from %s to %s: %w",
			q.From.Format(types.DateLayout), q.To.Format(types.DateLayout), err)
	}

	var (
		announcements []types.Announcement
		seenKeys      = make(map[string]struct{})
		seenLinks     = make(map[string]struct{})
		previousPage  string
	)

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return announcements, err
		}

		var content string
		err := l.opts.Retry.Do(ctx, l.logger, "results page", func(ctx context.Context, _ int) error {
			var err error
			content, err = sess.ResultsHTML(ctx)
			return err
		})

		switch {
		case err != nil:
			l.logger.Warn().Err(err).Int("page", page).Msg("failed to load results page, skipping")
		case content == previousPage:
			l.logger.Info().Int("page", page).Msg("results page unchanged, stopping")
			return announcements, nil
		default:
			previousPage = content
			found, err := ParseAnnouncements(content, l.opts.URL, q.To)
			if err != nil {
				l.logger.Warn().Err(err).Int("page", page).Msg("failed to parse results page, skipping")
				break
			}

			added := 0
			for _, ann := range found {
				if _, dup := seenKeys[ann.Key()]; dup {
					continue
				}
				if _, dup := seenLinks[ann.PDFURL]; dup {
					continue
				}
				seenKeys[ann.Key()] = struct{}{}
				seenLinks[ann.PDFURL] = struct{}{}
				announcements = append(announcements, ann)
				added++
			}
			l.logger.Info().Int("page", page).Int("rows", len(found)).Int("new", added).Msg("processed results page")
		}

		if page >= l.opts.MaxPages {
			l.logger.Warn().Int("max_pages", l.opts.MaxPages).Msg("page limit reached, stopping")
			return announcements, nil
		}

		more, err := sess.Next(ctx)
		if err != nil {
			l.logger.Warn().Err(err).Int("page", page).Msg("failed to move to next page")
			return announcements, nil
		}
		if !more {
			return announcements, nil
		}
	}
}
