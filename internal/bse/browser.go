package bse

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/shanehull/bsescraper/internal/types"
)

const (
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	formDateLayout   = "02/01/2006"
	renderSettle     = 2 * time.Second
	pageSettle       = 3 * time.Second
)

// fillFormJS unchecks the "all dates" boxes, sets both dates and the category drop-down and
// fires the events the page's Angular bindings listen for.
const fillFormJS = `(function(from, to, category) {
	for (const id of ['chkfrmDate', 'chktoDate']) {
		const box = document.getElementById(id);
		if (box && box.checked) { box.click(); }
	}
	const set = (id, value) => {
		const el = document.getElementById(id);
		if (!el) { return false; }
		el.value = value;
		el.dispatchEvent(new Event('input', { bubbles: true }));
		el.dispatchEvent(new Event('change', { bubbles: true }));
		return true;
	};
	return set('txtFromDt', from) && set('txtToDt', to) && set('ddlPeriod', category);
})(%q, %q, %q)`

const nextPageJS = `(function() {
	const link = Array.from(document.querySelectorAll('a')).find(a => a.textContent.trim() === 'Next');
	if (!link) { return false; }
	const parent = link.parentElement;
	if (link.hasAttribute('disabled') || link.classList.contains('disabled') ||
		(parent && parent.classList.contains('disabled'))) {
		return false;
	}
	link.click();
	return true;
})()`

type chromeSession struct {
	ctx     context.Context
	cancel  context.CancelFunc
	url     string
	timeout time.Duration
}

func newChromeSession(ctx context.Context, opts Options) (Session, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.DisableGPU,
		chromedp.WindowSize(1920, 1080),
		chromedp.UserAgent(browserUserAgent),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	cancel := func() {
		cancelBrowser()
		cancelAlloc()
	}

	// An empty Run starts the browser so launch failures surface here.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to launch chrome: %w", err)
	}

	timeout := opts.PageTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	return &chromeSession{ctx: browserCtx, cancel: cancel, url: opts.URL, timeout: timeout}, nil
}

func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	return chromedp.Run(tctx, actions...)
}

func (s *chromeSession) Search(ctx context.Context, q types.Query) error {
	category := q.Category
	if category == "" {
		category = types.AllCategories
	}

	var filled bool
	err := s.run(ctx,
		chromedp.Navigate(s.url),
		chromedp.WaitVisible("#txtFromDt", chromedp.ByQuery),
		chromedp.Evaluate(fmt.Sprintf(fillFormJS,
			q.From.Format(formDateLayout), q.To.Format(formDateLayout), category), &filled),
	)
	if err != nil {
		return fmt.Errorf("failed to fill search form: %w", err)
	}
	if !filled {
		return fmt.Errorf("search form fields not found on %s", s.url)
	}

	err = s.run(ctx,
		chromedp.Click("#btnSubmit", chromedp.ByQuery),
		chromedp.WaitReady("table", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to submit search: %w", err)
	}
	return nil
}

func (s *chromeSession) ResultsHTML(ctx context.Context) (string, error) {
	var content string
	err := s.run(ctx,
		chromedp.WaitReady("table tbody", chromedp.ByQuery),
		chromedp.Sleep(renderSettle),
		chromedp.OuterHTML("html", &content, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("failed to read results table: %w", err)
	}
	return content, nil
}

func (s *chromeSession) Next(ctx context.Context) (bool, error) {
	var clicked bool
	if err := s.run(ctx, chromedp.Evaluate(nextPageJS, &clicked)); err != nil {
		return false, fmt.Errorf("failed to click next page: %w", err)
	}
	if !clicked {
		return false, nil
	}
	if err := s.run(ctx, chromedp.Sleep(pageSettle)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *chromeSession) Close() {
	s.cancel()
}
