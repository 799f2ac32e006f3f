package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shanehull/bsescraper/internal/config"
	"github.com/shanehull/bsescraper/internal/notify"
	"github.com/shanehull/bsescraper/internal/types"
	"github.com/shanehull/bsescraper/internal/ui"
)

type runFlags struct {
	from     string
	to       string
	category string
}

func newRootCmd() *cobra.Command {
	var (
		g globalFlags
		r runFlags
	)

	root := &cobra.Command{
		Use:   "bsescraper",
		Short: "Collect BSE corporate announcements and answer questions about them",
		Long: `bsescraper searches the BSE corporate announcements page for a date range and category,
downloads every announcement PDF, extracts its text, tables and images (with OCR for scanned
documents), asks a local language model a fixed list of questions about each one and writes
combined CSV, JSON and SQLite reports.

Without flags the dates and category are asked for interactively.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScrape(cmd, g, r)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "config file path (default "+config.DefaultPath+" when present)")
	pf.StringVar(&g.root, "root", "", "output root directory")
	pf.IntVarP(&g.workers, "workers", "w", 0, "announcements processed concurrently")
	pf.StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&g.logFormat, "log-format", "", "log format (console, json)")

	f := root.Flags()
	f.StringVar(&r.from, "from", "", "start date, DD/MM/YYYY")
	f.StringVar(&r.to, "to", "", "end date, DD/MM/YYYY")
	f.StringVar(&r.category, "category", "", "category number (0 for all) or name")

	root.AddCommand(newReportCmd(&g), newCheckCmd(&g))
	return root
}

func newReportCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Rebuild the combined reports from the announcements already on disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*g, cmd.Flags().Changed)
			if err != nil {
				return err
			}
			a := newApp(cfg, cmd.ErrOrStderr())
			out := cmd.OutOrStdout()

			rep, err := a.reporter().Build(cmd.Context(), 0)
			if err != nil {
				return fmt.Errorf("failed to build reports: %w", err)
			}

			ui.Success(out, "%d announcements, %d with answers, %d answers", rep.Announcements, rep.WithQA, rep.QARows)
			for _, p := range rep.Paths() {
				ui.Info(out, "%s", p)
			}
			return nil
		},
	}
}

func newCheckCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the language model endpoint and the OCR engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*g, cmd.Flags().Changed)
			if err != nil {
				return err
			}
			a := newApp(cfg, cmd.ErrOrStderr())
			out := cmd.OutOrStdout()
			ctx := cmd.Context()

			if err := a.tesseract().Available(ctx); err != nil {
				ui.Warning(out, "%v (scanned documents will not be OCRed)", err)
			} else {
				ui.Success(out, "OCR engine found")
			}

			_, checker, err := a.answerer(ctx)
			if err != nil {
				ui.Error(out, "%v", err)
				return err
			}
			if checker == nil {
				ui.Info(out, "%s backend cannot be checked before use", cfg.QA.Backend)
				return nil
			}
			if err := checker.Available(ctx); err != nil {
				if isUnavailable(err) {
					ui.Error(out, "model %s is not usable: %v", cfg.QA.Model, err)
				} else {
					ui.Error(out, "%v", err)
				}
				return err
			}
			ui.Success(out, "model %s is available (%s)", cfg.QA.Model, cfg.QA.Backend)
			return nil
		},
	}
}

func runScrape(cmd *cobra.Command, g globalFlags, r runFlags) error {
	cfg, err := loadConfig(g, cmd.Flags().Changed)
	if err != nil {
		return err
	}
	a := newApp(cfg, cmd.ErrOrStderr())
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	rule := strings.Repeat("=", 50)
	fmt.Fprintln(out, rule)
	fmt.Fprintln(out, "BSE Announcement Scraper")
	fmt.Fprintln(out, rule)

	q, err := resolveQuery(r, ui.NewPrompter(cmd.InOrStdin(), out))
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\nSearching announcements from %s to %s\n", q.From.Format(ui.InputLayout), q.To.Format(ui.InputLayout))
	fmt.Fprintf(out, "Company update type: %s\n", q.CategoryLabel())
	fmt.Fprintln(out, rule)

	if err := a.tesseract().Available(ctx); err != nil {
		ui.Warning(out, "%v (scanned documents will not be OCRed)", err)
	}

	p, err := a.pipeline(ctx, os.Stderr, ui.Interactive(os.Stderr))
	if err != nil {
		return err
	}

	sum, err := p.Run(ctx, q)
	if err != nil {
		return err
	}

	data := notify.NewNotificationData(sum)
	notify.PrintSummary(out, data)

	if cfg.SMTP.Enabled() {
		sender := notify.NewEmailSender(notify.EmailConfigFrom(cfg.SMTP), a.logger)
		msg, err := notify.NewHTMLEmailRenderer().Render(data)
		if err != nil {
			a.logger.Warn().Err(err).Msg("failed to render run report email")
		} else if err := sender.Send(msg); err != nil {
			ui.Warning(out, "run report email not sent: %v", err)
		}
	}
	return nil
}

// resolveQuery takes each value from its flag when given and prompts for the rest.
func resolveQuery(r runFlags, p *ui.Prompter) (types.Query, error) {
	var (
		q   types.Query
		err error
	)

	switch {
	case r.from != "" && r.to != "":
		if q.From, err = ui.ParseDate(r.from); err != nil {
			return q, fmt.Errorf("--from: %w", err)
		}
		if q.To, err = ui.ParseDate(r.to); err != nil {
			return q, fmt.Errorf("--to: %w", err)
		}
		if q.To.Before(q.From) {
			return q, errors.New("--to must not be before --from")
		}
	case r.from != "":
		if q.From, err = ui.ParseDate(r.from); err != nil {
			return q, fmt.Errorf("--from: %w", err)
		}
		if q.To, err = p.PromptTo(q.From); err != nil {
			return q, err
		}
	case r.to != "":
		return q, errors.New("--to requires --from")
	default:
		if q.From, q.To, err = p.PromptRange(); err != nil {
			return q, err
		}
	}

	if r.category != "" {
		if q.Category, err = ui.ParseCategory(r.category); err != nil {
			return q, fmt.Errorf("--category: %w", err)
		}
		return q, nil
	}
	q.Category, err = p.PromptCategory()
	return q, err
}
