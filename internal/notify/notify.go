/*
Package notify reports the outcome of a run on the console and, when SMTP is configured, by
e-mail.
*/
package notify

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/shanehull/bsescraper/internal/pipeline"
	"github.com/shanehull/bsescraper/internal/types"
)

type AnnouncementRow struct {
	Date        string
	Company     string
	ScriptID    string
	Description string
	PDFURL      string
	Status      types.Status
	Note        string
}

// NotificationData is the view of a run shared by the console and e-mail reports.
type NotificationData struct {
	RunID       string
	From        string
	To          string
	Category    string
	Located     int
	Fully       int
	Partial     int
	Failed      int
	Skipped     int
	Duration    string
	GeneratedAt time.Time
	Rows        []AnnouncementRow
	Files       []string
}

func NewNotificationData(sum *pipeline.Summary) NotificationData {
	data := NotificationData{
		RunID:       sum.RunID.String(),
		From:        sum.Query.From.Format("02/01/2006"),
		To:          sum.Query.To.Format("02/01/2006"),
		Category:    sum.Query.CategoryLabel(),
		Located:     sum.Located,
		Fully:       sum.Fully,
		Partial:     sum.Partial,
		Failed:      sum.Failed,
		Skipped:     sum.Skipped,
		Duration:    sum.Duration.Round(time.Second).String(),
		GeneratedAt: time.Now(),
	}

	for _, o := range sum.Outcomes {
		a := o.Announcement
		data.Rows = append(data.Rows, AnnouncementRow{
			Date:        a.Date,
			Company:     a.CompanyName,
			ScriptID:    a.ScriptID,
			Description: a.Description,
			PDFURL:      a.PDFURL,
			Status:      o.Status,
			Note:        note(o),
		})
	}

	if sum.Report != nil {
		data.Files = sum.Report.Paths()
	}
	return data
}

func note(o pipeline.Outcome) string {
	var parts []string
	if o.Skipped {
		parts = append(parts, "already processed")
	}
	if o.OCRUsed {
		parts = append(parts, "OCR")
	}
	if o.QAFailed > 0 {
		parts = append(parts, humanize.Comma(int64(o.QAFailed))+" unanswered")
	}
	if o.Err != nil {
		parts = append(parts, o.Err.Error())
	}
	return strings.Join(parts, "; ")
}

func statusColor(s types.Status) *color.Color {
	switch {
	case s.Failed():
		return color.New(color.FgRed)
	case s == types.StatusPartiallyProcessed:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgGreen)
	}
}

// PrintSummary writes the run report to w.
func PrintSummary(w io.Writer, data NotificationData) {
	rule := strings.Repeat("=", 50)
	header := color.New(color.FgCyan, color.Bold)

	fmt.Fprintln(w)
	header.Fprintln(w, rule)
	header.Fprintf(w, "BSE ANNOUNCEMENTS %s - %s (%s)\n", data.From, data.To, data.Category)
	header.Fprintln(w, rule)

	if data.Located == 0 {
		fmt.Fprintln(w, "No announcements found for the selected period.")
	}

	for i, r := range data.Rows {
		statusColor(r.Status).Fprintf(w, "%3d. [%s] ", i+1, r.Status)
		fmt.Fprintf(w, "%s (%s) %s", r.Company, r.ScriptID, r.Description)
		if r.Note != "" {
			fmt.Fprintf(w, " - %s", r.Note)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Located:             %d\n", data.Located)
	color.New(color.FgGreen).Fprintf(w, "Fully processed:     %d\n", data.Fully)
	color.New(color.FgYellow).Fprintf(w, "Partially processed: %d\n", data.Partial)
	color.New(color.FgRed).Fprintf(w, "Failed:              %d\n", data.Failed)
	fmt.Fprintf(w, "Already processed:   %d\n", data.Skipped)
	fmt.Fprintf(w, "Total run time:      %s\n", data.Duration)

	if len(data.Files) > 0 {
		fmt.Fprintln(w, "Outputs:")
		for _, f := range data.Files {
			fmt.Fprintf(w, "  %s\n", f)
		}
	}
	fmt.Fprintln(w, rule)
}
