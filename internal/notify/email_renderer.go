package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/shanehull/bsescraper/internal/types"
)

type RenderedMessage struct {
	Subject string
	Text    string
	HTML    string
}

// HTMLEmailRenderer renders the run report as an HTML email with a plain text fallback.
type HTMLEmailRenderer struct {
	tmpl *template.Template
}

func NewHTMLEmailRenderer() *HTMLEmailRenderer {
	t := template.Must(template.New("email").Funcs(template.FuncMap{
		"statusClass": statusClass,
	}).Parse(emailHTMLTemplate))
	return &HTMLEmailRenderer{tmpl: t}
}

func (r *HTMLEmailRenderer) Render(data NotificationData) (*RenderedMessage, error) {
	subject := fmt.Sprintf("BSE Announcements %s - %s: %d processed, %d failed",
		data.From, data.To, data.Fully+data.Partial+data.Skipped, data.Failed)

	var htmlBuf bytes.Buffer
	if err := r.tmpl.Execute(&htmlBuf, data); err != nil {
		return nil, fmt.Errorf("failed to render HTML template: %w", err)
	}

	return &RenderedMessage{
		Subject: subject,
		Text:    renderPlainText(data),
		HTML:    htmlBuf.String(),
	}, nil
}

func statusClass(s types.Status) string {
	switch {
	case s.Failed():
		return "failed"
	case s == types.StatusPartiallyProcessed:
		return "partial"
	default:
		return "ok"
	}
}

func renderPlainText(data NotificationData) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("BSE announcements %s - %s (%s)\n", data.From, data.To, data.Category))
	sb.WriteString(strings.Repeat("=", 50) + "\n\n")

	sb.WriteString(fmt.Sprintf("Located: %d\n", data.Located))
	sb.WriteString(fmt.Sprintf("Fully processed: %d\n", data.Fully))
	sb.WriteString(fmt.Sprintf("Partially processed: %d\n", data.Partial))
	sb.WriteString(fmt.Sprintf("Failed: %d\n", data.Failed))
	sb.WriteString(fmt.Sprintf("Already processed: %d\n", data.Skipped))
	sb.WriteString(fmt.Sprintf("Run time: %s\n\n", data.Duration))

	if len(data.Rows) > 0 {
		sb.WriteString("ANNOUNCEMENTS\n")
		sb.WriteString(strings.Repeat("-", 20) + "\n")
		for _, r := range data.Rows {
			sb.WriteString(fmt.Sprintf("• [%s] %s (%s) %s\n", r.Status, r.Company, r.ScriptID, r.Description))
			if r.Note != "" {
				sb.WriteString(fmt.Sprintf("  %s\n", r.Note))
			}
		}
		sb.WriteString("\n")
	}

	if len(data.Files) > 0 {
		sb.WriteString("OUTPUTS\n")
		sb.WriteString(strings.Repeat("-", 20) + "\n")
		for _, f := range data.Files {
			sb.WriteString(f + "\n")
		}
	}

	sb.WriteString(fmt.Sprintf("\nRun %s\n", data.RunID))
	return sb.String()
}
