package notify

const emailHTMLTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>BSE announcements {{.From}} - {{.To}}</title>
  <style>
    body {
      margin: 0;
      padding: 24px;
      background-color: #f3f4f6;
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
      color: #111827;
      line-height: 1.5;
    }

    .container {
      max-width: 760px;
      margin: 0 auto;
      background: #ffffff;
      border-radius: 8px;
      border: 1px solid #e5e7eb;
      overflow: hidden;
    }

    .header {
      padding: 20px 24px;
      background: linear-gradient(135deg, #463737 0%, #37393b 100%);
      color: #ffffff;
    }

    .period {
      font-size: 22px;
      font-weight: 700;
      margin-bottom: 4px;
    }

    .category {
      font-size: 14px;
      opacity: 0.9;
    }

    .section {
      padding: 16px 24px;
      border-top: 1px solid #f3f4f6;
    }

    .section-title {
      font-size: 11px;
      font-weight: 700;
      color: #6b7280;
      text-transform: uppercase;
      letter-spacing: 0.1em;
      margin-bottom: 12px;
    }

    .meta-grid {
      display: table;
      width: 100%;
      font-size: 14px;
    }

    .meta-row {
      display: table-row;
    }

    .meta-label {
      display: table-cell;
      padding: 6px 16px 6px 0;
      color: #6b7280;
      font-weight: 500;
      white-space: nowrap;
      width: 160px;
    }

    .meta-value {
      display: table-cell;
      padding: 6px 0;
      color: #111827;
    }

    table.announcements {
      width: 100%;
      border-collapse: collapse;
      font-size: 13px;
    }

    table.announcements th {
      text-align: left;
      color: #6b7280;
      font-weight: 600;
      padding: 6px 8px;
      border-bottom: 1px solid #e5e7eb;
    }

    table.announcements td {
      padding: 6px 8px;
      border-bottom: 1px solid #f3f4f6;
      vertical-align: top;
    }

    .status {
      display: inline-block;
      padding: 2px 6px;
      font-size: 10px;
      font-weight: 600;
      border-radius: 3px;
      text-transform: uppercase;
      white-space: nowrap;
    }

    .status.ok {
      background: #dcfce7;
      color: #166534;
    }

    .status.partial {
      background: #fef3c7;
      color: #92400e;
    }

    .status.failed {
      background: #fee2e2;
      color: #991b1b;
    }

    .note {
      color: #6b7280;
      font-size: 12px;
    }

    a {
      color: #2563eb;
    }

    .files {
      margin: 0;
      padding-left: 20px;
      font-size: 13px;
      font-family: ui-monospace, SFMono-Regular, Menlo, monospace;
    }

    .footer {
      padding: 12px 24px;
      font-size: 11px;
      color: #9ca3af;
      background: #f9fafb;
      border-top: 1px solid #e5e7eb;
    }
  </style>
</head>
<body>
  <div class="container">
    <div class="header">
      <div class="period">{{.From}} - {{.To}}</div>
      <div class="category">{{.Category}}</div>
    </div>

    <div class="section">
      <div class="section-title">Run</div>
      <div class="meta-grid">
        <div class="meta-row">
          <div class="meta-label">Located</div>
          <div class="meta-value">{{.Located}}</div>
        </div>
        <div class="meta-row">
          <div class="meta-label">Fully processed</div>
          <div class="meta-value">{{.Fully}}</div>
        </div>
        <div class="meta-row">
          <div class="meta-label">Partially processed</div>
          <div class="meta-value">{{.Partial}}</div>
        </div>
        <div class="meta-row">
          <div class="meta-label">Failed</div>
          <div class="meta-value">{{.Failed}}</div>
        </div>
        <div class="meta-row">
          <div class="meta-label">Already processed</div>
          <div class="meta-value">{{.Skipped}}</div>
        </div>
        <div class="meta-row">
          <div class="meta-label">Run time</div>
          <div class="meta-value">{{.Duration}}</div>
        </div>
      </div>
    </div>

    {{if .Rows}}
    <div class="section">
      <div class="section-title">Announcements</div>
      <table class="announcements">
        <tr>
          <th>Date</th>
          <th>Company</th>
          <th>Description</th>
          <th>Status</th>
        </tr>
        {{range .Rows}}
        <tr>
          <td>{{.Date}}</td>
          <td>{{.Company}}<br /><span class="note">{{.ScriptID}}</span></td>
          <td>
            {{if .PDFURL}}<a href="{{.PDFURL}}">{{.Description}}</a>{{else}}{{.Description}}{{end}}
            {{if .Note}}<br /><span class="note">{{.Note}}</span>{{end}}
          </td>
          <td><span class="status {{statusClass .Status}}">{{.Status}}</span></td>
        </tr>
        {{end}}
      </table>
    </div>
    {{else}}
    <div class="section">No announcements found for the selected period.</div>
    {{end}}

    {{if .Files}}
    <div class="section">
      <div class="section-title">Outputs</div>
      <ul class="files">
        {{range .Files}}<li>{{.}}</li>{{end}}
      </ul>
    </div>
    {{end}}

    <div class="footer">
      Run {{.RunID}} &middot; generated {{.GeneratedAt.Format "2006-01-02 15:04:05"}}
    </div>
  </div>
</body>
</html>
`
