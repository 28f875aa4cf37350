package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
	"shortCommit": func(c string) string {
		if len(c) > 8 {
			return c[:8]
		}
		return c
	},
}).Parse(reportTemplateText))

// RenderReportHTML renders an analysis report as a standalone HTML page.
func RenderReportHTML(data ReportData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportTemplateText = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Analysis Report: {{.RepositoryName}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; color: #1a1a1a; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    h2 { margin-top: 2rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .total { font-size: 1.2em; font-weight: bold; margin: 1rem 0; }
    table { border-collapse: collapse; width: 100%; }
    th, td { border: 1px solid #ccc; padding: 0.5rem; text-align: left; vertical-align: top; }
    th { background: #f0f0f0; }
    .finding { background: #f5f5f5; padding: 0.75rem 1rem; margin: 0.75rem 0; border-left: 3px solid #999; }
    .finding.critical { border-left-color: #c0392b; }
    .finding.major { border-left-color: #e67e22; }
    .finding.minor { border-left-color: #f1c40f; }
    .finding .where { color: #666; font-size: 0.85em; }
    .summary { white-space: pre-wrap; }
  </style>
</head>
<body>
  <h1>Analysis Report: {{.RepositoryName}}</h1>
  <div class="meta">
    {{.RepositoryURL}}<br>
    {{.Ref}} @ {{shortCommit .Commit}} | rubric: {{.RubricName}} | engine: {{.Engine}}<br>
    completed {{formatDate .CompletedAt "Jan 2, 2006 15:04 MST"}}
  </div>
  <div class="total">Overall score: {{printf "%.1f" .Score}} / {{printf "%.1f" .MaxScore}}</div>
  {{if .Summary}}
  <h2>Summary</h2>
  <p class="summary">{{.Summary}}</p>
  {{end}}
  <h2>Scores</h2>
  <table>
    <tr><th>Criterion</th><th>Score</th><th>Rationale</th></tr>
    {{range .Scores}}
    <tr>
      <td>{{.Criterion}}</td>
      <td>{{printf "%.1f" .Score}} / {{printf "%.1f" .MaxScore}}</td>
      <td>{{.Rationale}}</td>
    </tr>
    {{end}}
  </table>
  {{if .Findings}}
  <h2>Findings</h2>
  {{range .Findings}}
  <div class="finding {{lower .Severity}}">
    <strong>{{lower .Severity}}</strong>
    {{if .Path}}<span class="where">{{.Path}}{{if .Line}}:{{.Line}}{{end}}</span>{{end}}
    <div>{{.Message}}</div>
  </div>
  {{end}}
  {{else}}
  <h2>Findings</h2>
  <p>No findings reported.</p>
  {{end}}
</body>
</html>`
