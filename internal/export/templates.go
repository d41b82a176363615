package export

import (
	"bytes"
	"html/template"
	"time"
)

var recordTemplate = template.Must(template.New("record").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(recordTemplateHTML))

// TemplateData holds data for record template rendering
type TemplateData struct {
	PatientName string
	CUI         string
	BirthDate   string
	Sex         string
	Phone       string
	Address     string
	RequestedBy string
	Sections    []Section
}

// RenderRecordHTML renders the patient record template with provided data
func RenderRecordHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := recordTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const recordTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.PatientName}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    h2 { margin-top: 2rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .entry { background: #f5f5f5; padding: 0.75rem 1rem; margin: 0.5rem 0; border-left: 3px solid #333; }
    .field { margin: 0; }
    .label { color: #666; }
    .version { color: #999; font-size: 0.8em; font-weight: normal; }
  </style>
</head>
<body>
  <h1>{{.PatientName}}</h1>
  <div class="meta">
    CUI {{.CUI}} | Born {{.BirthDate}}{{if .Sex}} | {{.Sex}}{{end}}<br>
    {{if .Phone}}{{.Phone}}{{end}}{{if .Address}} | {{.Address}}{{end}}<br>
    {{if .RequestedBy}}Exported by {{.RequestedBy}}{{end}}
  </div>
  {{range .Sections}}
  <h2>{{.Title}} <span class="version">v{{.Version}}</span></h2>
  {{range .Entries}}
  <div class="entry">
    {{range .Pairs}}
    <p class="field">{{if .Label}}<span class="label">{{.Label}}:</span> {{end}}{{.Value}}</p>
    {{end}}
  </div>
  {{end}}
  {{end}}
</body>
</html>`
