// Package page renders the HTML confirmation shown after a task is submitted.
package page

import (
	"bytes"
	"html/template"
	"io"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!doctype html>
<html lang="zh-CN">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,-apple-system,sans-serif;max-width:36rem;margin:3rem auto;padding:0 1rem;color:#1f2328}
.card{border:1px solid #d0d7de;border-radius:8px;padding:1rem 1.5rem}
.muted{color:#656d76}
</style>
</head>
<body>
<div class="card">
{{if .Found}}{{.Body}}{{else}}<h2>{{.Title}}</h2><p class="muted">{{.Message}}</p>{{end}}
</div>
</body>
</html>
`))

type view struct {
	Title   string
	Found   bool
	Body    template.HTML
	Message string
}

// Renderer turns notification markdown into a standalone HTML page.
type Renderer struct {
	md goldmark.Markdown
}

func New() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

// Done renders the page for a finalized submission. Raw HTML in markdown
// is escaped by goldmark's default renderer.
func (r *Renderer) Done(w io.Writer, title, markdown string) error {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &buf); err != nil {
		return err
	}
	return pageTemplate.Execute(w, view{Title: title, Found: true, Body: template.HTML(buf.String())})
}

// NotFound renders the page for a sid with no finalized record.
func (r *Renderer) NotFound(w io.Writer, title, message string) error {
	return pageTemplate.Execute(w, view{Title: title, Message: message})
}
