package render

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/starford/concord/internal/models"
)

var pageTmpl = template.Must(template.New("page").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<main>
{{.Body}}
</main>
{{- if .Children}}
<nav class="children">
<h2>Children</h2>
<ul>
{{- range .Children}}
<li><a href="{{.Href}}">{{.Label}}</a></li>
{{- end}}
</ul>
</nav>
{{- end}}
</body>
</html>
`))

// Web renders a standalone page: the html fragment plus navigation to the
// documents that name this one as parent.
type Web struct {
	body *HTML
}

// NewWeb returns the web renderer.
func NewWeb() *Web { return &Web{body: NewHTML()} }

// Kind implements Renderer.
func (*Web) Kind() models.RenderKind { return models.RenderWeb }

// Render implements Renderer.
func (w *Web) Render(in *Input) ([]byte, error) {
	body, err := w.body.Render(in)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	err = pageTmpl.Execute(&out, struct {
		Title    string
		Body     template.HTML
		Children []Link
	}{
		Title:    in.Result.Title,
		Body:     template.HTML(body),
		Children: in.Children,
	})
	if err != nil {
		return nil, fmt.Errorf("render: web %s: %w", in.Path, err)
	}
	return out.Bytes(), nil
}
