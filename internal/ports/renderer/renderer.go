// Package renderer provides the default ports.Renderer implementation: a
// minimal text/template rendering of a knowledge base item and its index,
// to markdown. spec.md leaves the document's exact shape unspecified, so
// the templates here are a thin placeholder rather than a design claim
// (see DESIGN.md's Open Question decision on renderer templates).
package renderer

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/nepenth/kb-pipeline/internal/ports"
)

const itemTemplateText = `# {{.Title}}

{{.Description}}

{{if .ImageDescriptions}}## Media

{{range .ImageDescriptions}}- {{.}}
{{end}}
{{end}}{{if .FullText}}## Original Content

{{.FullText}}

{{end}}{{if .SourceURL}}Source: {{.SourceURL}}
{{end}}`

const indexTemplateText = `# Knowledge Base

{{range $main, $subs := .}}## {{$main}}

{{range $sub, $items := $subs}}### {{$sub}}

{{range $items}}- [{{.Title}}]({{$main}}/{{$sub}}/{{.ItemID}}.md)
{{end}}
{{end}}{{end}}`

// Renderer is the default text/template-backed ports.Renderer.
type Renderer struct {
	item  *template.Template
	index *template.Template
}

func New() (*Renderer, error) {
	item, err := template.New("item").Parse(itemTemplateText)
	if err != nil {
		return nil, fmt.Errorf("renderer: parse item template: %w", err)
	}
	index, err := template.New("index").Parse(indexTemplateText)
	if err != nil {
		return nil, fmt.Errorf("renderer: parse index template: %w", err)
	}
	return &Renderer{item: item, index: index}, nil
}

var _ ports.Renderer = (*Renderer)(nil)

func (r *Renderer) RenderItem(item ports.RenderItem) (string, error) {
	var b strings.Builder
	if err := r.item.Execute(&b, item); err != nil {
		return "", fmt.Errorf("renderer: render item %s: %w", item.ItemID, err)
	}
	return b.String(), nil
}

// RenderIndex groups items by main/sub category, mirroring the knowledge
// base's own main/sub/item_id directory layout.
func (r *Renderer) RenderIndex(items []ports.RenderItem) (string, error) {
	grouped := make(map[string]map[string][]ports.RenderItem)
	for _, it := range items {
		main, sub := it.Main, it.Sub
		if main == "" {
			main = "uncategorized"
		}
		if sub == "" {
			sub = "general"
		}
		if grouped[main] == nil {
			grouped[main] = make(map[string][]ports.RenderItem)
		}
		grouped[main][sub] = append(grouped[main][sub], it)
	}

	var b strings.Builder
	if err := r.index.Execute(&b, grouped); err != nil {
		return "", fmt.Errorf("renderer: render index: %w", err)
	}
	return b.String(), nil
}
