// Package render turns a parsed document plus the current state of the graph into
// one output per render kind.
package render

import (
	"fmt"
	"path"
	"strings"

	"github.com/starford/concord/internal/models"
	"github.com/starford/concord/internal/parser"
)

// Link is a reference target as seen at render time.
type Link struct {
	ID      string
	Path    string
	Title   string
	Pending bool
}

// Href is the site-relative URL of the target.
func (l Link) Href() string {
	p := strings.TrimSuffix(l.Path, path.Ext(l.Path))
	return "/" + p + ".html#" + l.ID
}

// Label is the text shown for the link when the source gives none.
func (l Link) Label() string {
	if l.Title != "" {
		return l.Title
	}
	return l.ID
}

// Input is everything a renderer may look at.
type Input struct {
	Path   string
	Result *parser.Result
	// Links maps each referenced textual id to its current resolution.
	Links map[string]Link
	// Children are the documents naming this one as parent.
	Children []Link
}

func (in *Input) link(id string) Link {
	if l, ok := in.Links[id]; ok {
		return l
	}
	return Link{ID: id, Pending: true}
}

// Renderer produces one kind of output.
type Renderer interface {
	Kind() models.RenderKind
	Render(in *Input) ([]byte, error)
}

// For returns the renderer of kind.
func For(kind models.RenderKind) (Renderer, error) {
	switch kind {
	case models.RenderSource:
		return Source{}, nil
	case models.RenderHTML:
		return NewHTML(), nil
	case models.RenderWeb:
		return NewWeb(), nil
	}
	return nil, fmt.Errorf("render: unknown kind %q", kind)
}

// Set is a group of renderers keyed by kind.
type Set map[models.RenderKind]Renderer

// NewSet builds renderers for kinds, every known kind when empty.
func NewSet(kinds ...models.RenderKind) (Set, error) {
	if len(kinds) == 0 {
		kinds = models.RenderKinds()
	}
	s := make(Set, len(kinds))
	for _, k := range kinds {
		r, err := For(k)
		if err != nil {
			return nil, err
		}
		s[k] = r
	}
	return s, nil
}

// Kinds returns the kinds in the set in canonical order.
func (s Set) Kinds() []models.RenderKind {
	var out []models.RenderKind
	for _, k := range models.RenderKinds() {
		if _, ok := s[k]; ok {
			out = append(out, k)
		}
	}
	return out
}
