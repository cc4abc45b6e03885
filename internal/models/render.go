package models

import (
	"fmt"
	"time"
)

// RenderKind is an independent output format of a document.
type RenderKind string

const (
	RenderHTML   RenderKind = "html"
	RenderSource RenderKind = "source"
	RenderWeb    RenderKind = "web"
)

// RenderKinds returns every known render kind.
func RenderKinds() []RenderKind {
	return []RenderKind{RenderHTML, RenderSource, RenderWeb}
}

// graphKinds are the kinds whose output includes content resolved through
// references. source round-trips the document's own markup.
var graphKinds = map[RenderKind]bool{RenderHTML: true, RenderWeb: true}

// DependsOnGraph reports whether the kind goes stale when documents it references change.
func (k RenderKind) DependsOnGraph() bool {
	return graphKinds[k]
}

// GraphRenderKinds returns the kinds for which DependsOnGraph is true.
func GraphRenderKinds() []RenderKind {
	var out []RenderKind
	for _, k := range RenderKinds() {
		if k.DependsOnGraph() {
			out = append(out, k)
		}
	}
	return out
}

// ParseRenderKind validates a render kind name.
func ParseRenderKind(s string) (RenderKind, error) {
	for _, k := range RenderKinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown render kind %q", s)
}

// RenderRecord is the freshness state of one (document, kind) pair.
type RenderRecord struct {
	DocumentPath string     `json:"path"`
	Kind         RenderKind `json:"kind"`
	Outdated     bool       `json:"outdated"`
	Output       []byte     `json:"-"`
	RenderedAt   time.Time  `json:"rendered_at,omitempty"`
}

// RenderTask names a render that needs to be (re)built.
type RenderTask struct {
	DocumentPath string     `json:"path"`
	Kind         RenderKind `json:"kind"`
}
