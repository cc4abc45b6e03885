package render

import (
	"bytes"
	"sort"

	"github.com/starford/concord/internal/models"
	"github.com/starford/concord/internal/parser"
	"github.com/starford/concord/internal/topic"
)

// Source re-serializes the AST in canonical markup form. Parsing its output
// yields the same identifiers and references as the original.
type Source struct{}

// Kind implements Renderer.
func (Source) Kind() models.RenderKind { return models.RenderSource }

// Render implements Renderer.
func (Source) Render(in *Input) ([]byte, error) {
	var b bytes.Buffer
	writeSource(&b, in.Result.AST, true)
	return b.Bytes(), nil
}

func writeSource(b *bytes.Buffer, n *parser.Node, top bool) {
	switch n.Macro {
	case parser.MacroToplevel, parser.MacroHeader, parser.MacroSynonym:
		level := n.Level
		if top || level < 1 {
			level = 1
		}
		if !top && level == 1 && n.Macro != parser.MacroSynonym {
			level = 2
		}
		b.WriteString(repeat('=', level))
		b.WriteByte(' ')
		b.WriteString(n.Title)
		if top || (n.ID != topic.Key(n.Title)) {
			b.WriteString(" {id=" + n.ID + "}")
		}
		if p := n.Attrs["parent"]; p != "" {
			b.WriteString(" {parent=" + p + "}")
		}
		for _, tg := range n.Tags {
			b.WriteString(" {tag=" + tg + "}")
		}
		if n.Macro == parser.MacroSynonym {
			b.WriteString(" {synonym}")
		}
		b.WriteString("\n")
	case parser.MacroParagraph:
		b.WriteString("\n" + n.Text + "\n")
	case parser.MacroInclude:
		b.WriteString("\n\\Include[" + n.Target + "]\n")
	case parser.MacroImage:
		b.WriteString("\n\\Image[" + n.Target + "]")
		if n.ID != "" && n.ID != "image-"+topic.Key(n.Title) {
			b.WriteString("{id=" + n.ID + "}")
		}
		if n.Title != "" {
			b.WriteString("{title=" + n.Title + "}")
		}
		b.WriteString("\n")
	}

	// Synonyms sit right after their header; everything else keeps source order.
	children := append([]*parser.Node(nil), n.Children...)
	sort.SliceStable(children, func(i, j int) bool {
		return children[i].Macro == parser.MacroSynonym && children[j].Macro != parser.MacroSynonym
	})
	for _, c := range children {
		if c.Macro == parser.MacroHeader {
			b.WriteString("\n")
		}
		writeSource(b, c, false)
	}
}

func repeat(c byte, n int) string {
	return string(bytes.Repeat([]byte{c}, n))
}
