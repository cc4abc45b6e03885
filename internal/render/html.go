package render

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	goldhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/starford/concord/internal/models"
	"github.com/starford/concord/internal/parser"
)

// HTML renders the document body as an HTML fragment. The AST is lowered to
// CommonMark and converted with goldmark; cross links point at the current
// resolution of their target and pending targets render as plain spans.
type HTML struct {
	md goldmark.Markdown
}

// NewHTML returns the html renderer.
func NewHTML() *HTML {
	return &HTML{md: goldmark.New(goldmark.WithRendererOptions(goldhtml.WithUnsafe()))}
}

// Kind implements Renderer.
func (*HTML) Kind() models.RenderKind { return models.RenderHTML }

// Render implements Renderer.
func (h *HTML) Render(in *Input) ([]byte, error) {
	var out bytes.Buffer
	if err := h.md.Convert([]byte(Markdown(in)), &out); err != nil {
		return nil, fmt.Errorf("render: html %s: %w", in.Path, err)
	}
	return out.Bytes(), nil
}

// Markdown lowers the document to CommonMark with inline anchors.
func Markdown(in *Input) string {
	var b strings.Builder
	writeMarkdown(&b, in, in.Result.AST, 1)
	return b.String()
}

func writeMarkdown(b *strings.Builder, in *Input, n *parser.Node, depth int) {
	switch n.Macro {
	case parser.MacroToplevel, parser.MacroHeader:
		level := depth
		if level > 6 {
			level = 6
		}
		fmt.Fprintf(b, "<a id=\"%s\"></a>\n\n", html.EscapeString(n.ID))
		b.WriteString(strings.Repeat("#", level) + " " + escape(n.Title) + "\n\n")
		if len(n.Tags) > 0 {
			b.WriteString("Tags:")
			for _, tg := range n.Tags {
				b.WriteString(" " + linkMarkdown(in.link(tg), tg))
			}
			b.WriteString("\n\n")
		}
	case parser.MacroSynonym:
		fmt.Fprintf(b, "<a id=\"%s\"></a>\n\n", html.EscapeString(n.ID))
		b.WriteString("*Also known as " + escape(n.Title) + "*\n\n")
	case parser.MacroParagraph:
		for _, sp := range parser.Inline(n.Text) {
			if sp.LinkID == "" {
				b.WriteString(escape(sp.Text))
				continue
			}
			b.WriteString(linkMarkdown(in.link(sp.LinkID), sp.LinkText))
		}
		b.WriteString("\n\n")
	case parser.MacroInclude:
		l := in.link(n.Target)
		b.WriteString("Included: " + linkMarkdown(l, l.Label()) + "\n\n")
	case parser.MacroImage:
		if n.ID != "" {
			fmt.Fprintf(b, "<a id=\"%s\"></a>\n\n", html.EscapeString(n.ID))
		}
		fmt.Fprintf(b, "![%s](<%s>)\n\n", escape(n.Title), n.Target)
	}
	for _, c := range n.Children {
		next := depth
		if c.Macro == parser.MacroHeader {
			next = depth + 1
		}
		writeMarkdown(b, in, c, next)
	}
}

func linkMarkdown(l Link, text string) string {
	if l.Pending {
		return `<span class="pending" title="unresolved">` + html.EscapeString(text) + `</span>`
	}
	return "[" + escape(text) + "](<" + l.Href() + ">)"
}

var mdEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"[", `\[`,
	"]", `\]`,
)

func escape(s string) string {
	return mdEscaper.Replace(s)
}
