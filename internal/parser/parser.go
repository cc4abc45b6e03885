// Package parser turns lightweight-markup source into an AST plus the flat lists of
// identifiers it defines and references it makes.
//
// The conversion pipeline only depends on the Parser interface; Markup is the
// line-oriented reference implementation used by the CLI and server.
package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/starford/concord/internal/apperr"
	"github.com/starford/concord/internal/models"
	"github.com/starford/concord/internal/topic"
)

// Result holds the output of parsing one document.
type Result struct {
	AST         *Node
	Frontmatter map[string]any
	Errors      []apperr.Problem
	Identifiers []models.Identifier
	References  []models.Reference
	ToplevelID  string
	Title       string
}

// Parser is the external parsing collaborator.
type Parser interface {
	Parse(path string, src []byte) (*Result, error)
}

// Func adapts a function to the Parser interface.
type Func func(path string, src []byte) (*Result, error)

// Parse implements Parser.
func (f Func) Parse(path string, src []byte) (*Result, error) { return f(path, src) }

// Loc is a 1-based source position.
type Loc struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Node is one block of the document tree.
type Node struct {
	Macro    string            `json:"macro"`
	Level    int               `json:"level,omitempty"`
	ID       string            `json:"id,omitempty"`
	Title    string            `json:"title,omitempty"`
	Text     string            `json:"text,omitempty"`
	Target   string            `json:"target,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Loc      Loc               `json:"loc"`
	Children []*Node           `json:"children,omitempty"`
}

// Block macros.
const (
	MacroToplevel  = "Toplevel"
	MacroHeader    = "H"
	MacroSynonym   = "synonym"
	MacroParagraph = "P"
	MacroInclude   = "Include"
	MacroImage     = "Image"
)

var (
	headerRe  = regexp.MustCompile(`^(=+)\s+(.*)$`)
	attrRe    = regexp.MustCompile(`\{([a-z]+)(?:=([^{}]*))?\}`)
	includeRe = regexp.MustCompile(`^\\Include\[([^\]]*)\]\s*$`)
	imageRe   = regexp.MustCompile(`^\\Image\[([^\]]*)\]((?:\{[^{}]*\})*)\s*$`)
	xRe       = regexp.MustCompile(`\\x\[([^\]]*)\]`)
)

var headerAttrs = map[string]bool{"id": true, "parent": true, "tag": true, "synonym": true}

// Markup is the reference parser.
type Markup struct {
	// Extension is stripped from paths when deriving toplevel ids.
	Extension string
}

// New returns the reference parser for files with the given extension.
func New(ext string) *Markup {
	return &Markup{Extension: ext}
}

// Parse implements Parser. Problems in the source are reported in Result.Errors;
// the returned error is reserved for failures unrelated to the source text.
func (m *Markup) Parse(docPath string, src []byte) (*Result, error) {
	fm, body, offset := splitFrontmatter(src)
	st := &state{
		path:   docPath,
		res:    &Result{Frontmatter: fm},
		seen:   make(map[string]int),
		refSet: make(map[refKey]struct{}),
	}
	st.toplevel = st.toplevelDefaults(m.Extension)

	lines := strings.Split(body, "\n")
	var para []string
	paraLine := 0
	flush := func() {
		if len(para) == 0 {
			return
		}
		st.paragraph(strings.Join(para, "\n"), paraLine)
		para = nil
	}

	for i, raw := range lines {
		lineNo := i + 1 + offset
		line := strings.TrimRight(raw, " \t\r")
		switch {
		case strings.TrimSpace(line) == "":
			flush()
		case headerRe.MatchString(line):
			flush()
			st.header(line, lineNo)
		case strings.HasPrefix(line, `\Include[`):
			flush()
			st.include(line, lineNo)
		case strings.HasPrefix(line, `\Image[`):
			flush()
			st.image(line, lineNo)
		default:
			if len(para) == 0 {
				paraLine = lineNo
			}
			para = append(para, line)
		}
	}
	flush()
	st.finish()

	res := st.res
	res.Errors = apperr.DedupProblems(res.Errors)
	return res, nil
}

type refKey struct {
	origin, target string
	kind           models.RefKind
}

type state struct {
	path     string
	res      *Result
	toplevel *Node
	// explicit is set once the toplevel comes from a level-1 header.
	explicit bool
	stack    []*Node
	current  *Node
	lastReal *Node
	seen     map[string]int
	refSet   map[refKey]struct{}
}

func (st *state) toplevelDefaults(ext string) *Node {
	title, _ := st.res.Frontmatter["title"].(string)
	id, _ := st.res.Frontmatter["id"].(string)
	if id == "" {
		id = stemID(st.path, ext)
	}
	n := &Node{Macro: MacroToplevel, Level: 1, ID: id, Title: title, Loc: Loc{Line: 1, Column: 1}}
	st.res.AST = n
	st.stack = []*Node{n}
	st.current = n
	st.lastReal = n
	return n
}

// stemID derives a toplevel id from a document path: "animals/dog.lml" → "animals/dog",
// "animals/index.lml" → "animals", "index.lml" → "index".
func stemID(p, ext string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if ext != "" {
		p = strings.TrimSuffix(p, ext)
	} else {
		p = strings.TrimSuffix(p, path.Ext(p))
	}
	if path.Base(p) == "index" && path.Dir(p) != "." {
		p = path.Dir(p)
	}
	return p
}

func (st *state) problem(line, col int, format string, args ...any) {
	st.res.Errors = append(st.res.Errors, apperr.Problem{
		Message:  fmt.Sprintf(format, args...),
		Location: apperr.Location{Path: st.path, Line: line, Column: col},
	})
}

func (st *state) header(line string, lineNo int) {
	m := headerRe.FindStringSubmatch(line)
	level := len(m[1])
	rest := m[2]

	attrs := make(map[string]string)
	var tags []string
	attrStart := len(rest)
	for _, loc := range attrRe.FindAllStringSubmatchIndex(rest, -1) {
		if loc[0] < attrStart {
			attrStart = loc[0]
		}
		name := rest[loc[2]:loc[3]]
		val := ""
		if loc[4] >= 0 {
			val = strings.TrimSpace(rest[loc[4]:loc[5]])
		}
		col := len(m[1]) + 2 + loc[0]
		if !headerAttrs[name] {
			st.problem(lineNo, col, "unknown header attribute %q", name)
			continue
		}
		if name == "tag" {
			tags = append(tags, val)
			continue
		}
		attrs[name] = val
	}
	title := strings.TrimSpace(rest[:attrStart])
	if title == "" {
		st.problem(lineNo, 1, "header has an empty title")
		return
	}

	n := &Node{Macro: MacroHeader, Level: level, Title: title, Tags: tags, Loc: Loc{Line: lineNo, Column: 1}}
	if len(attrs) > 0 {
		n.Attrs = attrs
	}
	_, synonym := attrs["synonym"]

	if level == 1 && !synonym {
		if st.explicit {
			st.problem(lineNo, 1, "only one level 1 header is allowed per document")
			return
		}
		st.explicit = true
		top := st.toplevel
		top.Macro = MacroHeader
		top.Title = title
		top.Tags = tags
		top.Attrs = n.Attrs
		top.Loc = n.Loc
		if id := attrs["id"]; id != "" {
			top.ID = id
		}
		st.current, st.lastReal = top, top
		return
	}

	switch {
	case attrs["id"] != "":
		n.ID = attrs["id"]
	default:
		n.ID = topic.Key(title)
	}
	if n.ID == "" {
		st.problem(lineNo, 1, "header %q does not produce an id", title)
		return
	}

	if synonym {
		n.Macro = MacroSynonym
		st.lastReal.Children = append(st.lastReal.Children, n)
		return
	}

	for len(st.stack) > 1 && st.stack[len(st.stack)-1].Level >= level {
		st.stack = st.stack[:len(st.stack)-1]
	}
	parent := st.stack[len(st.stack)-1]
	parent.Children = append(parent.Children, n)
	st.stack = append(st.stack, n)
	st.current, st.lastReal = n, n
}

func (st *state) include(line string, lineNo int) {
	m := includeRe.FindStringSubmatch(line)
	if m == nil {
		st.problem(lineNo, 1, "malformed \\Include, expected \\Include[id]")
		return
	}
	target := strings.TrimSpace(m[1])
	if target == "" {
		st.problem(lineNo, 10, "\\Include has an empty target")
		return
	}
	st.current.Children = append(st.current.Children, &Node{
		Macro: MacroInclude, Target: target, Loc: Loc{Line: lineNo, Column: 1},
	})
}

func (st *state) image(line string, lineNo int) {
	m := imageRe.FindStringSubmatch(line)
	if m == nil {
		st.problem(lineNo, 1, "malformed \\Image, expected \\Image[src]{id=...}")
		return
	}
	n := &Node{Macro: MacroImage, Target: strings.TrimSpace(m[1]), Loc: Loc{Line: lineNo, Column: 1}}
	for _, a := range attrRe.FindAllStringSubmatch(m[2], -1) {
		switch a[1] {
		case "id":
			n.ID = strings.TrimSpace(a[2])
		case "title":
			n.Title = strings.TrimSpace(a[2])
		default:
			st.problem(lineNo, 1, "unknown image attribute %q", a[1])
		}
	}
	if n.ID == "" && n.Title != "" {
		n.ID = "image-" + topic.Key(n.Title)
	}
	st.current.Children = append(st.current.Children, n)
}

func (st *state) paragraph(text string, lineNo int) {
	n := &Node{Macro: MacroParagraph, Text: text, Loc: Loc{Line: lineNo, Column: 1}}
	st.current.Children = append(st.current.Children, n)
	for _, sp := range Inline(text) {
		if sp.Err != "" {
			st.problem(lineNo+sp.Line, sp.Column, "%s", sp.Err)
		}
	}
}

// finish walks the tree once the whole document is known and emits identifiers and references.
func (st *state) finish() {
	top := st.toplevel
	if top.Title == "" {
		top.Title = top.ID
	}
	st.res.ToplevelID = top.ID
	st.res.Title = top.Title
	st.walk(top, nil)
}

func (st *state) walk(n *Node, parent *Node) {
	switch n.Macro {
	case MacroToplevel, MacroHeader:
		st.define(n)
		if parent != nil {
			st.parentRef(n, parent.ID)
		} else if p := n.Attrs["parent"]; p != "" {
			st.parentRef(n, p)
		}
		for _, tag := range n.Tags {
			st.ref(n.ID, tag, models.RefTag, nil, n)
		}
	case MacroSynonym:
		st.define(n)
		if parent != nil {
			st.ref(n.ID, parent.ID, models.RefSynonym, nil, n)
		}
		return
	case MacroImage:
		if n.ID != "" {
			st.define(n)
		}
		return
	case MacroInclude:
		st.ref(st.toplevel.ID, n.Target, models.RefInclude, nil, n)
		return
	case MacroParagraph:
		origin := parent.ID
		for _, sp := range Inline(n.Text) {
			if sp.LinkID != "" {
				loc := Loc{Line: n.Loc.Line + sp.Line, Column: sp.Column}
				st.ref(origin, sp.LinkID, models.RefCrossLink, nil, &Node{Macro: "x", Target: sp.LinkID, Loc: loc})
			}
		}
		return
	}

	for _, c := range n.Children {
		st.walk(c, n)
	}
}

// parentRef records the tree edge of a header. An explicit {parent=...} wins over
// the implicit one coming from header nesting.
func (st *state) parentRef(n *Node, implicit string) {
	target := implicit
	if p := n.Attrs["parent"]; p != "" {
		target = p
	}
	st.ref(n.ID, target, models.RefParent, nil, n)
}

func (st *state) define(n *Node) {
	if first, ok := st.seen[n.ID]; ok {
		st.problem(n.Loc.Line, n.Loc.Column, "duplicate id %q, first defined at line %d", n.ID, first)
		return
	}
	st.seen[n.ID] = n.Loc.Line
	st.res.Identifiers = append(st.res.Identifiers, models.Identifier{
		ID:           n.ID,
		DocumentPath: st.path,
		ToplevelID:   st.toplevel.ID,
		Macro:        n.Macro,
		Title:        n.Title,
		AST:          fragment(n),
	})
}

func (st *state) ref(origin, target string, kind models.RefKind, ord *int, n *Node) {
	key := refKey{origin: origin, target: target, kind: kind}
	if _, dup := st.refSet[key]; dup {
		if kind == models.RefInclude {
			st.problem(n.Loc.Line, n.Loc.Column, "%q is included more than once", target)
		}
		return
	}
	r := models.Reference{
		OriginID:     origin,
		DocumentPath: st.path,
		TargetID:     target,
		Kind:         kind,
		Ordinal:      ord,
		AST:          fragment(n),
	}
	if err := kind.Validate(r); err != nil {
		st.problem(n.Loc.Line, n.Loc.Column, "%s", strings.TrimPrefix(err.Error(), apperr.ErrInvalidReference.Error()+": "))
		return
	}
	st.refSet[key] = struct{}{}
	st.res.References = append(st.res.References, r)
}

// fragment serializes a node without its children.
func fragment(n *Node) json.RawMessage {
	shallow := *n
	shallow.Children = nil
	data, err := json.Marshal(shallow)
	if err != nil {
		return nil
	}
	return data
}

// Span is a piece of inline text: plain text, a cross link, or a syntax error.
type Span struct {
	Text     string
	LinkID   string
	LinkText string
	// Line is relative to the first line of the paragraph; Column is 1-based.
	Line   int
	Column int
	Err    string
}

// Inline splits paragraph text into plain and cross-link spans. "<some title>" links to
// the id derived from its text; "\x[id]" links to id verbatim.
func Inline(text string) []Span {
	var out []Span
	for li, line := range strings.Split(text, "\n") {
		if li > 0 {
			out = append(out, Span{Text: "\n", Line: li})
		}
		out = append(out, inlineLine(line, li)...)
	}
	return out
}

func inlineLine(line string, li int) []Span {
	var out []Span
	var plain strings.Builder
	emit := func() {
		if plain.Len() > 0 {
			out = append(out, Span{Text: plain.String(), Line: li})
			plain.Reset()
		}
	}
	for i := 0; i < len(line); {
		switch {
		case strings.HasPrefix(line[i:], `\x[`):
			loc := xRe.FindStringSubmatchIndex(line[i:])
			if loc == nil || loc[0] != 0 {
				emit()
				out = append(out, Span{Line: li, Column: i + 1, Err: "unterminated \\x["})
				return out
			}
			emit()
			id := strings.TrimSpace(line[i+loc[2] : i+loc[3]])
			out = append(out, Span{LinkID: id, LinkText: id, Line: li, Column: i + 1})
			i += loc[1]
		case line[i] == '<' && i+1 < len(line) && line[i+1] != ' ' && line[i+1] != '=':
			end := strings.IndexByte(line[i+1:], '>')
			if end < 0 {
				emit()
				out = append(out, Span{Line: li, Column: i + 1, Err: "unterminated cross link, missing '>'"})
				return out
			}
			emit()
			label := line[i+1 : i+1+end]
			out = append(out, Span{LinkID: topic.Key(label), LinkText: label, Line: li, Column: i + 1})
			i += end + 2
		default:
			plain.WriteByte(line[i])
			i++
		}
	}
	emit()
	return out
}

// splitFrontmatter separates YAML frontmatter (between leading --- delimiters)
// from the body and reports how many source lines precede the body.
// Invalid YAML is treated as body.
func splitFrontmatter(data []byte) (map[string]any, string, int) {
	const delim = "---"
	if !bytes.HasPrefix(data, []byte(delim+"\n")) {
		return nil, string(data), 0
	}
	rest := data[len(delim)+1:]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data), 0
	}
	yamlBlock := rest[:idx]
	after := rest[idx+1+len(delim):]
	if i := bytes.IndexByte(after, '\n'); i >= 0 {
		after = after[i+1:]
	} else {
		after = nil
	}

	var fm map[string]any
	if err := yaml.Unmarshal(yamlBlock, &fm); err != nil {
		return nil, string(data), 0
	}
	consumed := bytes.Count(data[:len(data)-len(after)], []byte("\n"))
	return fm, string(after), consumed
}
