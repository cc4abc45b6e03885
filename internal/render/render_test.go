package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/concord/internal/models"
	"github.com/starford/concord/internal/parser"
)

const dogSrc = `= Dog {tag=mammal}
= Hound {synonym}

A good <Cat> friend, see \x[missing].

== Dog breeds

=== Poodle {id=poodle-dog}

Curly.

\Include[animals/cat]

\Image[dog.png]{title=A dog}
`

func parsed(t *testing.T, path, src string) *parser.Result {
	t.Helper()
	res, err := parser.New(".lml").Parse(path, []byte(src))
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	return res
}

func dogInput(t *testing.T) *Input {
	return &Input{
		Path:   "dog.lml",
		Result: parsed(t, "dog.lml", dogSrc),
		Links: map[string]Link{
			"cat":         {ID: "cat", Path: "animals/cat.lml", Title: "Cat"},
			"animals/cat": {ID: "animals/cat", Path: "animals/cat.lml", Title: "Cat"},
			"mammal":      {ID: "mammal", Path: "mammal.lml", Title: "Mammal"},
		},
		Children: []Link{{ID: "puppy", Path: "puppy.lml", Title: "Puppy"}},
	}
}

func TestSource_RoundTrips(t *testing.T) {
	in := dogInput(t)
	out, err := Source{}.Render(in)
	require.NoError(t, err)

	again := parsed(t, "dog.lml", string(out))
	assert.Equal(t, stripIdentAST(in.Result.Identifiers), stripIdentAST(again.Identifiers), "source:\n%s", out)
	assert.ElementsMatch(t, stripAST(in.Result.References), stripAST(again.References))

	// Rendering the canonical form again is a fixed point.
	out2, err := Source{}.Render(&Input{Path: "dog.lml", Result: again})
	require.NoError(t, err)
	assert.Equal(t, string(out), string(out2))
}

func stripIdentAST(ids []models.Identifier) []models.Identifier {
	out := make([]models.Identifier, len(ids))
	for i, id := range ids {
		id.AST = nil
		out[i] = id
	}
	return out
}

func stripAST(refs []models.Reference) []models.Reference {
	out := make([]models.Reference, len(refs))
	for i, r := range refs {
		r.AST = nil
		out[i] = r
	}
	return out
}

func TestHTML_LinksAndPending(t *testing.T) {
	out, err := NewHTML().Render(dogInput(t))
	require.NoError(t, err)
	html := string(out)

	assert.Contains(t, html, `<a id="dog"></a>`)
	assert.Contains(t, html, `<h1>Dog</h1>`)
	assert.Contains(t, html, `<h2>Dog breeds</h2>`)
	assert.Contains(t, html, `<h3>Poodle</h3>`)
	assert.Contains(t, html, `<a href="/animals/cat.html#cat">Cat</a>`)
	assert.Contains(t, html, `<span class="pending" title="unresolved">missing</span>`)
	assert.Contains(t, html, `<img src="dog.png" alt="A dog">`)
	assert.Contains(t, html, `Also known as Hound`)
}

func TestHTML_EscapesText(t *testing.T) {
	in := &Input{Path: "x.lml", Result: parsed(t, "x.lml", "= X\n\na & b [c] 1 > 0\n")}
	out, err := NewHTML().Render(in)
	require.NoError(t, err)
	assert.Contains(t, string(out), "a &amp; b [c] 1 &gt; 0")
}

func TestWeb_WrapsPage(t *testing.T) {
	out, err := NewWeb().Render(dogInput(t))
	require.NoError(t, err)
	page := string(out)
	assert.True(t, strings.HasPrefix(page, "<!doctype html>"))
	assert.Contains(t, page, "<title>Dog</title>")
	assert.Contains(t, page, `<a href="/puppy.html#puppy">Puppy</a>`)
	assert.Contains(t, page, `<h2>Dog breeds</h2>`)
}

func TestNewSet(t *testing.T) {
	s, err := NewSet()
	require.NoError(t, err)
	assert.Equal(t, models.RenderKinds(), s.Kinds())

	s, err = NewSet(models.RenderWeb, models.RenderHTML)
	require.NoError(t, err)
	assert.Equal(t, []models.RenderKind{models.RenderHTML, models.RenderWeb}, s.Kinds())

	_, err = NewSet("pdf")
	assert.Error(t, err)
}
