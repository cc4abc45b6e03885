package mcpserver

// MarkupContract describes the source format LLM consumers should follow when
// creating or updating documents.
const MarkupContract = `# Concord Markup Contract

Every source document in the corpus is a UTF-8 text file in the lightweight
markup below. The file extension is configured per corpus (default ` + "`" + `.lml` + "`" + `).

## Structure

` + "```" + `
---
id: optional-custom-id      # OPTIONAL – overrides the id derived from the path
title: Optional title       # OPTIONAL – used when the document has no top header
---
= Dog {tag=mammal}

A good animal. See <Dog breeds> or \x[cat].

== Dog breeds

=== Poodle {id=poodle-dog}

\Include[animals/wolf]
\Image[dog.png]{title=A dog}
` + "```" + `

## Rules

1. **The first header is the toplevel.** A single ` + "`" + `=` + "`" + ` header opens the document; its
   id is the file path without the extension (` + "`" + `animals/dog.lml` + "`" + ` → ` + "`" + `animals/dog` + "`" + `,
   ` + "`" + `animals/index.lml` + "`" + ` → ` + "`" + `animals` + "`" + `). A second ` + "`" + `=` + "`" + ` header is an error.
2. **Headers define identifiers.** ` + "`" + `== Dog breeds` + "`" + ` defines ` + "`" + `dog-breeds` + "`" + `: lowercase,
   words joined by dashes. ` + "`" + `{id=...}` + "`" + ` sets an explicit id. Ids must be unique across
   the whole corpus; duplicates are reported, not silently merged.
3. **Nesting is structural.** A header's parent is the closest shallower header above it.
   ` + "`" + `{parent=other-id}` + "`" + ` on the toplevel places the whole document under another one.
4. **Cross links** use ` + "`" + `<Title text>` + "`" + ` (the title is converted to an id) or ` + "`" + `\x[id]` + "`" + `.
   Links may point at ids that do not exist yet; they render as pending until the target appears.
5. **Includes** use ` + "`" + `\Include[id]` + "`" + ` on a line of its own. Including the same id twice is an error.
6. **Attributes** are ` + "`" + `{id=...}` + "`" + `, ` + "`" + `{parent=...}` + "`" + `, ` + "`" + `{tag=...}` + "`" + ` (repeatable) and
   ` + "`" + `{synonym}` + "`" + `. A synonym header names another title for the header before it.
7. **File paths** use forward slashes and must end with the corpus extension.

## Checking your work

- ` + "`" + `create_document` + "`" + ` and ` + "`" + `update_document` + "`" + ` reject sources that fail to parse, with line
  and column for every problem. Nothing is written in that case.
- ` + "`" + `validate` + "`" + ` reports duplicate ids and references whose target does not exist.
- ` + "`" + `find_duplicates` + "`" + ` lists every id defined in more than one document.
`
