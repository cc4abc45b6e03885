package mcpserver

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/concord/internal/convert"
	"github.com/starford/concord/internal/docservice"
	"github.com/starford/concord/internal/parser"
	"github.com/starford/concord/internal/storage"
	"github.com/starford/concord/internal/testutil"
)

func testServer(t *testing.T) (*Server, storage.Provider) {
	t.Helper()

	_, store := testutil.TestCorpus(t)
	db := testutil.TestDB(t)
	p := parser.New(store.Ext())
	orch, err := convert.New(db, p, store, convert.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := New(docservice.NewService(store, db, orch, p, nil))
	return srv, store
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no in-process "call tool" helper, so dispatch to the handlers directly.
	handlers := map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"search_identifiers": srv.searchIdentifiers,
		"read_document":      srv.readDocument,
		"create_document":    srv.createDocument,
		"update_document":    srv.updateDocument,
		"import_document":    srv.importDocument,
		"list_documents":     srv.listDocuments,
		"get_backlinks":      srv.getBacklinks,
		"convert_document":   srv.convertDocument,
		"is_outdated":        srv.isOutdated,
		"rerender":           srv.rerender,
		"find_duplicates":    srv.findDuplicates,
		"validate":           srv.validate,
		"get_topic":          srv.getTopic,
		"create_article":     srv.createArticle,
	}
	h, ok := handlers[name]
	if !ok {
		t.Fatalf("unknown tool: %s", name)
	}
	result, err := h(ctx, req)
	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestCreateAndReadDocument(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "create_document", map[string]interface{}{
		"path":    "animals/dog.lml",
		"content": "= Dog\n\nHello.\n",
	})
	if text := resultText(r); text != "created: animals/dog.lml (animals/dog)" {
		t.Errorf("create result = %q", text)
	}

	r = callTool(t, srv, "read_document", map[string]interface{}{"path": "animals/dog.lml"})
	if r.IsError || !strings.Contains(resultText(r), `"toplevel_id": "animals/dog"`) {
		t.Errorf("read result = %q", resultText(r))
	}

	r = callTool(t, srv, "create_document", map[string]interface{}{
		"path":    "animals/dog.lml",
		"content": "= Dog\n",
	})
	if !r.IsError {
		t.Error("expected error for existing document")
	}
}

func TestCreateDocument_ReportsProblems(t *testing.T) {
	srv, store := testServer(t)
	r := callTool(t, srv, "create_document", map[string]interface{}{
		"path":    "bad.lml",
		"content": "= A\n\nsee <dog\n",
	})
	if !r.IsError {
		t.Fatal("expected parse error")
	}
	if text := resultText(r); !strings.Contains(text, "bad.lml:3:") {
		t.Errorf("problems = %q, want a line 3 location", text)
	}
	if _, err := store.Read("bad.lml"); err == nil {
		t.Error("rejected source must not be written")
	}
}

func TestUpdateDocument_IfMatch(t *testing.T) {
	srv, _ := testServer(t)
	callTool(t, srv, "create_document", map[string]interface{}{"path": "a.lml", "content": "= A\n"})

	r := callTool(t, srv, "update_document", map[string]interface{}{
		"path": "a.lml", "content": "= A\n\nMore.\n", "if_match": "stale",
	})
	if !r.IsError || !strings.Contains(resultText(r), "checksum mismatch") {
		t.Errorf("stale update = %q", resultText(r))
	}
	r = callTool(t, srv, "update_document", map[string]interface{}{"path": "a.lml", "content": "= A\n\nMore.\n"})
	if r.IsError {
		t.Errorf("update = %q", resultText(r))
	}
}

func TestListDocuments(t *testing.T) {
	srv, _ := testServer(t)
	callTool(t, srv, "create_document", map[string]interface{}{"path": "a.lml", "content": "= A\n"})
	callTool(t, srv, "create_document", map[string]interface{}{"path": "zoo/b.lml", "content": "= B\n"})

	if text := resultText(callTool(t, srv, "list_documents", map[string]interface{}{})); text != "a.lml\nzoo/b.lml" {
		t.Errorf("list = %q", text)
	}
	if text := resultText(callTool(t, srv, "list_documents", map[string]interface{}{"folder": "zoo"})); text != "zoo/b.lml" {
		t.Errorf("folder list = %q", text)
	}
}

func TestReadDocumentMissing(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "read_document", map[string]interface{}{"path": "nope.lml"})
	if !r.IsError {
		t.Error("expected error for missing document")
	}
}

func TestGetBacklinks(t *testing.T) {
	srv, _ := testServer(t)
	callTool(t, srv, "create_document", map[string]interface{}{
		"path":    "a.lml",
		"content": "= A\n\nLinks to \\x[b].\n",
	})

	text := resultText(callTool(t, srv, "get_backlinks", map[string]interface{}{"id": "b"}))
	if text != "a.lml cross-link (a)" {
		t.Errorf("backlinks = %q", text)
	}
}

func TestOutdatedAndRerender(t *testing.T) {
	srv, _ := testServer(t)
	callTool(t, srv, "create_document", map[string]interface{}{"path": "a.lml", "content": "= A\n\n\\Include[b]\n"})

	if text := resultText(callTool(t, srv, "is_outdated", map[string]interface{}{"path": "a.lml", "kind": "html"})); text != "fresh" {
		t.Errorf("before target = %q", text)
	}
	callTool(t, srv, "create_document", map[string]interface{}{"path": "b.lml", "content": "= B\n"})
	if text := resultText(callTool(t, srv, "is_outdated", map[string]interface{}{"path": "a.lml", "kind": "html"})); text != "outdated" {
		t.Errorf("after target = %q", text)
	}
	if text := resultText(callTool(t, srv, "rerender", map[string]interface{}{})); text != "rendered: 2" {
		t.Errorf("rerender = %q", text)
	}
	r := callTool(t, srv, "is_outdated", map[string]interface{}{"path": "a.lml", "kind": "pdf"})
	if !r.IsError {
		t.Error("expected error for unknown kind")
	}
}

func TestDuplicatesAndValidate(t *testing.T) {
	srv, _ := testServer(t)
	if text := resultText(callTool(t, srv, "validate", map[string]interface{}{})); text != "ok" {
		t.Errorf("empty corpus validate = %q", text)
	}
	callTool(t, srv, "create_document", map[string]interface{}{"path": "x.lml", "content": "= X\n\n== Shared\n"})
	callTool(t, srv, "create_document", map[string]interface{}{"path": "y.lml", "content": "= Y\n\n== Shared\n"})

	text := resultText(callTool(t, srv, "find_duplicates", map[string]interface{}{"path": "x.lml"}))
	if !strings.Contains(text, `"other_paths"`) || !strings.Contains(text, "y.lml") {
		t.Errorf("duplicates = %q", text)
	}
	if text := resultText(callTool(t, srv, "validate", map[string]interface{}{})); !strings.Contains(text, "shared") {
		t.Errorf("validate = %q", text)
	}
}

func TestTopics(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "create_article", map[string]interface{}{"author": "u1", "title": "Linear Algebra", "score": 4})
	if r.IsError {
		t.Fatalf("create article = %q", resultText(r))
	}
	r = callTool(t, srv, "get_topic", map[string]interface{}{"key": "Linear  algebra"})
	if r.IsError || !strings.Contains(resultText(r), `"key": "linear-algebra"`) {
		t.Errorf("topic = %q", resultText(r))
	}
	r = callTool(t, srv, "get_topic", map[string]interface{}{"key": "missing"})
	if !r.IsError {
		t.Error("expected error for unknown topic")
	}
	r = callTool(t, srv, "create_article", map[string]interface{}{"author": "bad author!", "title": "X"})
	if !r.IsError {
		t.Error("expected validation error")
	}
}

func TestImportDocument_DataURI(t *testing.T) {
	srv, store := testServer(t)
	src := base64.StdEncoding.EncodeToString([]byte("= Imported\n"))

	r := callTool(t, srv, "import_document", map[string]interface{}{
		"url":  "data:text/plain;base64," + src,
		"path": "../outside/new doc.lml",
	})
	if r.IsError {
		t.Fatalf("import = %q", resultText(r))
	}
	if _, err := store.Read("outside/new_doc.lml"); err != nil {
		t.Errorf("imported file not written under the sanitized path: %v", err)
	}

	r = callTool(t, srv, "import_document", map[string]interface{}{"url": "data:image/png;base64," + src})
	if !r.IsError {
		t.Error("expected error for non-text MIME type")
	}
	r = callTool(t, srv, "import_document", map[string]interface{}{"url": "file:///etc/passwd"})
	if !r.IsError {
		t.Error("expected error for file scheme")
	}
	r = callTool(t, srv, "import_document", map[string]interface{}{"url": "http://127.0.0.1/x.lml"})
	if !r.IsError {
		t.Error("expected loopback to be blocked")
	}
}

func TestPathFromURL(t *testing.T) {
	if got := pathFromURL("https://example.com/docs/cat.lml", ".lml"); got != "cat.lml" {
		t.Errorf("pathFromURL = %q", got)
	}
	got := pathFromURL("https://example.com/docs/", ".lml")
	if !strings.HasPrefix(got, "imported/") || !strings.HasSuffix(got, ".lml") {
		t.Errorf("fallback path = %q", got)
	}
}
