// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the corpus graph to LLM clients via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/concord/internal/apperr"
	"github.com/starford/concord/internal/docservice"
	"github.com/starford/concord/internal/models"
)

const contractURI = "concord://markup-format"

// Server wraps the MCP server with corpus tools.
type Server struct {
	mcp *server.MCPServer
	svc *docservice.Service
}

// New creates a new MCP server with all tools registered.
func New(svc *docservice.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Concord",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_identifiers",
		mcp.WithDescription("Search identifiers by title."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
	), s.searchIdentifiers)

	s.mcp.AddTool(mcp.NewTool("read_document",
		mcp.WithDescription("Read a source document with its identifiers, references and backlinks."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the document (e.g. animals/dog.lml)")),
	), s.readDocument)

	s.mcp.AddTool(mcp.NewTool("create_document",
		mcp.WithDescription("Create a new source document and convert it. "+
			"Content MUST follow the markup contract; read it first via the "+
			"get_markup_contract tool or the "+contractURI+" resource."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path for the new document")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Source text following the markup contract")),
	), s.createDocument)

	s.mcp.AddTool(mcp.NewTool("update_document",
		mcp.WithDescription("Replace the source of an existing document and convert it."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path of the document")),
		mcp.WithString("content", mcp.Required(), mcp.Description("New source text")),
		mcp.WithString("if_match", mcp.Description("Optional checksum from read_document; the update fails if the file changed since")),
	), s.updateDocument)

	s.mcp.AddTool(mcp.NewTool("import_document",
		mcp.WithDescription("Download a source document from an http(s) or base64 data URL and create it."),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or data:text/plain;base64,... URI")),
		mcp.WithString("path", mcp.Description("Optional target path; derived from the URL when empty")),
	), s.importDocument)

	s.mcp.AddTool(mcp.NewTool("get_markup_contract",
		mcp.WithDescription("Returns the markup contract. "+
			"Call this before creating or updating documents to ensure correct structure."),
	), s.getMarkupContract)

	s.mcp.AddTool(mcp.NewTool("list_documents",
		mcp.WithDescription("List converted documents, optionally under a folder."),
		mcp.WithString("folder", mcp.Description("Optional folder prefix (empty for all)")),
	), s.listDocuments)

	s.mcp.AddTool(mcp.NewTool("get_backlinks",
		mcp.WithDescription("Find every reference pointing at an identifier."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Identifier to find backlinks for")),
	), s.getBacklinks)

	s.mcp.AddTool(mcp.NewTool("convert_document",
		mcp.WithDescription("Re-read a document from disk and convert it."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path of the document")),
	), s.convertDocument)

	s.mcp.AddTool(mcp.NewTool("is_outdated",
		mcp.WithDescription("Report whether one render of a document needs rebuilding."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path of the document")),
		mcp.WithString("kind", mcp.Required(), mcp.Description("Render kind: html, source or web")),
	), s.isOutdated)

	s.mcp.AddTool(mcp.NewTool("rerender",
		mcp.WithDescription("Rebuild every outdated render."),
	), s.rerender)

	s.mcp.AddTool(mcp.NewTool("find_duplicates",
		mcp.WithDescription("List identifiers defined in more than one document."),
		mcp.WithString("path", mcp.Description("Optional document path to restrict the report to")),
	), s.findDuplicates)

	s.mcp.AddTool(mcp.NewTool("validate",
		mcp.WithDescription("Check the whole corpus for duplicate ids, unresolved references and empty topics."),
	), s.validate)

	s.mcp.AddTool(mcp.NewTool("get_topic",
		mcp.WithDescription("Show a topic with its elected representative and its articles."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Topic key or any title that normalizes to it")),
	), s.getTopic)

	s.mcp.AddTool(mcp.NewTool("create_article",
		mcp.WithDescription("Create an article and re-elect its topic."),
		mcp.WithString("author", mcp.Required(), mcp.Description("Author handle")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Article title; the topic key is derived from it")),
		mcp.WithString("topic_key", mcp.Description("Optional explicit topic key")),
		mcp.WithNumber("score", mcp.Description("Optional score used by the election")),
	), s.createArticle)

	s.mcp.AddResource(
		mcp.NewResource(contractURI, "Markup Contract",
			mcp.WithResourceDescription("Source format every document must follow."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readContractResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// errorResult renders parse problems one per line so the caller can fix them.
func errorResult(err error) *mcp.CallToolResult {
	var pe *apperr.ParseValidationError
	if errors.As(err, &pe) {
		lines := make([]string, 0, len(pe.Problems)+1)
		lines = append(lines, "parse failed: "+pe.Path)
		for _, p := range pe.Problems {
			lines = append(lines, p.String())
		}
		return mcp.NewToolResultError(strings.Join(lines, "\n"))
	}
	return mcp.NewToolResultError(err.Error())
}

func (s *Server) searchIdentifiers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.svc.Search(ctx, query, 20)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(results)
}

func (s *Server) readDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := s.svc.GetDocument(ctx, path)
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", path)), nil
	}
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(doc)
}

func (s *Server) createDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.create(ctx, path, []byte(content))
}

func (s *Server) create(ctx context.Context, path string, content []byte) (*mcp.CallToolResult, error) {
	doc, err := s.svc.CreateDocument(ctx, path, content)
	if errors.Is(err, apperr.ErrAlreadyExists) {
		return mcp.NewToolResultError(fmt.Sprintf("document already exists: %s", path)), nil
	}
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s (%s)", path, doc.ToplevelID)), nil
}

func (s *Server) updateDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ifMatch := req.GetString("if_match", "")
	doc, err := s.svc.UpdateDocument(ctx, path, []byte(content), ifMatch)
	if errors.Is(err, apperr.ErrConflict) {
		return mcp.NewToolResultError("checksum mismatch: the document changed since it was read"), nil
	}
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("updated: %s (checksum %s)", path, doc.Checksum)), nil
}

func (s *Server) getMarkupContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(MarkupContract), nil
}

func (s *Server) readContractResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     MarkupContract,
		},
	}, nil
}

func (s *Server) listDocuments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	folder := strings.Trim(req.GetString("folder", ""), "/")

	docs, err := s.svc.ListDocuments(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	var paths []string
	for _, d := range docs {
		if folder != "" && !strings.HasPrefix(d.Path, folder+"/") {
			continue
		}
		paths = append(paths, d.Path)
	}
	if len(paths) == 0 {
		return mcp.NewToolResultText("no documents found"), nil
	}
	return mcp.NewToolResultText(strings.Join(paths, "\n")), nil
}

func (s *Server) getBacklinks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	refs, err := s.svc.Backlinks(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}
	if len(refs) == 0 {
		return mcp.NewToolResultText("no backlinks found"), nil
	}
	lines := make([]string, 0, len(refs))
	for _, r := range refs {
		lines = append(lines, fmt.Sprintf("%s %s (%s)", r.DocumentPath, r.Kind, r.OriginID))
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) convertDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.svc.ConvertPath(ctx, path)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(res)
}

func (s *Server) isOutdated(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	k, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind, err := models.ParseRenderKind(k)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	outdated, err := s.svc.IsOutdated(ctx, path, kind)
	if err != nil {
		return errorResult(err), nil
	}
	if outdated {
		return mcp.NewToolResultText("outdated"), nil
	}
	return mcp.NewToolResultText("fresh"), nil
}

func (s *Server) rerender(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n, err := s.svc.Orchestrator().Rerender(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("rendered: %d", n)), nil
}

func (s *Server) findDuplicates(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var paths []string
	if p := req.GetString("path", ""); p != "" {
		paths = append(paths, p)
	}
	dups, err := s.svc.Duplicates(ctx, paths...)
	if err != nil {
		return errorResult(err), nil
	}
	if len(dups) == 0 {
		return mcp.NewToolResultText("no duplicates found"), nil
	}
	return jsonResult(dups)
}

func (s *Server) validate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	health, err := s.svc.Validate(ctx)
	if health == nil {
		return errorResult(err), nil
	}
	if health.OK() && len(health.DanglingTopics) == 0 {
		return mcp.NewToolResultText("ok"), nil
	}
	return jsonResult(health)
}

func (s *Server) getTopic(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t, err := s.svc.GetTopic(ctx, key)
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("no such topic: %s", key)), nil
	}
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(t)
}

func (s *Server) createArticle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	author, err := req.RequireString("author")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	a, err := s.svc.CreateArticle(ctx, docservice.ArticleInput{
		Author:   author,
		Title:    title,
		TopicKey: req.GetString("topic_key", ""),
		Score:    req.GetInt("score", 0),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(a)
}
