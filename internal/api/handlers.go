package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/concord/internal/docservice"
	"github.com/starford/concord/internal/models"
)

// Handler holds API route handlers.
type Handler struct {
	svc *docservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *docservice.Service) *Handler {
	return &Handler{svc: svc}
}

// docPath extracts the document path from the URL (everything matched by "*").
// Supports encoded slashes from OpenAPI clients (e.g. animals%2Fdog.lml).
func docPath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

func renderKind(w http.ResponseWriter, r *http.Request) (models.RenderKind, bool) {
	kind, err := models.ParseRenderKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return "", false
	}
	return kind, true
}

// ListDocuments handles GET /api/documents.
//
//	@Summary		List every converted document
//	@Tags			documents
//	@Produce		json
//	@Success		200		{object}	DocumentListResponse
//	@Security		BearerAuth
//	@Router			/documents [get]
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.svc.ListDocuments(r.Context())
	if err != nil {
		writeError(w, "list documents", err)
		return
	}
	writeJSON(w, http.StatusOK, DocumentListResponse{Documents: docs, Total: len(docs)})
}

// GetDocument handles GET /api/documents/*.
//
//	@Summary		Get a document with its identifiers, references and backlinks
//	@Tags			documents
//	@Produce		json
//	@Param			path	path		string	true	"Document path"
//	@Success		200		{object}	DocumentDetail
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{path} [get]
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	path := docPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	doc, err := h.svc.GetDocument(r.Context(), path)
	if err != nil {
		writeError(w, "get document", err, slog.String("path", path))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// CreateDocument handles POST /api/documents.
//
//	@Summary		Create and convert a new document
//	@Tags			documents
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateDocumentRequest	true	"Document to create"
//	@Success		201		{object}	DocumentDetail
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		422		{object}	problemsResponse
//	@Security		BearerAuth
//	@Router			/documents [post]
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	var req CreateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Path == "" || req.Content == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path and content are required"))
		return
	}
	doc, err := h.svc.CreateDocument(r.Context(), req.Path, []byte(req.Content))
	if err != nil {
		writeError(w, "create document", err, slog.String("path", req.Path))
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// UpdateDocument handles PUT /api/documents/*.
//
//	@Summary		Update a document with optimistic concurrency
//	@Tags			documents
//	@Accept			json
//	@Produce		json
//	@Param			path		path	string					true	"Document path"
//	@Param			If-Match	header	string					false	"SHA-256 checksum for optimistic concurrency"
//	@Param			body		body	UpdateDocumentRequest	true	"Updated content"
//	@Success		200		{object}	DocumentDetail
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		422		{object}	problemsResponse
//	@Security		BearerAuth
//	@Router			/documents/{path} [put]
func (h *Handler) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	path := docPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
		return
	}

	var req UpdateDocumentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("content is required"))
		return
	}

	// Strip surrounding quotes if present (standard ETag format).
	ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`)

	doc, err := h.svc.UpdateDocument(r.Context(), path, []byte(req.Content), ifMatch)
	if err != nil {
		writeError(w, "update document", err, slog.String("path", path))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// DeleteDocument handles DELETE /api/documents/*.
//
//	@Summary		Delete a document
//	@Tags			documents
//	@Param			path	path	string	true	"Document path"
//	@Success		204		"Document deleted"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{path} [delete]
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	path := docPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	if err := h.svc.DeleteDocument(r.Context(), path); err != nil {
		writeError(w, "delete document", err, slog.String("path", path))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConvertDocument handles POST /api/convert/*. The document is re-read from
// the corpus and converted.
//
//	@Summary		Convert one document from the corpus
//	@Tags			conversion
//	@Produce		json
//	@Param			path	path		string	true	"Document path"
//	@Success		200		{object}	ConvertResponse
//	@Failure		404		{object}	errResponse
//	@Failure		422		{object}	problemsResponse
//	@Security		BearerAuth
//	@Router			/convert/{path} [post]
func (h *Handler) ConvertDocument(w http.ResponseWriter, r *http.Request) {
	path := docPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	res, err := h.svc.ConvertPath(r.Context(), path)
	if err != nil {
		writeError(w, "convert document", err, slog.String("path", path))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// IsOutdated handles GET /api/outdated/{kind}/*.
//
//	@Summary		Whether a document's render of one kind is outdated
//	@Tags			rendering
//	@Produce		json
//	@Param			kind	path		string	true	"Render kind"	Enums(html, source, web)
//	@Param			path	path		string	true	"Document path"
//	@Success		200		{object}	OutdatedResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/outdated/{kind}/{path} [get]
func (h *Handler) IsOutdated(w http.ResponseWriter, r *http.Request) {
	kind, ok := renderKind(w, r)
	if !ok {
		return
	}
	path := docPath(r)
	outdated, err := h.svc.IsOutdated(r.Context(), path, kind)
	if err != nil {
		writeError(w, "is outdated", err, slog.String("path", path))
		return
	}
	writeJSON(w, http.StatusOK, OutdatedResponse{Path: path, Kind: kind, Outdated: outdated})
}

// ListOutdated handles GET /api/outdated?kind=html&kind=web.
//
//	@Summary		List outdated renders
//	@Tags			rendering
//	@Produce		json
//	@Param			kind	query		[]string	false	"Render kinds; all when omitted"	collectionFormat(multi)
//	@Success		200		{object}	OutdatedListResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/outdated [get]
func (h *Handler) ListOutdated(w http.ResponseWriter, r *http.Request) {
	var kinds []models.RenderKind
	for _, k := range r.URL.Query()["kind"] {
		kind, err := models.ParseRenderKind(k)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
			return
		}
		kinds = append(kinds, kind)
	}
	tasks, err := h.svc.Outdated(r.Context(), kinds...)
	if err != nil {
		writeError(w, "list outdated", err)
		return
	}
	writeJSON(w, http.StatusOK, OutdatedListResponse{Renders: tasks})
}

// GetRender handles GET /api/render/{kind}/*. The stored output is served even
// when outdated unless ?fresh=true; X-Render-Outdated tells which.
//
//	@Summary		Get the stored render of a document
//	@Tags			rendering
//	@Produce		html
//	@Produce		plain
//	@Param			kind	path		string	true	"Render kind"	Enums(html, source, web)
//	@Param			path	path		string	true	"Document path"
//	@Param			fresh	query		bool	false	"Re-render first when outdated"
//	@Success		200		{string}	string	"Render output"
//	@Header			200		{string}	X-Render-Outdated	"true when the output is outdated"
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/render/{kind}/{path} [get]
func (h *Handler) GetRender(w http.ResponseWriter, r *http.Request) {
	kind, ok := renderKind(w, r)
	if !ok {
		return
	}
	path := docPath(r)
	fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh"))
	rec, err := h.svc.Render(r.Context(), path, kind, fresh)
	if err != nil {
		writeError(w, "get render", err, slog.String("path", path), slog.String("kind", string(kind)))
		return
	}
	w.Header().Set("Content-Type", contentType(kind))
	w.Header().Set("X-Render-Outdated", strconv.FormatBool(rec.Outdated))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rec.Output)
}

// Rerender handles POST /api/rerender.
//
//	@Summary		Rebuild every outdated render
//	@Tags			rendering
//	@Produce		json
//	@Success		200		{object}	RerenderResponse
//	@Security		BearerAuth
//	@Router			/rerender [post]
func (h *Handler) Rerender(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Orchestrator().Rerender(r.Context())
	if err != nil {
		writeError(w, "rerender", err)
		return
	}
	writeJSON(w, http.StatusOK, RerenderResponse{Rendered: n})
}

// Duplicates handles GET /api/duplicates?path=a.lml.
//
//	@Summary		Identifiers defined more than once
//	@Tags			consistency
//	@Produce		json
//	@Param			path	query		string	false	"Limit to these documents"
//	@Success		200		{object}	DuplicatesResponse
//	@Security		BearerAuth
//	@Router			/duplicates [get]
func (h *Handler) Duplicates(w http.ResponseWriter, r *http.Request) {
	dups, err := h.svc.Duplicates(r.Context(), r.URL.Query()["path"]...)
	if err != nil {
		writeError(w, "find duplicates", err)
		return
	}
	writeJSON(w, http.StatusOK, DuplicatesResponse{Duplicates: dups})
}

// Validate handles GET /api/validate. The report is returned with 200 whether
// or not the corpus is consistent.
//
//	@Summary		Check the corpus for duplicate and unresolved identifiers
//	@Tags			consistency
//	@Produce		json
//	@Param			path	query		[]string	false	"Limit duplicate checks to these documents"	collectionFormat(multi)
//	@Success		200		{object}	HealthResponse
//	@Security		BearerAuth
//	@Router			/validate [get]
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	health, err := h.svc.Validate(r.Context(), r.URL.Query()["path"]...)
	if health == nil {
		writeError(w, "validate", err)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{OK: health.OK(), Health: health})
}

// Search handles GET /api/search.
//
//	@Summary		Search identifiers by title
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	true	"Search query"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	hits, err := h.svc.Search(r.Context(), q, limit)
	if err != nil {
		writeError(w, "search", err, slog.String("query", q))
		return
	}
	results := make([]SearchResult, len(hits))
	for i, hit := range hits {
		results[i] = SearchResult(hit)
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// Backlinks handles GET /api/backlinks/{id}.
//
//	@Summary		References pointing at an identifier
//	@Tags			search
//	@Produce		json
//	@Param			id	path		string	true	"Identifier"
//	@Success		200	{object}	BacklinksResponse
//	@Security		BearerAuth
//	@Router			/backlinks/{id} [get]
func (h *Handler) Backlinks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	refs, err := h.svc.Backlinks(r.Context(), id)
	if err != nil {
		writeError(w, "backlinks", err, slog.String("id", id))
		return
	}
	writeJSON(w, http.StatusOK, BacklinksResponse{ID: id, References: refs})
}

// ListTopics handles GET /api/topics.
//
//	@Summary		List topics, largest first
//	@Tags			topics
//	@Produce		json
//	@Param			limit	query		int	false	"Page size"
//	@Param			offset	query		int	false	"Page offset"
//	@Success		200		{object}	TopicListResponse
//	@Security		BearerAuth
//	@Router			/topics [get]
func (h *Handler) ListTopics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	topics, err := h.svc.ListTopics(r.Context(), limit, offset)
	if err != nil {
		writeError(w, "list topics", err)
		return
	}
	writeJSON(w, http.StatusOK, TopicListResponse{Topics: topics})
}

// GetTopic handles GET /api/topics/{key}.
//
//	@Summary		Get a topic with its elected representative
//	@Tags			topics
//	@Produce		json
//	@Param			key	path		string	true	"Topic key or title"
//	@Success		200	{object}	TopicDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/topics/{key} [get]
func (h *Handler) GetTopic(w http.ResponseWriter, r *http.Request) {
	key, _ := url.PathUnescape(chi.URLParam(r, "key"))
	t, err := h.svc.GetTopic(r.Context(), key)
	if err != nil {
		writeError(w, "get topic", err, slog.String("key", key))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CreateArticle handles POST /api/articles.
//
//	@Summary		Create an article; its topic is re-elected
//	@Tags			topics
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateArticleRequest	true	"Article to create"
//	@Success		201		{object}	models.Article
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/articles [post]
func (h *Handler) CreateArticle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req CreateArticleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	a, err := h.svc.CreateArticle(r.Context(), req)
	if err != nil {
		writeError(w, "create article", err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func articleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid article id"))
		return 0, false
	}
	return id, true
}

// GetArticle handles GET /api/articles/{id}.
//
//	@Summary		Get an article
//	@Tags			topics
//	@Produce		json
//	@Param			id	path		int	true	"Article id"
//	@Success		200	{object}	models.Article
//	@Failure		400	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/articles/{id} [get]
func (h *Handler) GetArticle(w http.ResponseWriter, r *http.Request) {
	id, ok := articleID(w, r)
	if !ok {
		return
	}
	a, err := h.svc.GetArticle(r.Context(), id)
	if err != nil {
		writeError(w, "get article", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// UpdateArticle handles PATCH /api/articles/{id}.
//
//	@Summary		Update an article; old and new topics are re-elected
//	@Tags			topics
//	@Accept			json
//	@Produce		json
//	@Param			id		path		int						true	"Article id"
//	@Param			body	body		UpdateArticleRequest	true	"Fields to change"
//	@Success		200		{object}	models.Article
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/articles/{id} [patch]
func (h *Handler) UpdateArticle(w http.ResponseWriter, r *http.Request) {
	id, ok := articleID(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req UpdateArticleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	a, err := h.svc.UpdateArticle(r.Context(), id, req)
	if err != nil {
		writeError(w, "update article", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// DeleteArticle handles DELETE /api/articles/{id}.
//
//	@Summary		Delete an article
//	@Tags			topics
//	@Param			id	path	int	true	"Article id"
//	@Success		204	"Article deleted"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/articles/{id} [delete]
func (h *Handler) DeleteArticle(w http.ResponseWriter, r *http.Request) {
	id, ok := articleID(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteArticle(r.Context(), id); err != nil {
		writeError(w, "delete article", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func contentType(kind models.RenderKind) string {
	switch kind {
	case models.RenderHTML, models.RenderWeb:
		return "text/html; charset=utf-8"
	}
	return "text/plain; charset=utf-8"
}
