package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/concord/internal/docservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *docservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Documents CRUD.
	r.Get("/documents", h.ListDocuments)
	r.Post("/documents", h.CreateDocument)
	r.Get("/documents/*", h.GetDocument)
	r.Put("/documents/*", h.UpdateDocument)
	r.Delete("/documents/*", h.DeleteDocument)

	// Conversion and render freshness.
	r.Post("/convert/*", h.ConvertDocument)
	r.Post("/rerender", h.Rerender)
	r.Get("/outdated", h.ListOutdated)
	r.Get("/outdated/{kind}/*", h.IsOutdated)
	r.Get("/render/{kind}/*", h.GetRender)

	// Consistency.
	r.Get("/duplicates", h.Duplicates)
	r.Get("/validate", h.Validate)

	// Graph lookups.
	r.Get("/search", h.Search)
	r.Get("/backlinks/{id}", h.Backlinks)

	// Topics and articles.
	r.Get("/topics", h.ListTopics)
	r.Get("/topics/{key}", h.GetTopic)
	r.Post("/articles", h.CreateArticle)
	r.Get("/articles/{id}", h.GetArticle)
	r.Patch("/articles/{id}", h.UpdateArticle)
	r.Delete("/articles/{id}", h.DeleteArticle)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
