package api

import (
	"github.com/starford/concord/internal/apperr"
	"github.com/starford/concord/internal/convert"
	"github.com/starford/concord/internal/docservice"
	"github.com/starford/concord/internal/models"
)

// CreateDocumentRequest is the request body for creating a document.
type CreateDocumentRequest struct {
	Path    string `json:"path" example:"animals/dog.lml" validate:"required"`
	Content string `json:"content" example:"= Dog\n\nA good animal." validate:"required"`
}

// UpdateDocumentRequest is the request body for updating a document.
type UpdateDocumentRequest struct {
	Content string `json:"content" example:"= Dog\n\nA very good animal." validate:"required"`
}

// DocumentDetail is the full document response type (aliased from the domain layer).
type DocumentDetail = docservice.DocumentDetail

// DocumentListResponse wraps document listings.
type DocumentListResponse struct {
	Documents []models.Document `json:"documents" validate:"required"`
	Total     int               `json:"total" example:"42" validate:"required"`
}

// ConvertResponse is returned after a single conversion.
type ConvertResponse = convert.Result

// OutdatedResponse answers whether one (document, kind) pair is stale.
type OutdatedResponse struct {
	Path     string            `json:"path" example:"animals/dog.lml" validate:"required"`
	Kind     models.RenderKind `json:"kind" example:"html" validate:"required"`
	Outdated bool              `json:"outdated" validate:"required"`
}

// OutdatedListResponse lists every stale pair.
type OutdatedListResponse struct {
	Renders []models.RenderTask `json:"renders" validate:"required"`
}

// RerenderResponse reports how many outputs were rebuilt.
type RerenderResponse struct {
	Rendered int `json:"rendered" example:"3" validate:"required"`
}

// DuplicatesResponse wraps the duplicate detector's output.
type DuplicatesResponse struct {
	Duplicates []models.DuplicateIdentifier `json:"duplicates" validate:"required"`
}

// HealthResponse wraps the consistency report.
type HealthResponse struct {
	OK bool `json:"ok" validate:"required"`
	*convert.Health
}

// SearchResponse wraps identifier search results.
type SearchResponse struct {
	Results []SearchResult `json:"results" validate:"required"`
}

// SearchResult is a single search hit in the API response.
type SearchResult struct {
	ID      string `json:"id" example:"dog-breeds" validate:"required"`
	Path    string `json:"path" example:"animals/dog.lml" validate:"required"`
	Title   string `json:"title" example:"Dog breeds" validate:"required"`
	Snippet string `json:"snippet" example:"...matched text..."`
}

// BacklinksResponse lists references pointing at an identifier.
type BacklinksResponse struct {
	ID         string             `json:"id" example:"dog" validate:"required"`
	References []models.Reference `json:"references" validate:"required"`
}

// TopicDetail is a topic with its articles (aliased from the domain layer).
type TopicDetail = docservice.TopicDetail

// TopicListResponse wraps topic listings.
type TopicListResponse struct {
	Topics []models.Topic `json:"topics" validate:"required"`
}

// CreateArticleRequest is the request body for creating an article.
type CreateArticleRequest = docservice.ArticleInput

// UpdateArticleRequest is the request body for patching an article.
type UpdateArticleRequest = docservice.ArticlePatch

// problemsResponse is returned for sources that fail to parse.
type problemsResponse struct {
	Error    string           `json:"error" validate:"required"`
	Path     string           `json:"path"`
	Problems []apperr.Problem `json:"problems" validate:"required"`
}

// consistencyResponse is returned when the corpus has duplicates or dangling references.
type consistencyResponse struct {
	Error      string                       `json:"error" validate:"required"`
	Duplicates []apperr.Duplicate           `json:"duplicates,omitempty"`
	Unresolved []apperr.UnresolvedReference `json:"unresolved,omitempty"`
}
