package index

import (
	"context"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/starford/concord/internal/models"
	"github.com/starford/concord/internal/topic"
)

// SearchResult represents one identifier search hit.
type SearchResult struct {
	ID      string `json:"id"`
	Path    string `json:"path"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// GraphWriter is the set of writes that must happen inside one transaction.
type GraphWriter interface {
	UpsertDocument(ctx context.Context, path, contentHash string, parsedAt time.Time) (models.Document, error)
	SetToplevel(ctx context.Context, docID int64, toplevelID string) error
	GetDocument(ctx context.Context, path string) (models.Document, error)
	DeleteDocument(ctx context.Context, path string) error
	ReplaceIdentifiers(ctx context.Context, docID int64, ids []models.Identifier) (bool, error)
	ReplaceReferences(ctx context.Context, docID int64, refs []models.Reference) (bool, error)
	Dependents(ctx context.Context, docID int64) (*roaring.Bitmap, error)
	MarkOutdated(ctx context.Context, docID int64, includeSelf bool) (int, error)
	OutdateDocuments(ctx context.Context, docs *roaring.Bitmap, kinds ...models.RenderKind) (int, error)
	OutdateReferrers(ctx context.Context, exceptDoc int64, targetIDs []string) (int, error)
	IdentifierIDs(ctx context.Context, docID int64) ([]string, error)
	RecomputeTopics(ctx context.Context, keys ...string) error
}

// CorpusIndex defines the read side of the graph plus the writes that run in
// their own transaction. Consumers should depend on this interface rather than
// the concrete *DB type.
type CorpusIndex interface {
	WithTx(ctx context.Context, fn func(*Tx) error) error

	GetDocument(ctx context.Context, path string) (models.Document, error)
	ListDocuments(ctx context.Context) ([]models.Document, error)
	AllChecksums(ctx context.Context) (map[string]string, error)
	DeleteDocument(ctx context.Context, path string) error

	Identifiers(ctx context.Context, path string) ([]models.Identifier, error)
	ResolveTarget(ctx context.Context, ref models.Reference) (models.Target, error)
	OutgoingReferences(ctx context.Context, path string) ([]models.ResolvedReference, error)
	IncomingReferences(ctx context.Context, targetID string) ([]models.Reference, error)
	UnresolvedReferences(ctx context.Context, paths ...string) ([]models.Reference, error)
	FindDuplicateIdentifiers(ctx context.Context, paths ...string) ([]models.DuplicateIdentifier, error)
	SearchIdentifiers(ctx context.Context, query string, limit int) ([]SearchResult, error)

	MarkRendered(ctx context.Context, path string, kind models.RenderKind, output []byte) error
	RenderGeneration(ctx context.Context, path string, kind models.RenderKind) (int64, error)
	MarkRenderedAt(ctx context.Context, path string, kind models.RenderKind, output []byte, gen int64) (bool, error)
	IsOutdated(ctx context.Context, path string, kind models.RenderKind) (bool, error)
	GetRender(ctx context.Context, path string, kind models.RenderKind) (models.RenderRecord, error)
	OutdatedRenders(ctx context.Context, kinds ...models.RenderKind) ([]models.RenderTask, error)

	CreateArticle(ctx context.Context, a models.Article) (models.Article, error)
	UpdateArticle(ctx context.Context, id int64, upd ArticleUpdate) (models.Article, error)
	DeleteArticle(ctx context.Context, id int64) error
	GetArticle(ctx context.Context, id int64) (models.Article, error)
	ListArticles(ctx context.Context, key string) ([]models.Article, error)
	GetTopic(ctx context.Context, key string) (models.Topic, error)
	ListTopics(ctx context.Context, limit, offset int) ([]models.Topic, error)
	DanglingTopics(ctx context.Context) ([]models.Topic, error)
	TopicCandidates(ctx context.Context, key string) ([]topic.Candidate, error)
	RecomputeAllTopics(ctx context.Context) error
	TopN() int

	Close() error
}

// Verify the concrete types satisfy the interfaces at compile time.
var (
	_ CorpusIndex = (*DB)(nil)
	_ GraphWriter = (*Tx)(nil)
)
