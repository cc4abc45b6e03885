// Package docservice coordinates the corpus storage, the conversion
// orchestrator and the topic engine behind one API used by the transports.
package docservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/starford/concord/internal/apperr"
	"github.com/starford/concord/internal/checksum"
	"github.com/starford/concord/internal/convert"
	"github.com/starford/concord/internal/index"
	"github.com/starford/concord/internal/models"
	"github.com/starford/concord/internal/parser"
	"github.com/starford/concord/internal/storage"
)

// EventTopicUpdated is emitted with the topic key after an article write.
const EventTopicUpdated = "topic.updated"

// DocumentDetail is the full representation of a document.
type DocumentDetail struct {
	Path        string              `json:"path"`
	Title       string              `json:"title"`
	ToplevelID  string              `json:"toplevel_id"`
	Content     string              `json:"content"`
	Checksum    string              `json:"checksum"`
	Frontmatter map[string]any      `json:"frontmatter,omitempty"`
	Identifiers []models.Identifier `json:"identifiers"`
	References  []ReferenceView     `json:"references"`
	Backlinks   []models.Reference  `json:"backlinks"`
	Outdated    []models.RenderKind `json:"outdated"`
	ParsedAt    time.Time           `json:"parsed_at,omitempty"`
}

// ReferenceView is an outgoing reference with its current resolution.
type ReferenceView struct {
	models.Reference
	Pending bool             `json:"pending"`
	Target  *models.Resolved `json:"target,omitempty"`
}

// Service coordinates storage, conversion and topic operations.
type Service struct {
	store   storage.Provider
	db      index.CorpusIndex
	orch    *convert.Orchestrator
	parser  parser.Parser
	logger  *slog.Logger
	onEvent convert.EventCallback
}

// NewService creates a new document service. onEvent may be nil.
func NewService(store storage.Provider, db index.CorpusIndex, orch *convert.Orchestrator, p parser.Parser, onEvent convert.EventCallback) *Service {
	return &Service{
		store:   store,
		db:      db,
		orch:    orch,
		parser:  p,
		logger:  slog.Default(),
		onEvent: onEvent,
	}
}

// Orchestrator returns the conversion orchestrator behind the service.
func (s *Service) Orchestrator() *convert.Orchestrator { return s.orch }

// Ext is the source file extension of the corpus.
func (s *Service) Ext() string { return s.store.Ext() }

// GetDocument reads a document from storage and enriches it with its graph rows.
func (s *Service) GetDocument(ctx context.Context, path string) (*DocumentDetail, error) {
	data, err := s.read(path)
	if err != nil {
		return nil, err
	}
	return s.buildDetail(ctx, path, data)
}

// CreateDocument writes a new document and converts it. Sources with problems are
// rejected before anything is written.
func (s *Service) CreateDocument(ctx context.Context, path string, content []byte) (*DocumentDetail, error) {
	if err := s.checkPath(path); err != nil {
		return nil, err
	}
	if _, err := s.store.Read(path); err == nil {
		return nil, apperr.ErrAlreadyExists
	}
	if err := s.check(path, content); err != nil {
		return nil, err
	}
	if err := s.store.Write(path, content); err != nil {
		return nil, err
	}
	if _, err := s.orch.ConvertDocument(ctx, path, content); err != nil {
		return nil, err
	}
	return s.buildDetail(ctx, path, content)
}

// UpdateDocument writes updated content with optimistic concurrency. ifMatch is
// the checksum the caller last saw; empty skips the check.
func (s *Service) UpdateDocument(ctx context.Context, path string, content []byte, ifMatch string) (*DocumentDetail, error) {
	existing, err := s.read(path)
	if err != nil {
		return nil, err
	}
	if ifMatch != "" && ifMatch != checksum.Sum(existing) {
		return nil, apperr.ErrConflict
	}
	if err := s.check(path, content); err != nil {
		return nil, err
	}
	if err := s.store.Write(path, content); err != nil {
		return nil, err
	}
	if _, err := s.orch.ConvertDocument(ctx, path, content); err != nil {
		return nil, err
	}
	return s.buildDetail(ctx, path, content)
}

// DeleteDocument removes a document from storage and from the graph.
func (s *Service) DeleteDocument(ctx context.Context, path string) error {
	if err := s.store.Delete(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apperr.ErrNotFound
		}
		return err
	}
	if err := s.orch.DeleteDocument(ctx, path); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	return nil
}

// ConvertPath re-reads path from storage and converts it.
func (s *Service) ConvertPath(ctx context.Context, path string) (*convert.Result, error) {
	data, err := s.read(path)
	if err != nil {
		return nil, err
	}
	return s.orch.ConvertDocument(ctx, path, data)
}

// ListDocuments returns every document known to the graph.
func (s *Service) ListDocuments(ctx context.Context) ([]models.Document, error) {
	docs, err := s.db.ListDocuments(ctx)
	return nonNilSlice(docs), err
}

// Search looks up identifiers by title.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]index.SearchResult, error) {
	res, err := s.db.SearchIdentifiers(ctx, query, limit)
	return nonNilSlice(res), err
}

// Backlinks returns every reference pointing at the textual id.
func (s *Service) Backlinks(ctx context.Context, id string) ([]models.Reference, error) {
	refs, err := s.db.IncomingReferences(ctx, id)
	return nonNilSlice(refs), err
}

// Render returns the stored output of path for kind. With fresh set, an outdated
// output is rebuilt first; otherwise it is served as is and flagged outdated.
func (s *Service) Render(ctx context.Context, path string, kind models.RenderKind, fresh bool) (models.RenderRecord, error) {
	if fresh {
		outdated, err := s.db.IsOutdated(ctx, path, kind)
		if err != nil {
			return models.RenderRecord{}, err
		}
		if outdated {
			if err := s.orch.RenderDocument(ctx, path, kind); err != nil {
				return models.RenderRecord{}, err
			}
		}
	}
	return s.db.GetRender(ctx, path, kind)
}

// IsOutdated reports whether (path, kind) needs a rebuild.
func (s *Service) IsOutdated(ctx context.Context, path string, kind models.RenderKind) (bool, error) {
	return s.db.IsOutdated(ctx, path, kind)
}

// Outdated lists the outdated (document, kind) pairs among kinds.
func (s *Service) Outdated(ctx context.Context, kinds ...models.RenderKind) ([]models.RenderTask, error) {
	if len(kinds) == 0 {
		kinds = s.orch.Kinds()
	}
	tasks, err := s.db.OutdatedRenders(ctx, kinds...)
	return nonNilSlice(tasks), err
}

// Duplicates reports identifiers defined more than once, optionally limited to paths.
func (s *Service) Duplicates(ctx context.Context, paths ...string) ([]models.DuplicateIdentifier, error) {
	dups, err := s.db.FindDuplicateIdentifiers(ctx, paths...)
	return nonNilSlice(dups), err
}

// Validate runs the corpus consistency checks.
func (s *Service) Validate(ctx context.Context, paths ...string) (*convert.Health, error) {
	return s.orch.Validate(ctx, paths...)
}

// read maps a missing file to apperr.ErrNotFound.
func (s *Service) read(path string) ([]byte, error) {
	data, err := s.store.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *Service) checkPath(path string) error {
	if !strings.HasSuffix(path, s.store.Ext()) {
		return fmt.Errorf("%w: %q does not end in %s", apperr.ErrInvalidInput, path, s.store.Ext())
	}
	return nil
}

// check parses content without committing anything.
func (s *Service) check(path string, content []byte) error {
	res, err := s.parser.Parse(path, content)
	if err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		return &apperr.ParseValidationError{Path: path, Problems: apperr.DedupProblems(res.Errors)}
	}
	return nil
}

// buildDetail constructs a DocumentDetail from raw data without re-reading the file.
func (s *Service) buildDetail(ctx context.Context, path string, data []byte) (*DocumentDetail, error) {
	res, err := s.parser.Parse(path, data)
	if err != nil {
		return nil, err
	}
	d := &DocumentDetail{
		Path:        path,
		Title:       res.Title,
		ToplevelID:  res.ToplevelID,
		Content:     string(data),
		Checksum:    checksum.Sum(data),
		Frontmatter: res.Frontmatter,
		Identifiers: []models.Identifier{},
		References:  []ReferenceView{},
		Backlinks:   []models.Reference{},
		Outdated:    []models.RenderKind{},
	}

	doc, err := s.db.GetDocument(ctx, path)
	if errors.Is(err, apperr.ErrNotFound) {
		d.Outdated = s.orch.Kinds()
		return d, nil
	}
	if err != nil {
		return nil, err
	}
	d.ParsedAt = doc.ParsedAt

	ids, err := s.db.Identifiers(ctx, path)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		id.AST = nil
		d.Identifiers = append(d.Identifiers, id)

		in, err := s.db.IncomingReferences(ctx, id.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range in {
			if r.DocumentPath != path {
				r.AST = nil
				d.Backlinks = append(d.Backlinks, r)
			}
		}
	}

	out, err := s.db.OutgoingReferences(ctx, path)
	if err != nil {
		return nil, err
	}
	for _, r := range out {
		v := ReferenceView{Reference: r.Reference, Pending: r.IsPending()}
		v.AST = nil
		if t, ok := r.Target.(models.Resolved); ok {
			v.Target = &t
		}
		d.References = append(d.References, v)
	}

	for _, k := range s.orch.Kinds() {
		outdated, err := s.db.IsOutdated(ctx, path, k)
		if err != nil {
			return nil, err
		}
		if outdated {
			d.Outdated = append(d.Outdated, k)
		}
	}
	return d, nil
}

func (s *Service) emit(kind, subject string) {
	if s.onEvent != nil {
		s.onEvent(kind, subject)
	}
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
