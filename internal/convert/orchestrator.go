// Package convert keeps the graph in step with the source corpus: it parses
// documents, writes their identifiers and references in one transaction, marks
// dependent renders outdated and re-renders what is stale.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/starford/concord/internal/apperr"
	"github.com/starford/concord/internal/checksum"
	"github.com/starford/concord/internal/index"
	"github.com/starford/concord/internal/models"
	"github.com/starford/concord/internal/parser"
	"github.com/starford/concord/internal/render"
	"github.com/starford/concord/internal/storage"
)

// Event kinds passed to an EventCallback.
const (
	EventConverted = "document.converted"
	EventDeleted   = "document.deleted"
)

// EventCallback is called after a conversion or deletion commits.
type EventCallback func(kind, path string)

// Options configures an Orchestrator.
type Options struct {
	// Workers bounds batch parallelism. Zero means 4.
	Workers int
	// Kinds are the render kinds kept up to date. Empty means all.
	Kinds   []models.RenderKind
	Logger  *slog.Logger
	OnEvent EventCallback
}

// Orchestrator runs incremental conversions.
type Orchestrator struct {
	db        index.CorpusIndex
	parser    parser.Parser
	store     storage.Provider
	renderers render.Set
	workers   int
	logger    *slog.Logger
	onEvent   EventCallback
}

// New creates an Orchestrator. store is used to re-read sources when
// re-rendering and may be nil if Rerender is never called.
func New(db index.CorpusIndex, p parser.Parser, store storage.Provider, opts Options) (*Orchestrator, error) {
	set, err := render.NewSet(opts.Kinds...)
	if err != nil {
		return nil, err
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		db:        db,
		parser:    p,
		store:     store,
		renderers: set,
		workers:   opts.Workers,
		logger:    opts.Logger,
		onEvent:   opts.OnEvent,
	}, nil
}

// Result describes one committed conversion.
type Result struct {
	Path     string          `json:"path"`
	Document models.Document `json:"document"`
	// GraphChanged is set when the identifier or reference set differs from before.
	GraphChanged bool `json:"graph_changed"`
	// ContentChanged is set when the source bytes differ from the stored hash.
	ContentChanged bool `json:"content_changed"`
	// Outdated counts render records of other documents flipped to outdated.
	Outdated int                 `json:"outdated"`
	Rendered []models.RenderKind `json:"rendered,omitempty"`
}

// ConvertDocument parses src and commits the document's graph rows, then renders
// the document's outdated kinds. A source with problems yields a
// *apperr.ParseValidationError and writes nothing. References may point at
// identifiers that do not exist yet.
func (o *Orchestrator) ConvertDocument(ctx context.Context, path string, src []byte) (*Result, error) {
	res, parsed, err := o.commit(ctx, path, src)
	if err != nil {
		return nil, err
	}
	if res.GraphChanged || res.ContentChanged {
		o.emit(EventConverted, path)
	}
	rendered, err := o.renderOutdated(ctx, path, parsed)
	res.Rendered = rendered
	if err != nil {
		return res, err
	}
	return res, nil
}

// commit runs steps parse → write → outdate in a single transaction.
func (o *Orchestrator) commit(ctx context.Context, path string, src []byte) (*Result, *parser.Result, error) {
	parsed, err := o.parser.Parse(path, src)
	if err != nil {
		return nil, nil, fmt.Errorf("convert: parse %s: %w", path, err)
	}
	if len(parsed.Errors) > 0 {
		return nil, nil, &apperr.ParseValidationError{Path: path, Problems: apperr.DedupProblems(parsed.Errors)}
	}
	for i := range parsed.Identifiers {
		parsed.Identifiers[i].DocumentPath = path
	}

	hash := checksum.Sum(src)
	res := &Result{Path: path}
	err = o.db.WithTx(ctx, func(tx *index.Tx) error {
		prev, err := tx.GetDocument(ctx, path)
		isNew := errors.Is(err, apperr.ErrNotFound)
		if err != nil && !isNew {
			return err
		}

		doc, err := tx.UpsertDocument(ctx, path, hash, time.Now())
		if err != nil {
			return err
		}
		if err := tx.SetToplevel(ctx, doc.ID, parsed.ToplevelID); err != nil {
			return err
		}
		doc.ToplevelID = parsed.ToplevelID
		res.Document = doc
		res.ContentChanged = isNew || prev.ContentHash != hash

		// Dependents under the old edges, so a dropped parent still hears about it.
		before := roaring.New()
		var oldIDs []string
		if !isNew {
			if before, err = tx.Dependents(ctx, doc.ID); err != nil {
				return err
			}
			if oldIDs, err = tx.IdentifierIDs(ctx, doc.ID); err != nil {
				return err
			}
		}

		idsChanged, err := tx.ReplaceIdentifiers(ctx, doc.ID, parsed.Identifiers)
		if err != nil {
			return err
		}
		refsChanged, err := tx.ReplaceReferences(ctx, doc.ID, parsed.References)
		if err != nil {
			return err
		}
		res.GraphChanged = idsChanged || refsChanged

		if res.GraphChanged {
			after, err := tx.Dependents(ctx, doc.ID)
			if err != nil {
				return err
			}
			before.Or(after)
			n, err := tx.OutdateDocuments(ctx, before, models.GraphRenderKinds()...)
			if err != nil {
				return err
			}
			res.Outdated += n
		}
		if idsChanged {
			n, err := tx.OutdateReferrers(ctx, doc.ID, symmetricDiff(oldIDs, identifierIDs(parsed.Identifiers)))
			if err != nil {
				return err
			}
			res.Outdated += n
		}
		if res.ContentChanged || res.GraphChanged {
			if _, err := tx.OutdateDocuments(ctx, roaring.BitmapOf(uint32(doc.ID))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	o.logger.Debug("convert: committed",
		slog.String("path", path),
		slog.Bool("graph_changed", res.GraphChanged),
		slog.Int("outdated", res.Outdated))
	return res, parsed, nil
}

// DeleteDocument removes the document from the graph. Dependents are marked outdated.
func (o *Orchestrator) DeleteDocument(ctx context.Context, path string) error {
	if err := o.db.DeleteDocument(ctx, path); err != nil {
		return err
	}
	o.emit(EventDeleted, path)
	return nil
}

func (o *Orchestrator) emit(kind, path string) {
	if o.onEvent != nil {
		o.onEvent(kind, path)
	}
}

// Kinds returns the render kinds the orchestrator maintains.
func (o *Orchestrator) Kinds() []models.RenderKind {
	return o.renderers.Kinds()
}

func identifierIDs(ids []models.Identifier) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.ID
	}
	return out
}

// symmetricDiff returns the ids present in exactly one of a and b.
func symmetricDiff(a, b []string) []string {
	in := make(map[string]int, len(a)+len(b))
	for _, s := range a {
		in[s] |= 1
	}
	for _, s := range b {
		in[s] |= 2
	}
	var out []string
	for s, m := range in {
		if m != 3 {
			out = append(out, s)
		}
	}
	return out
}
