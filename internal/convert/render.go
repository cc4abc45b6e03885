package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/starford/concord/internal/apperr"
	"github.com/starford/concord/internal/models"
	"github.com/starford/concord/internal/parser"
	"github.com/starford/concord/internal/render"
)

// renderOutdated renders every maintained kind of path that is outdated.
func (o *Orchestrator) renderOutdated(ctx context.Context, path string, parsed *parser.Result) ([]models.RenderKind, error) {
	var stale []models.RenderKind
	for _, k := range o.renderers.Kinds() {
		outdated, err := o.db.IsOutdated(ctx, path, k)
		if err != nil {
			return nil, err
		}
		if outdated {
			stale = append(stale, k)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	return stale, o.renderKinds(ctx, path, parsed, stale)
}

// renderKinds renders kinds of path. Generations are read before the input is
// built, so a dependency committed meanwhile leaves the records outdated.
func (o *Orchestrator) renderKinds(ctx context.Context, path string, parsed *parser.Result, kinds []models.RenderKind) error {
	gens := make(map[models.RenderKind]int64, len(kinds))
	for _, k := range kinds {
		gen, err := o.db.RenderGeneration(ctx, path, k)
		if err != nil {
			return err
		}
		gens[k] = gen
	}
	in, err := o.renderInput(ctx, path, parsed)
	if err != nil {
		return err
	}
	for _, k := range kinds {
		out, err := o.renderers[k].Render(in)
		if err != nil {
			return fmt.Errorf("convert: render %s %s: %w", k, path, err)
		}
		fresh, err := o.db.MarkRenderedAt(ctx, path, k, out, gens[k])
		if err != nil {
			return err
		}
		if !fresh {
			o.logger.Debug("convert: render superseded", slog.String("path", path), slog.String("kind", string(k)))
		}
	}
	return nil
}

// renderInput resolves the document's references against the graph as it is now.
func (o *Orchestrator) renderInput(ctx context.Context, path string, parsed *parser.Result) (*render.Input, error) {
	out, err := o.db.OutgoingReferences(ctx, path)
	if err != nil {
		return nil, err
	}
	links := make(map[string]render.Link, len(out))
	for _, r := range out {
		if t, ok := r.Target.(models.Resolved); ok {
			links[r.TargetID] = render.Link{ID: t.ID, Path: t.DocumentPath, Title: t.Title}
		}
	}

	in := &render.Input{Path: path, Result: parsed, Links: links}
	incoming, err := o.db.IncomingReferences(ctx, parsed.ToplevelID)
	if err != nil {
		return nil, err
	}
	for _, r := range incoming {
		if r.Kind != models.RefParent || r.DocumentPath == path {
			continue
		}
		child := render.Link{ID: r.OriginID, Path: r.DocumentPath}
		if t, err := o.db.ResolveTarget(ctx, models.Reference{TargetID: r.OriginID, Kind: models.RefCrossLink}); err == nil {
			if res, ok := t.(models.Resolved); ok {
				child.Title = res.Title
			}
		}
		in.Children = append(in.Children, child)
	}
	return in, nil
}

// Rerender rebuilds every outdated (document, kind) pair among kinds, reading
// sources back from storage. It returns how many outputs were written; failures
// are collected and do not stop the rest.
func (o *Orchestrator) Rerender(ctx context.Context, kinds ...models.RenderKind) (int, error) {
	if o.store == nil {
		return 0, errors.New("convert: rerender needs a storage provider")
	}
	if len(kinds) == 0 {
		kinds = o.renderers.Kinds()
	}
	for _, k := range kinds {
		if _, ok := o.renderers[k]; !ok {
			return 0, fmt.Errorf("convert: render kind %q is not enabled", k)
		}
	}
	tasks, err := o.db.OutdatedRenders(ctx, kinds...)
	if err != nil {
		return 0, err
	}

	byPath := make(map[string][]models.RenderKind)
	var order []string
	for _, t := range tasks {
		if _, ok := byPath[t.DocumentPath]; !ok {
			order = append(order, t.DocumentPath)
		}
		byPath[t.DocumentPath] = append(byPath[t.DocumentPath], t.Kind)
	}

	var (
		mu    sync.Mutex
		errs  []error
		count int
		g     errgroup.Group
	)
	g.SetLimit(o.workers)
	for _, p := range order {
		g.Go(func() error {
			err := o.rerenderPath(ctx, p, byPath[p])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				o.logger.Warn("convert: rerender failed", slog.String("path", p), slog.String("error", err.Error()))
				errs = append(errs, err)
				return nil
			}
			count += len(byPath[p])
			return nil
		})
	}
	_ = g.Wait()
	return count, errors.Join(errs...)
}

func (o *Orchestrator) rerenderPath(ctx context.Context, path string, kinds []models.RenderKind) error {
	src, err := o.store.Read(path)
	if err != nil {
		return fmt.Errorf("convert: read %s: %w", path, err)
	}
	parsed, err := o.parser.Parse(path, src)
	if err != nil {
		return fmt.Errorf("convert: parse %s: %w", path, err)
	}
	if len(parsed.Errors) > 0 {
		return &apperr.ParseValidationError{Path: path, Problems: apperr.DedupProblems(parsed.Errors)}
	}
	return o.renderKinds(ctx, path, parsed, kinds)
}

// RenderDocument rebuilds kinds of one document from storage whether or not they
// are outdated. No kinds means every maintained kind.
func (o *Orchestrator) RenderDocument(ctx context.Context, path string, kinds ...models.RenderKind) error {
	if o.store == nil {
		return errors.New("convert: render needs a storage provider")
	}
	if len(kinds) == 0 {
		kinds = o.renderers.Kinds()
	}
	for _, k := range kinds {
		if _, ok := o.renderers[k]; !ok {
			return fmt.Errorf("convert: render kind %q is not enabled", k)
		}
	}
	if _, err := o.db.GetDocument(ctx, path); err != nil {
		return err
	}
	return o.rerenderPath(ctx, path, kinds)
}
