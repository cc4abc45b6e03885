package convert

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/starford/concord/internal/apperr"
	"github.com/starford/concord/internal/parser"
)

// Source is one document handed to ConvertBatch.
type Source struct {
	Path string
	Data []byte
}

// BatchReport summarizes a ConvertBatch run.
type BatchReport struct {
	ID        string        `json:"id"`
	Converted []string      `json:"converted"`
	Unchanged []string      `json:"unchanged"`
	Failed    []string      `json:"failed"`
	Rendered  int           `json:"rendered"`
	Health    *Health       `json:"health,omitempty"`
	Duration  time.Duration `json:"duration"`
	// Errors holds every failure of the batch, deduplicated: parse errors per
	// document, storage failures, then the post-batch validation errors.
	Errors []error `json:"-"`
}

// Err joins the report's errors, or returns nil.
func (r *BatchReport) Err() error {
	return errors.Join(r.Errors...)
}

// ConvertBatch converts sources in parallel, each in its own transaction. A
// reference to a document later in the batch is fine. Once every conversion has
// committed, outdated renders are rebuilt and the whole corpus is validated.
// Failures never stop the rest of the batch.
func (o *Orchestrator) ConvertBatch(ctx context.Context, sources []Source) (*BatchReport, error) {
	start := time.Now()
	report := &BatchReport{ID: uuid.NewString()}
	logger := o.logger.With(slog.String("batch", report.ID))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	parse := make(map[string]*apperr.ParseValidationError)
	parsed := make(map[string]*parser.Result)
	g.SetLimit(o.workers)
	for _, src := range sources {
		g.Go(func() error {
			res, pr, err := o.commit(ctx, src.Path, src.Data)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, src.Path)
				var pe *apperr.ParseValidationError
				if errors.As(err, &pe) {
					parse[src.Path] = pe
				} else {
					report.Errors = append(report.Errors, err)
				}
				logger.Warn("convert: document failed", slog.String("path", src.Path), slog.String("error", err.Error()))
				return nil
			}
			parsed[src.Path] = pr
			if res.GraphChanged || res.ContentChanged {
				report.Converted = append(report.Converted, src.Path)
				o.emit(EventConverted, src.Path)
			} else {
				report.Unchanged = append(report.Unchanged, src.Path)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Converted)
	sort.Strings(report.Unchanged)
	sort.Strings(report.Failed)
	for _, p := range report.Failed {
		if pe, ok := parse[p]; ok {
			report.Errors = append(report.Errors, pe)
		}
	}

	// Render only after every document committed, so links into the batch resolve.
	var rg errgroup.Group
	rg.SetLimit(o.workers)
	for path, pr := range parsed {
		rg.Go(func() error {
			kinds, err := o.renderOutdated(ctx, path, pr)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors = append(report.Errors, err)
				return nil
			}
			report.Rendered += len(kinds)
			return nil
		})
	}
	_ = rg.Wait()
	if o.store != nil {
		// Dependents outside the batch.
		n, err := o.Rerender(ctx)
		report.Rendered += n
		if err != nil {
			report.Errors = append(report.Errors, err)
		}
	}

	// Documents outside the batch may reference ids it added or removed, so the
	// check covers the whole corpus.
	h, err := o.Validate(ctx)
	report.Health = h
	if err != nil {
		report.Errors = append(report.Errors, err)
	}

	report.Duration = time.Since(start)
	logger.Info("convert: batch done",
		slog.Int("converted", len(report.Converted)),
		slog.Int("unchanged", len(report.Unchanged)),
		slog.Int("failed", len(report.Failed)),
		slog.Int("rendered", report.Rendered),
		slog.Duration("duration", report.Duration))
	return report, report.Err()
}
