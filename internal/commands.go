package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/starford/concord/internal/apperr"
	"github.com/starford/concord/internal/convert"
	"github.com/starford/concord/internal/mcpserver"
)

// ErrInconsistent is returned by the one-shot commands when the corpus has
// parse failures, duplicate identifiers or unresolved references.
var ErrInconsistent = errors.New("corpus is inconsistent")

// oneShot runs fn on a freshly opened stack. Logs go to stderr so reports on
// stdout stay readable.
func oneShot(opts []Option, fn func(app *application, st *stack) error) error {
	app, err := setup(opts, os.Stderr)
	if err != nil {
		return err
	}
	st, err := open(app.config, app.logger, nil)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(app, st)
}

// Convert brings the graph up to date with the corpus on disk and prints the
// batch report.
func Convert(ctx context.Context, opts ...Option) error {
	return oneShot(opts, func(app *application, st *stack) error {
		report, err := convert.Sync(ctx, st.orch, st.store, app.logger)
		if report == nil {
			return err
		}
		fmt.Fprintf(app.out, "converted %d, unchanged %d, failed %d, rendered %d in %s\n",
			len(report.Converted), len(report.Unchanged), len(report.Failed), report.Rendered, report.Duration)
		if err != nil {
			printProblems(app.out, err)
			return fmt.Errorf("%w: %d problem(s)", ErrInconsistent, len(report.Errors))
		}
		return nil
	})
}

// Check validates the graph as stored, without converting anything.
func Check(ctx context.Context, opts ...Option) error {
	return oneShot(opts, func(app *application, st *stack) error {
		health, err := st.orch.Validate(ctx)
		if health == nil {
			return err
		}
		for _, t := range health.DanglingTopics {
			fmt.Fprintf(app.out, "warning: topic %q has no articles\n", t.Key)
		}
		if err != nil {
			printProblems(app.out, err)
			return ErrInconsistent
		}
		fmt.Fprintln(app.out, "ok")
		return nil
	})
}

// Rerender rebuilds every outdated render.
func Rerender(ctx context.Context, opts ...Option) error {
	return oneShot(opts, func(app *application, st *stack) error {
		n, err := st.orch.Rerender(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(app.out, "rendered %d\n", n)
		return nil
	})
}

// RecomputeTopics re-elects every topic.
func RecomputeTopics(ctx context.Context, opts ...Option) error {
	return oneShot(opts, func(app *application, st *stack) error {
		if err := st.svc.RecomputeTopics(ctx); err != nil {
			return err
		}
		fmt.Fprintln(app.out, "topics recomputed")
		return nil
	})
}

// ServeMCP syncs the corpus and serves the MCP tools on stdin/stdout.
func ServeMCP(ctx context.Context, opts ...Option) error {
	return oneShot(opts, func(app *application, st *stack) error {
		if _, err := convert.Sync(ctx, st.orch, st.store, app.logger); err != nil {
			app.logger.Warn("initial sync finished with problems", slog.String("error", err.Error()))
		}
		return mcpserver.New(st.svc).ServeStdio()
	})
}

// printProblems writes one line per diagnostic in path:line:col form.
func printProblems(w io.Writer, err error) {
	for _, e := range flatten(err) {
		var (
			pe *apperr.ParseValidationError
			de *apperr.DuplicateIdentifierError
			ie *apperr.ReferenceIntegrityError
		)
		switch {
		case errors.As(e, &pe):
			for _, p := range pe.Problems {
				fmt.Fprintf(w, "%s: error: %s\n", p.Location, p.Message)
			}
		case errors.As(e, &de):
			for _, d := range de.Duplicates {
				for _, loc := range d.Locations {
					fmt.Fprintf(w, "%s: duplicate identifier %q\n", loc, d.ID)
				}
			}
		case errors.As(e, &ie):
			for _, u := range ie.Unresolved {
				fmt.Fprintf(w, "%s: unresolved %s %q from %q\n", u.Location, u.Kind, u.TargetID, u.OriginID)
			}
		default:
			fmt.Fprintf(w, "error: %s\n", e)
		}
	}
}

// flatten expands errors.Join trees.
func flatten(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range j.Unwrap() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return []error{err}
}
