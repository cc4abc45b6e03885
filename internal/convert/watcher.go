package convert

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/concord/internal/apperr"
	"github.com/starford/concord/internal/storage"
)

// Watch starts an fsnotify watcher on the corpus root and converts changed
// source files until ctx is cancelled.
//
// Writes are debounced per path and converted together with ConvertBatch, so
// every flush ends with a corpus-wide validation. Removals delete at once and
// schedule a flush for the same reason. New directories created at runtime are
// automatically added to the watch list. Rename events trigger a
// reconciliation pass (a Sync) that removes stale documents and converts the
// renamed file.
func Watch(ctx context.Context, o *Orchestrator, store storage.Provider, root string, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, root); err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("root", root))

	// reconcileTimer is used to debounce rename reconciliation.
	var reconcileTimer *time.Timer
	var reconcileCh <-chan time.Time

	scheduleReconcile := func() {
		if reconcileTimer == nil {
			reconcileTimer = time.NewTimer(200 * time.Millisecond)
			reconcileCh = reconcileTimer.C
		} else {
			reconcileTimer.Reset(200 * time.Millisecond)
		}
	}

	pending := make(map[string]struct{})
	var flushTimer *time.Timer
	var flushCh <-chan time.Time

	scheduleFlush := func() {
		if flushTimer == nil {
			flushTimer = time.NewTimer(writeDebounce)
			flushCh = flushTimer.C
		} else {
			flushTimer.Reset(writeDebounce)
		}
	}

	ext := store.Ext()
	for {
		select {
		case <-ctx.Done():
			if reconcileTimer != nil {
				reconcileTimer.Stop()
			}
			if flushTimer != nil {
				flushTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-reconcileCh:
			clear(pending)
			if _, err := Sync(ctx, o, store, logger); err != nil {
				logger.Warn("reconcile: corpus has problems", slog.String("error", err.Error()))
			}

		case <-flushCh:
			flush(ctx, o, store, pending, logger)
			clear(pending)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			absPath := ev.Name

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, absPath); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", absPath),
							slog.String("error", addErr.Error()))
					} else {
						logger.Debug("watcher: watching new dir", slog.String("path", absPath))
					}
					// Files may have landed before the watch was added.
					scheduleReconcile()
					continue
				}
			}

			if !strings.HasSuffix(absPath, ext) || strings.HasPrefix(filepath.Base(absPath), ".") {
				continue
			}

			rel, relErr := filepath.Rel(root, absPath)
			if relErr != nil {
				continue
			}
			rel = filepath.ToSlash(rel)

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				pending[rel] = struct{}{}
				scheduleFlush()

			case ev.Op&fsnotify.Remove != 0:
				delete(pending, rel)
				if delErr := o.DeleteDocument(ctx, rel); delErr != nil && !errors.Is(delErr, apperr.ErrNotFound) {
					logger.Warn("watcher: delete failed", slog.String("path", rel), slog.String("error", delErr.Error()))
					continue
				}
				logger.Debug("watcher: deleted", slog.String("path", rel))
				scheduleFlush()

			case ev.Op&fsnotify.Rename != 0:
				// fsnotify fires Rename on the OLD path only. The new
				// path will arrive as a separate Create event (if it
				// stays within a watched dir). We delete the old entry
				// immediately and schedule a short reconciliation pass
				// to catch any stragglers.
				delete(pending, rel)
				if delErr := o.DeleteDocument(ctx, rel); delErr != nil && !errors.Is(delErr, apperr.ErrNotFound) {
					logger.Warn("watcher: rename delete failed", slog.String("path", rel), slog.String("error", delErr.Error()))
				} else {
					logger.Debug("watcher: rename old deleted", slog.String("path", rel))
				}
				scheduleReconcile()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// writeDebounce is how long a path must stay quiet before it is converted.
const writeDebounce = 100 * time.Millisecond

// flush converts the pending paths as one batch. An empty batch still validates
// the corpus after a removal.
func flush(ctx context.Context, o *Orchestrator, store storage.Provider, pending map[string]struct{}, logger *slog.Logger) {
	sources := make([]Source, 0, len(pending))
	for rel := range pending {
		data, err := store.Read(rel)
		if err != nil {
			logger.Warn("watcher: read failed", slog.String("path", rel), slog.String("error", err.Error()))
			continue
		}
		sources = append(sources, Source{Path: rel, Data: data})
	}
	report, err := o.ConvertBatch(ctx, sources)
	if err != nil {
		for _, e := range report.Errors {
			logConvertError(logger, e)
		}
	}
	logger.Debug("watcher: converted",
		slog.Int("converted", len(report.Converted)),
		slog.Int("unchanged", len(report.Unchanged)),
		slog.Int("failed", len(report.Failed)))
}

func logConvertError(logger *slog.Logger, err error) {
	var pe *apperr.ParseValidationError
	if errors.As(err, &pe) {
		for _, p := range pe.Problems {
			logger.Warn("watcher: parse problem",
				slog.String("path", pe.Path),
				slog.String("location", p.Location.String()),
				slog.String("error", p.Message))
		}
		return
	}
	logger.Warn("watcher: corpus problem", slog.String("error", err.Error()))
}

// addDirsRecursive adds root and all its non-hidden subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
