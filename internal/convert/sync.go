package convert

import (
	"context"
	"log/slog"

	"github.com/starford/concord/internal/storage"
)

// Sync walks the corpus and brings the graph up to date:
//   - files removed from disk are deleted from the graph
//   - new/changed files are converted as one batch, which ends with a
//     corpus-wide validation
func Sync(ctx context.Context, o *Orchestrator, store storage.Provider, logger *slog.Logger) (*BatchReport, error) {
	metas, err := store.List("")
	if err != nil {
		return nil, err
	}

	checksums, err := o.db.AllChecksums(ctx)
	if err != nil {
		return nil, err
	}

	disk := make(map[string]struct{}, len(metas))
	var sources []Source
	for _, m := range metas {
		disk[m.Path] = struct{}{}

		if checksums[m.Path] == m.Checksum {
			continue
		}

		data, err := store.Read(m.Path)
		if err != nil {
			logger.Warn("sync: read failed", slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		sources = append(sources, Source{Path: m.Path, Data: data})
	}

	// Remove stale entries.
	for p := range checksums {
		if _, ok := disk[p]; !ok {
			if err := o.DeleteDocument(ctx, p); err != nil {
				logger.Warn("sync: delete failed", slog.String("path", p), slog.String("error", err.Error()))
			} else {
				logger.Debug("sync: removed stale", slog.String("path", p))
			}
		}
	}

	// Deletions run first so the batch's validation sees them.
	return o.ConvertBatch(ctx, sources)
}
