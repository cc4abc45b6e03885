package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/starford/concord/internal/apperr"
	"github.com/starford/concord/internal/models"
)

// Dependents returns the ids of every document whose renders depend on docID,
// directly or transitively. docID itself is not included.
//
// A document H depends on D when H holds a reference of a DependsOnTarget kind to
// an identifier D defines, or when D holds a reference of a TargetDependsOn kind to
// an identifier H defines.
func (t *Tx) Dependents(ctx context.Context, docID int64) (*roaring.Bitmap, error) {
	onTarget := models.StructuralKinds(models.DependsOnTarget)
	targetOn := models.StructuralKinds(models.TargetDependsOn)

	visited := roaring.BitmapOf(uint32(docID))
	frontier := roaring.BitmapOf(uint32(docID))
	for !frontier.IsEmpty() {
		ids := make([]any, 0, frontier.GetCardinality())
		frontier.Iterate(func(x uint32) bool {
			ids = append(ids, int64(x))
			return true
		})
		next := roaring.New()

		if len(onTarget) > 0 {
			q := `
				SELECT DISTINCT r.document_id
				FROM refs r
				JOIN identifiers i ON i.idid = r.to_id
				WHERE r.kind IN ` + inClause(len(onTarget)) + `
				  AND i.document_id IN ` + inClause(len(ids))
			if err := t.collectIDs(ctx, next, q, append(stringArgs(onTarget), ids...)...); err != nil {
				return nil, err
			}
		}
		if len(targetOn) > 0 {
			q := `
				SELECT DISTINCT i.document_id
				FROM refs r
				JOIN identifiers i ON i.idid = r.to_id
				WHERE r.kind IN ` + inClause(len(targetOn)) + `
				  AND r.document_id IN ` + inClause(len(ids))
			if err := t.collectIDs(ctx, next, q, append(stringArgs(targetOn), ids...)...); err != nil {
				return nil, err
			}
		}

		next.AndNot(visited)
		visited.Or(next)
		frontier = next
	}
	visited.Remove(uint32(docID))
	return visited, nil
}

func (t *Tx) collectIDs(ctx context.Context, into *roaring.Bitmap, query string, args ...any) error {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return apperr.Storage("dependents", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return apperr.Storage("scan dependent", err)
		}
		into.Add(uint32(id))
	}
	return rows.Err()
}

// MarkOutdated flips the graph-dependent render records of the documents
// depending on docID to outdated, and every record of docID itself when
// includeSelf is set. Kinds never rendered have no record and are already
// outdated. It returns how many records changed.
func (t *Tx) MarkOutdated(ctx context.Context, docID int64, includeSelf bool) (int, error) {
	deps, err := t.Dependents(ctx, docID)
	if err != nil {
		return 0, err
	}
	n, err := t.OutdateDocuments(ctx, deps, models.GraphRenderKinds()...)
	if err != nil || !includeSelf {
		return n, err
	}
	m, err := t.OutdateDocuments(ctx, roaring.BitmapOf(uint32(docID)))
	return n + m, err
}

// OutdateDocuments flips the render records of the given documents to outdated.
// With kinds, only those kinds are touched.
func (t *Tx) OutdateDocuments(ctx context.Context, docs *roaring.Bitmap, kinds ...models.RenderKind) (int, error) {
	if docs.IsEmpty() {
		return 0, nil
	}
	ids := make([]any, 0, docs.GetCardinality())
	docs.Iterate(func(x uint32) bool {
		ids = append(ids, int64(x))
		return true
	})
	return t.outdate(ctx, "mark outdated", `document_id IN `+inClause(len(ids)), ids, kinds)
}

// OutdateReferrers flips the graph-dependent render records of every document,
// other than exceptDoc, that holds a reference of any kind to one of targetIDs.
// It is used when identifiers appear or disappear, which changes how those
// references resolve.
func (t *Tx) OutdateReferrers(ctx context.Context, exceptDoc int64, targetIDs []string) (int, error) {
	if len(targetIDs) == 0 {
		return 0, nil
	}
	args := append([]any{exceptDoc}, stringArgs(targetIDs)...)
	where := `document_id <> ?
		AND document_id IN (SELECT document_id FROM refs WHERE to_id IN ` + inClause(len(targetIDs)) + `)`
	return t.outdate(ctx, "outdate referrers", where, args, models.GraphRenderKinds())
}

// outdate sets outdated on the records matching where and bumps their
// generation, including records that were already outdated: a render that read
// the old generation must not mark its record fresh. It returns how many
// records went from fresh to outdated.
func (t *Tx) outdate(ctx context.Context, op, where string, args []any, kinds []models.RenderKind) (int, error) {
	if len(kinds) > 0 {
		where += ` AND kind IN ` + inClause(len(kinds))
		args = append(append([]any(nil), args...), stringArgs(kinds)...)
	}
	var n int
	if err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM render_records WHERE outdated = 0 AND `+where, args...).Scan(&n); err != nil {
		return 0, apperr.Storage(op, err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE render_records SET outdated = 1, generation = generation + 1 WHERE `+where, args...); err != nil {
		return 0, apperr.Storage(op, err)
	}
	return n, nil
}

// MarkRendered stores output for (path, kind) and marks that pair fresh. Other
// kinds of the same document and other documents are not touched.
func (db *DB) MarkRendered(ctx context.Context, path string, kind models.RenderKind, output []byte) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		doc, err := getDocument(ctx, tx.tx, path)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		_, err = tx.tx.ExecContext(ctx, `
			INSERT INTO render_records (document_id, kind, outdated, output, rendered_at)
			VALUES (?, ?, 0, ?, ?)
			ON CONFLICT(document_id, kind) DO UPDATE SET
				outdated    = 0,
				output      = excluded.output,
				rendered_at = excluded.rendered_at
		`, doc.ID, string(kind), output, now)
		if err != nil {
			return apperr.Storage("mark rendered", err)
		}
		return touchRendered(ctx, tx, doc.ID, now)
	})
}

// RenderGeneration returns the current generation of (path, kind), creating an
// outdated record when there is none. Read it before building the output and
// hand it to MarkRenderedAt.
func (db *DB) RenderGeneration(ctx context.Context, path string, kind models.RenderKind) (int64, error) {
	var gen int64
	err := db.WithTx(ctx, func(tx *Tx) error {
		doc, err := getDocument(ctx, tx.tx, path)
		if err != nil {
			return err
		}
		if _, err := tx.tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO render_records (document_id, kind) VALUES (?, ?)`, doc.ID, string(kind)); err != nil {
			return apperr.Storage("render generation", err)
		}
		err = tx.tx.QueryRowContext(ctx,
			`SELECT generation FROM render_records WHERE document_id = ? AND kind = ?`, doc.ID, string(kind)).Scan(&gen)
		if err != nil {
			return apperr.Storage("render generation", err)
		}
		return nil
	})
	return gen, err
}

// MarkRenderedAt stores output for (path, kind) and marks the pair fresh only
// when its generation is still gen. Otherwise something it depends on changed
// while the output was built: the output is kept for stale serving and the
// record stays outdated. It reports whether the record is now fresh.
func (db *DB) MarkRenderedAt(ctx context.Context, path string, kind models.RenderKind, output []byte, gen int64) (bool, error) {
	var fresh bool
	err := db.WithTx(ctx, func(tx *Tx) error {
		doc, err := getDocument(ctx, tx.tx, path)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		res, err := tx.tx.ExecContext(ctx, `
			UPDATE render_records SET
				outdated    = CASE WHEN generation = ? THEN 0 ELSE 1 END,
				output      = ?,
				rendered_at = ?
			WHERE document_id = ? AND kind = ?
		`, gen, output, now, doc.ID, string(kind))
		if err != nil {
			return apperr.Storage("mark rendered", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return apperr.Storage("mark rendered", err)
		} else if n == 0 {
			// The document was deleted and recreated meanwhile.
			return nil
		}
		err = tx.tx.QueryRowContext(ctx,
			`SELECT generation = ? FROM render_records WHERE document_id = ? AND kind = ?`, gen, doc.ID, string(kind)).Scan(&fresh)
		if err != nil {
			return apperr.Storage("mark rendered", err)
		}
		return touchRendered(ctx, tx, doc.ID, now)
	})
	return fresh, err
}

func touchRendered(ctx context.Context, tx *Tx, docID int64, at time.Time) error {
	if _, err := tx.tx.ExecContext(ctx, `UPDATE documents SET rendered_at = ? WHERE id = ?`, at, docID); err != nil {
		return apperr.Storage("touch rendered_at", err)
	}
	return nil
}

// IsOutdated reports whether (path, kind) needs a rebuild. A missing record counts
// as outdated.
func (db *DB) IsOutdated(ctx context.Context, path string, kind models.RenderKind) (bool, error) {
	doc, err := db.GetDocument(ctx, path)
	if err != nil {
		return false, err
	}
	var outdated bool
	err = db.conn.QueryRowContext(ctx,
		`SELECT outdated FROM render_records WHERE document_id = ? AND kind = ?`, doc.ID, string(kind)).Scan(&outdated)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, apperr.Storage("is outdated", err)
	}
	return outdated, nil
}

// GetRender returns the last stored output for (path, kind), fresh or not.
func (db *DB) GetRender(ctx context.Context, path string, kind models.RenderKind) (models.RenderRecord, error) {
	var (
		rec      = models.RenderRecord{DocumentPath: path, Kind: kind}
		rendered sql.NullTime
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT rr.outdated, rr.output, rr.rendered_at
		FROM render_records rr
		JOIN documents d ON d.id = rr.document_id
		WHERE d.path = ? AND rr.kind = ? AND rr.rendered_at IS NOT NULL
	`, path, string(kind)).Scan(&rec.Outdated, &rec.Output, &rendered)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RenderRecord{}, fmt.Errorf("index: render %s of %q: %w", kind, path, apperr.ErrNotFound)
	}
	if err != nil {
		return models.RenderRecord{}, apperr.Storage("get render", err)
	}
	if rendered.Valid {
		rec.RenderedAt = rendered.Time
	}
	return rec, nil
}

// OutdatedRenders lists every (document, kind) pair among kinds that is outdated
// or was never rendered, ordered by path then kind.
func (db *DB) OutdatedRenders(ctx context.Context, kinds ...models.RenderKind) ([]models.RenderTask, error) {
	if len(kinds) == 0 {
		kinds = models.RenderKinds()
	}
	var sel []string
	for range kinds {
		sel = append(sel, "SELECT ? AS kind")
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT d.path, k.kind
		FROM documents d
		CROSS JOIN (`+strings.Join(sel, " UNION ALL ")+`) k
		LEFT JOIN render_records rr ON rr.document_id = d.id AND rr.kind = k.kind
		WHERE rr.document_id IS NULL OR rr.outdated = 1
		ORDER BY d.path, k.kind
	`, stringArgs(kinds)...)
	if err != nil {
		return nil, apperr.Storage("outdated renders", err)
	}
	defer rows.Close()

	var out []models.RenderTask
	for rows.Next() {
		var (
			task models.RenderTask
			kind string
		)
		if err := rows.Scan(&task.DocumentPath, &kind); err != nil {
			return nil, apperr.Storage("scan render task", err)
		}
		task.Kind = models.RenderKind(kind)
		out = append(out, task)
	}
	return out, rows.Err()
}
