package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starford/concord/internal/apperr"
	"github.com/starford/concord/internal/models"
)

const documentColumns = `id, path, content_hash, toplevel_id, parsed_at, rendered_at`

func scanDocument(sc interface{ Scan(...any) error }) (models.Document, error) {
	var (
		d        models.Document
		rendered sql.NullTime
	)
	if err := sc.Scan(&d.ID, &d.Path, &d.ContentHash, &d.ToplevelID, &d.ParsedAt, &rendered); err != nil {
		return models.Document{}, err
	}
	if rendered.Valid {
		d.RenderedAt = rendered.Time
	}
	return d, nil
}

// UpsertDocument inserts the document or refreshes its hash and parse time.
// It is idempotent on path and keeps the row id stable.
func (t *Tx) UpsertDocument(ctx context.Context, path, contentHash string, parsedAt time.Time) (models.Document, error) {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO documents (path, content_hash, parsed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content_hash = excluded.content_hash,
			parsed_at    = excluded.parsed_at
	`, path, contentHash, parsedAt.UTC())
	if err != nil {
		return models.Document{}, apperr.Storage("upsert document", err)
	}
	return getDocument(ctx, t.tx, path)
}

// SetToplevel records the toplevel identifier a document defines.
func (t *Tx) SetToplevel(ctx context.Context, docID int64, toplevelID string) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE documents SET toplevel_id = ? WHERE id = ?`, toplevelID, docID)
	return apperr.Storage("set toplevel", err)
}

// GetDocument returns the document at path as seen inside the transaction.
func (t *Tx) GetDocument(ctx context.Context, path string) (models.Document, error) {
	return getDocument(ctx, t.tx, path)
}

// DeleteDocument removes the document and, by cascade, its identifiers, references
// and render records. Documents depending on it are marked outdated first, while
// the edges that make them dependents still exist.
func (t *Tx) DeleteDocument(ctx context.Context, path string) error {
	doc, err := getDocument(ctx, t.tx, path)
	if err != nil {
		return err
	}
	if _, err := t.MarkOutdated(ctx, doc.ID, false); err != nil {
		return err
	}
	if err := ftsDelete(ctx, t.tx, path); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, doc.ID); err != nil {
		return apperr.Storage("delete document", err)
	}
	return nil
}

// DeleteDocument removes a document in its own transaction.
func (db *DB) DeleteDocument(ctx context.Context, path string) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		return tx.DeleteDocument(ctx, path)
	})
}

// GetDocument returns the document at path, or apperr.ErrNotFound.
func (db *DB) GetDocument(ctx context.Context, path string) (models.Document, error) {
	return getDocument(ctx, db.conn, path)
}

func getDocument(ctx context.Context, q querier, path string) (models.Document, error) {
	row := q.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE path = ?`, path)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Document{}, fmt.Errorf("index: document %q: %w", path, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Document{}, apperr.Storage("get document", err)
	}
	return d, nil
}

// ListDocuments returns every document ordered by path.
func (db *DB) ListDocuments(ctx context.Context) ([]models.Document, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY path`)
	if err != nil {
		return nil, apperr.Storage("list documents", err)
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, apperr.Storage("scan document", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AllChecksums returns a map of every document path to its content hash.
func (db *DB) AllChecksums(ctx context.Context) (map[string]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT path, content_hash FROM documents`)
	if err != nil {
		return nil, apperr.Storage("all checksums", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var p, cs string
		if err := rows.Scan(&p, &cs); err != nil {
			return nil, apperr.Storage("scan checksum", err)
		}
		out[p] = cs
	}
	return out, rows.Err()
}
