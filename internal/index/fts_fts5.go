//go:build sqlite_fts5

package index

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/starford/concord/internal/apperr"
	"github.com/starford/concord/internal/models"
)

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS identifiers_fts USING fts5(
			idid UNINDEXED,
			path UNINDEXED,
			title,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsReplace(ctx context.Context, tx *sql.Tx, docID int64, ids []models.Identifier) error {
	var path string
	if err := tx.QueryRowContext(ctx, `SELECT path FROM documents WHERE id = ?`, docID).Scan(&path); err != nil {
		return apperr.Storage("fts document path", err)
	}
	if err := ftsDelete(ctx, tx, path); err != nil {
		return err
	}
	for _, id := range ids {
		_, err := tx.ExecContext(ctx, `INSERT INTO identifiers_fts (idid, path, title) VALUES (?, ?, ?)`,
			id.ID, path, id.Title)
		if err != nil {
			return fmt.Errorf("index: upsert fts: %w", err)
		}
	}
	return nil
}

func ftsDelete(ctx context.Context, tx *sql.Tx, path string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM identifiers_fts WHERE path = ?`, path)
	return apperr.Storage("delete fts", err)
}

// SearchIdentifiers performs an FTS5 search over identifier titles and returns matching results with snippets.
func (db *DB) SearchIdentifiers(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT idid,
		       path,
		       title,
		       snippet(identifiers_fts, 2, '<b>', '</b>', '...', 16)
		FROM identifiers_fts
		WHERE identifiers_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, apperr.Storage("search", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ID, &r.Path, &r.Title, &r.Snippet); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
