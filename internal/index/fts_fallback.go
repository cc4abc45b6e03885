//go:build !sqlite_fts5

package index

import (
	"context"
	"database/sql"
	"strings"

	"github.com/starford/concord/internal/apperr"
	"github.com/starford/concord/internal/models"
)

func initFTS(_ *sql.DB) error {
	// FTS5 not available; identifier search uses LIKE on identifiers.title.
	return nil
}

func ftsReplace(_ context.Context, _ *sql.Tx, _ int64, _ []models.Identifier) error {
	// Titles already live in the identifiers table.
	return nil
}

func ftsDelete(_ context.Context, _ *sql.Tx, _ string) error { return nil }

// likeEscaper makes LIKE wildcards in a query match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchIdentifiers finds identifiers by title or id (LIKE fallback when FTS5 is not compiled in).
func (db *DB) SearchIdentifiers(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + likeEscaper.Replace(query) + "%"
	rows, err := db.conn.QueryContext(ctx, `
		SELECT i.idid, d.path, i.title, i.title
		FROM identifiers i
		JOIN documents d ON d.id = i.document_id
		WHERE i.title LIKE ? ESCAPE '\' OR i.idid LIKE ? ESCAPE '\'
		ORDER BY i.idid, d.path
		LIMIT ?
	`, like, like, limit)
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
