package index

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/starford/concord/internal/apperr"
	"github.com/starford/concord/internal/models"
)

// FindDuplicateIdentifiers returns every identifier row whose textual id is also
// defined by another row, ordered by (id, path). The comparison is corpus-wide;
// paths only restricts which rows are returned, so a filter naming either side of
// a clash still reports it.
func (db *DB) FindDuplicateIdentifiers(ctx context.Context, paths ...string) ([]models.DuplicateIdentifier, error) {
	query := `
		SELECT i.id, i.idid, d.path, i.toplevel_id, i.macro, i.title, i.ast_json,
		       GROUP_CONCAT(od.path, char(31))
		FROM identifiers i
		JOIN identifiers o ON o.idid = i.idid AND o.id <> i.id
		JOIN documents d ON d.id = i.document_id
		JOIN documents od ON od.id = o.document_id`
	var args []any
	if len(paths) > 0 {
		query += ` WHERE d.path IN ` + inClause(len(paths))
		args = stringArgs(paths)
	}
	query += `
		GROUP BY i.id
		ORDER BY i.idid, d.path, i.id`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage("find duplicates", err)
	}
	defer rows.Close()

	var out []models.DuplicateIdentifier
	for rows.Next() {
		var others sql.NullString
		ident, err := scanIdentifier(rows, &others)
		if err != nil {
			return nil, apperr.Storage("scan duplicate", err)
		}
		out = append(out, models.DuplicateIdentifier{
			Identifier: ident,
			OtherPaths: splitPaths(others.String),
		})
	}
	return out, rows.Err()
}

func splitPaths(s string) []string {
	if s == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, p := range strings.Split(s, "\x1f") {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
