package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/starford/concord/internal/apperr"
	"github.com/starford/concord/internal/checksum"
	"github.com/starford/concord/internal/models"
)

func astText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func identifierRow(i models.Identifier) string {
	return strings.Join([]string{i.ID, i.ToplevelID, i.Macro, i.Title, astText(i.AST)}, "\x1f")
}

func referenceRow(r models.Reference) string {
	ord := ""
	if r.Ordinal != nil {
		ord = strconv.Itoa(*r.Ordinal)
	}
	return strings.Join([]string{r.OriginID, r.TargetID, string(r.Kind), ord, astText(r.AST)}, "\x1f")
}

// fingerprint hashes the stored rows of one table for a document, using the same
// row encoding as the replacement set so the two can be compared.
func (t *Tx) fingerprint(ctx context.Context, query string, docID int64, encode func(*sql.Rows) (string, error)) (string, error) {
	rows, err := t.tx.QueryContext(ctx, query, docID)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var enc []string
	for rows.Next() {
		s, err := encode(rows)
		if err != nil {
			return "", err
		}
		enc = append(enc, s)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return checksum.Rows(enc), nil
}

// IdentifierIDs returns the textual ids the document currently defines.
func (t *Tx) IdentifierIDs(ctx context.Context, docID int64) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT idid FROM identifiers WHERE document_id = ? ORDER BY id`, docID)
	if err != nil {
		return nil, apperr.Storage("identifier ids", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Storage("scan identifier id", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ReplaceIdentifiers replaces every identifier owned by the document. It reports
// whether the stored set changed; an identical set leaves the rows untouched.
func (t *Tx) ReplaceIdentifiers(ctx context.Context, docID int64, ids []models.Identifier) (bool, error) {
	next := make([]string, len(ids))
	for i, id := range ids {
		next[i] = identifierRow(id)
	}
	prev, err := t.fingerprint(ctx, `SELECT idid, toplevel_id, macro, title, ast_json FROM identifiers WHERE document_id = ?`, docID,
		func(rows *sql.Rows) (string, error) {
			var i models.Identifier
			var ast string
			if err := rows.Scan(&i.ID, &i.ToplevelID, &i.Macro, &i.Title, &ast); err != nil {
				return "", err
			}
			i.AST = json.RawMessage(ast)
			return identifierRow(i), nil
		})
	if err != nil {
		return false, apperr.Storage("read identifiers", err)
	}
	if prev == checksum.Rows(next) {
		return false, nil
	}

	if _, err := t.tx.ExecContext(ctx, `DELETE FROM identifiers WHERE document_id = ?`, docID); err != nil {
		return false, apperr.Storage("delete identifiers", err)
	}
	if len(ids) > 0 {
		stmt, err := t.tx.PrepareContext(ctx, `
			INSERT INTO identifiers (idid, document_id, toplevel_id, macro, title, ast_json)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return false, apperr.Storage("prepare identifier insert", err)
		}
		defer stmt.Close()
		for _, id := range ids {
			if id.ID == "" {
				return false, fmt.Errorf("index: identifier with empty id: %w", apperr.ErrInvalidReference)
			}
			if _, err := stmt.ExecContext(ctx, id.ID, docID, id.ToplevelID, id.Macro, id.Title, astText(id.AST)); err != nil {
				return false, apperr.Storage("insert identifier", err)
			}
		}
	}
	if err := ftsReplace(ctx, t.tx, docID, ids); err != nil {
		return false, err
	}
	return true, nil
}

// ReplaceReferences replaces every reference held by the document. Each reference
// is validated against its kind's rule first; targets need not exist.
func (t *Tx) ReplaceReferences(ctx context.Context, docID int64, refs []models.Reference) (bool, error) {
	next := make([]string, len(refs))
	for i, r := range refs {
		if err := r.Kind.Validate(r); err != nil {
			return false, err
		}
		next[i] = referenceRow(r)
	}
	prev, err := t.fingerprint(ctx, `SELECT from_id, to_id, kind, ordinal, ast_json FROM refs WHERE document_id = ?`, docID,
		func(rows *sql.Rows) (string, error) {
			r, err := scanReference(rows, false)
			if err != nil {
				return "", err
			}
			return referenceRow(r), nil
		})
	if err != nil {
		return false, apperr.Storage("read references", err)
	}
	if prev == checksum.Rows(next) {
		return false, nil
	}

	if _, err := t.tx.ExecContext(ctx, `DELETE FROM refs WHERE document_id = ?`, docID); err != nil {
		return false, apperr.Storage("delete references", err)
	}
	if len(refs) > 0 {
		stmt, err := t.tx.PrepareContext(ctx, `
			INSERT INTO refs (from_id, document_id, to_id, kind, ordinal, ast_json)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return false, apperr.Storage("prepare reference insert", err)
		}
		defer stmt.Close()
		for _, r := range refs {
			var ord sql.NullInt64
			if r.Ordinal != nil {
				ord = sql.NullInt64{Int64: int64(*r.Ordinal), Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, r.OriginID, docID, r.TargetID, string(r.Kind), ord, astText(r.AST)); err != nil {
				return false, apperr.Storage("insert reference", err)
			}
		}
	}
	return true, nil
}

// scanReference reads from_id, to_id, kind, ordinal, ast_json and, when withPath
// is set, a trailing document path.
func scanReference(sc interface{ Scan(...any) error }, withPath bool) (models.Reference, error) {
	var (
		r    models.Reference
		kind string
		ord  sql.NullInt64
		ast  string
	)
	dest := []any{&r.OriginID, &r.TargetID, &kind, &ord, &ast}
	if withPath {
		dest = append(dest, &r.DocumentPath)
	}
	if err := sc.Scan(dest...); err != nil {
		return models.Reference{}, err
	}
	r.Kind = models.RefKind(kind)
	if ord.Valid {
		n := int(ord.Int64)
		r.Ordinal = &n
	}
	r.AST = json.RawMessage(ast)
	return r, nil
}

// ResolveTarget resolves the reference's textual target against the identifiers
// that exist right now. Candidates are ordered by document path; Ordinal selects
// among them, otherwise the first wins.
func (db *DB) ResolveTarget(ctx context.Context, ref models.Reference) (models.Target, error) {
	return resolve(ctx, db.conn, ref)
}

func resolve(ctx context.Context, q querier, ref models.Reference) (models.Target, error) {
	query := `
		SELECT i.id, d.path, i.title
		FROM identifiers i
		JOIN documents d ON d.id = i.document_id
		WHERE i.idid = ?`
	if ref.Kind.Rule().ToplevelTarget {
		query += ` AND i.toplevel_id = i.idid`
	}
	query += ` ORDER BY d.path, i.id`

	rows, err := q.QueryContext(ctx, query, ref.TargetID)
	if err != nil {
		return nil, apperr.Storage("resolve target", err)
	}
	defer rows.Close()

	var cands []models.Resolved
	for rows.Next() {
		c := models.Resolved{ID: ref.TargetID}
		if err := rows.Scan(&c.RowID, &c.DocumentPath, &c.Title); err != nil {
			return nil, apperr.Storage("scan target", err)
		}
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("resolve target", err)
	}
	if len(cands) == 0 {
		return models.Pending{ID: ref.TargetID}, nil
	}
	pick := 0
	if ref.Ordinal != nil && *ref.Ordinal < len(cands) {
		pick = *ref.Ordinal
	}
	out := cands[pick]
	out.Candidates = len(cands)
	return out, nil
}

// OutgoingReferences returns the references held by the document at path, each
// resolved against the current identifier table.
func (db *DB) OutgoingReferences(ctx context.Context, path string) ([]models.ResolvedReference, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT r.from_id, r.to_id, r.kind, r.ordinal, r.ast_json, d.path
		FROM refs r
		JOIN documents d ON d.id = r.document_id
		WHERE d.path = ?
		ORDER BY r.id
	`, path)
	if err != nil {
		return nil, apperr.Storage("outgoing references", err)
	}
	var refs []models.Reference
	for rows.Next() {
		r, err := scanReference(rows, true)
		if err != nil {
			rows.Close()
			return nil, apperr.Storage("scan reference", err)
		}
		refs = append(refs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("outgoing references", err)
	}

	out := make([]models.ResolvedReference, 0, len(refs))
	for _, r := range refs {
		target, err := resolve(ctx, db.conn, r)
		if err != nil {
			return nil, err
		}
		out = append(out, models.ResolvedReference{Reference: r, Target: target})
	}
	return out, nil
}

// IncomingReferences returns every reference written against targetID, whichever
// document holds it.
func (db *DB) IncomingReferences(ctx context.Context, targetID string) ([]models.Reference, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT r.from_id, r.to_id, r.kind, r.ordinal, r.ast_json, d.path
		FROM refs r
		JOIN documents d ON d.id = r.document_id
		WHERE r.to_id = ?
		ORDER BY d.path, r.id
	`, targetID)
	if err != nil {
		return nil, apperr.Storage("incoming references", err)
	}
	defer rows.Close()

	var out []models.Reference
	for rows.Next() {
		r, err := scanReference(rows, true)
		if err != nil {
			return nil, apperr.Storage("scan reference", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Identifiers returns the identifiers defined by the document at path, in
// definition order.
func (db *DB) Identifiers(ctx context.Context, path string) ([]models.Identifier, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT i.id, i.idid, d.path, i.toplevel_id, i.macro, i.title, i.ast_json
		FROM identifiers i
		JOIN documents d ON d.id = i.document_id
		WHERE d.path = ?
		ORDER BY i.id
	`, path)
	if err != nil {
		return nil, apperr.Storage("identifiers", err)
	}
	defer rows.Close()

	var out []models.Identifier
	for rows.Next() {
		i, err := scanIdentifier(rows)
		if err != nil {
			return nil, apperr.Storage("scan identifier", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func scanIdentifier(sc interface{ Scan(...any) error }, extra ...any) (models.Identifier, error) {
	var (
		i   models.Identifier
		ast string
	)
	dest := append([]any{&i.RowID, &i.ID, &i.DocumentPath, &i.ToplevelID, &i.Macro, &i.Title, &ast}, extra...)
	if err := sc.Scan(dest...); err != nil {
		return models.Identifier{}, err
	}
	i.AST = json.RawMessage(ast)
	return i, nil
}

// UnresolvedReferences lists references whose kind must resolve but whose target
// does not exist, or for include-like kinds is not a toplevel identifier. With
// paths, only references held by those documents are checked.
func (db *DB) UnresolvedReferences(ctx context.Context, paths ...string) ([]models.Reference, error) {
	var must, toplevel []models.RefKind
	for _, k := range models.RefKinds() {
		rule := k.Rule()
		if rule.MustResolve {
			must = append(must, k)
		}
		if rule.ToplevelTarget {
			toplevel = append(toplevel, k)
		}
	}

	query := `
		SELECT r.from_id, r.to_id, r.kind, r.ordinal, r.ast_json, d.path
		FROM refs r
		JOIN documents d ON d.id = r.document_id
		WHERE r.kind IN ` + inClause(len(must)) + `
		  AND NOT EXISTS (
			SELECT 1 FROM identifiers i
			WHERE i.idid = r.to_id
			  AND (r.kind NOT IN ` + inClause(len(toplevel)) + ` OR i.toplevel_id = i.idid)
		  )`
	args := append(stringArgs(must), stringArgs(toplevel)...)
	if len(paths) > 0 {
		query += ` AND d.path IN ` + inClause(len(paths))
		args = append(args, stringArgs(paths)...)
	}
	query += ` ORDER BY d.path, r.id`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage("unresolved references", err)
	}
	defer rows.Close()

	var out []models.Reference
	for rows.Next() {
		r, err := scanReference(rows, true)
		if err != nil {
			return nil, apperr.Storage("scan reference", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
