// Package index is the SQLite-backed cross-reference graph: documents, the identifiers
// they define, the references between them, render freshness and topic consensus.
package index

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/concord/internal/apperr"
	"github.com/starford/concord/internal/topic"
)

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	path         TEXT NOT NULL UNIQUE,
	content_hash TEXT NOT NULL DEFAULT '',
	toplevel_id  TEXT NOT NULL DEFAULT '',
	parsed_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	rendered_at  DATETIME
);

CREATE TABLE IF NOT EXISTS identifiers (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	idid        TEXT NOT NULL,
	document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	toplevel_id TEXT NOT NULL DEFAULT '',
	macro       TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL DEFAULT '',
	ast_json    TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_identifiers_idid ON identifiers(idid);
CREATE INDEX IF NOT EXISTS idx_identifiers_document ON identifiers(document_id);

CREATE TABLE IF NOT EXISTS refs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	from_id     TEXT NOT NULL,
	document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	to_id       TEXT NOT NULL,
	kind        TEXT NOT NULL,
	ordinal     INTEGER,
	ast_json    TEXT NOT NULL DEFAULT '{}',
	UNIQUE(from_id, document_id, to_id, kind)
);

CREATE INDEX IF NOT EXISTS idx_refs_to ON refs(to_id, kind);
CREATE INDEX IF NOT EXISTS idx_refs_document ON refs(document_id);

CREATE TABLE IF NOT EXISTS render_records (
	document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	kind        TEXT NOT NULL,
	outdated    INTEGER NOT NULL DEFAULT 1,
	generation  INTEGER NOT NULL DEFAULT 0,
	output      BLOB,
	rendered_at DATETIME,
	PRIMARY KEY (document_id, kind)
);

CREATE TABLE IF NOT EXISTS articles (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	slug       TEXT NOT NULL UNIQUE,
	author     TEXT NOT NULL,
	title      TEXT NOT NULL,
	topic_key  TEXT NOT NULL,
	score      INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_articles_topic ON articles(topic_key, score DESC, id);

CREATE TABLE IF NOT EXISTS topics (
	topic_key         TEXT PRIMARY KEY,
	article_count     INTEGER NOT NULL DEFAULT 0,
	representative_id INTEGER NOT NULL
);
`

// DB wraps a sql.DB with index-specific operations.
type DB struct {
	conn *sql.DB
	topN int
}

// Option configures a DB.
type Option func(*DB)

// WithTopN sets how many top-ranked articles vote in topic elections.
func WithTopN(n int) Option {
	return func(db *DB) {
		if n > 0 {
			db.topN = n
		}
	}
}

// Open opens (or creates) the SQLite database and applies the schema.
// Write transactions take the database lock up front (_txlock=immediate), so two
// conversions of the same document serialize instead of failing on upgrade.
func Open(dsn string, opts ...Option) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: apply core schema: %w", err)
	}
	if err := initFTS(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: apply fts schema: %w", err)
	}
	db := &DB{conn: conn, topN: topic.DefaultTopN}
	for _, o := range opts {
		o(db)
	}
	return db, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Tx is one write transaction over the graph. Obtain it through WithTx.
type Tx struct {
	tx   *sql.Tx
	topN int
}

// WithTx runs fn inside a single transaction. It commits when fn returns nil and
// rolls back when fn returns an error or panics.
func (db *DB) WithTx(ctx context.Context, fn func(*Tx) error) (err error) {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Storage("begin tx", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&Tx{tx: sqlTx, topN: db.topN}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return apperr.Storage("commit", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx, so reads can run inside a
// write transaction or on their own.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inClause returns "(?, ?, ...)" for n values.
func inClause(n int) string {
	if n == 0 {
		return "(SELECT NULL WHERE 0)"
	}
	b := make([]byte, 0, 3*n+1)
	b = append(b, '(')
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, '?')
	}
	return string(append(b, ')'))
}

func stringArgs[T ~string](vals []T) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}
