package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/starford/concord/internal/apperr"
	"github.com/starford/concord/internal/models"
	"github.com/starford/concord/internal/topic"
)

// ArticleUpdate holds the fields of an article that may change. Nil means keep.
type ArticleUpdate struct {
	Title    *string
	TopicKey *string
	Score    *int
}

const articleColumns = `id, slug, author, title, topic_key, score, created_at`

func scanArticle(sc interface{ Scan(...any) error }) (models.Article, error) {
	var a models.Article
	err := sc.Scan(&a.ID, &a.Slug, &a.Author, &a.Title, &a.TopicKey, &a.Score, &a.CreatedAt)
	return a, err
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// CreateArticle inserts a and recomputes its topic in the same transaction.
// An empty TopicKey is derived from the title, an empty Slug from author and key.
func (db *DB) CreateArticle(ctx context.Context, a models.Article) (models.Article, error) {
	if a.TopicKey == "" {
		a.TopicKey = topic.Key(a.Title)
	}
	if a.TopicKey == "" {
		return models.Article{}, fmt.Errorf("index: article %q has an empty topic key", a.Title)
	}
	if a.Slug == "" {
		a.Slug = a.Author + "/" + a.TopicKey
	}
	a.CreatedAt = time.Now().UTC()

	err := db.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `
			INSERT INTO articles (slug, author, title, topic_key, score, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, a.Slug, a.Author, a.Title, a.TopicKey, a.Score, a.CreatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("index: article %q: %w", a.Slug, apperr.ErrAlreadyExists)
		}
		if err != nil {
			return apperr.Storage("insert article", err)
		}
		if a.ID, err = res.LastInsertId(); err != nil {
			return apperr.Storage("insert article", err)
		}
		return tx.RecomputeTopics(ctx, a.TopicKey)
	})
	if err != nil {
		return models.Article{}, err
	}
	return a, nil
}

// UpdateArticle applies upd and recomputes both the old and the new topic.
func (db *DB) UpdateArticle(ctx context.Context, id int64, upd ArticleUpdate) (models.Article, error) {
	var out models.Article
	err := db.WithTx(ctx, func(tx *Tx) error {
		old, err := getArticle(ctx, tx.tx, id)
		if err != nil {
			return err
		}
		out = old
		if upd.Title != nil {
			out.Title = *upd.Title
		}
		if upd.TopicKey != nil {
			out.TopicKey = *upd.TopicKey
		}
		if upd.Score != nil {
			out.Score = *upd.Score
		}
		if out.TopicKey == "" {
			return fmt.Errorf("index: article %d: empty topic key", id)
		}
		_, err = tx.tx.ExecContext(ctx,
			`UPDATE articles SET title = ?, topic_key = ?, score = ? WHERE id = ?`,
			out.Title, out.TopicKey, out.Score, id)
		if err != nil {
			return apperr.Storage("update article", err)
		}
		if old.TopicKey == out.TopicKey {
			return tx.RecomputeTopics(ctx, out.TopicKey)
		}
		return tx.RecomputeTopics(ctx, old.TopicKey, out.TopicKey)
	})
	if err != nil {
		return models.Article{}, err
	}
	return out, nil
}

// DeleteArticle removes the article and recomputes its topic. The topic row stays.
func (db *DB) DeleteArticle(ctx context.Context, id int64) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		a, err := getArticle(ctx, tx.tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM articles WHERE id = ?`, id); err != nil {
			return apperr.Storage("delete article", err)
		}
		return tx.RecomputeTopics(ctx, a.TopicKey)
	})
}

// GetArticle returns the article with id, or apperr.ErrNotFound.
func (db *DB) GetArticle(ctx context.Context, id int64) (models.Article, error) {
	return getArticle(ctx, db.conn, id)
}

func getArticle(ctx context.Context, q querier, id int64) (models.Article, error) {
	a, err := scanArticle(q.QueryRowContext(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Article{}, fmt.Errorf("index: article %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Article{}, apperr.Storage("get article", err)
	}
	return a, nil
}

// ListArticles returns the articles of a topic in ranking order.
func (db *DB) ListArticles(ctx context.Context, key string) ([]models.Article, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE topic_key = ? ORDER BY score DESC, id`, key)
	if err != nil {
		return nil, apperr.Storage("list articles", err)
	}
	defer rows.Close()

	var out []models.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, apperr.Storage("scan article", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
