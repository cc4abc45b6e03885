package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/concord/internal/apperr"
	"github.com/starford/concord/internal/models"
	"github.com/starford/concord/internal/topic"
)

// electSQL runs topic.Elect for every selected key at once:
// rank by (score desc, id asc) per key, keep the first N, group by title, order
// groups by (size desc, smallest id asc) and take the winner's smallest id.
const electSQL = `
WITH ranked AS (
	SELECT id, title, topic_key,
	       ROW_NUMBER() OVER (PARTITION BY topic_key ORDER BY score DESC, id ASC) AS rn
	FROM articles
	WHERE 1 = 1 %s
), groups AS (
	SELECT topic_key, title, COUNT(*) AS cnt, MIN(id) AS min_id
	FROM ranked
	WHERE rn <= ?
	GROUP BY topic_key, title
), winners AS (
	SELECT topic_key, min_id,
	       ROW_NUMBER() OVER (PARTITION BY topic_key ORDER BY cnt DESC, min_id ASC) AS wrn
	FROM groups
)
UPDATE topics
SET representative_id = (
	SELECT w.min_id FROM winners w WHERE w.topic_key = topics.topic_key AND w.wrn = 1
)
WHERE topic_key IN (SELECT topic_key FROM winners WHERE wrn = 1)
`

func keyFilter(col string, keys []string) (string, []any) {
	if len(keys) == 0 {
		return "", nil
	}
	return " AND " + col + " IN " + inClause(len(keys)), stringArgs(keys)
}

// RecomputeTopics brings the topic rows of keys in line with the articles table:
// missing topics are created, counts are recounted and representatives re-elected.
// No keys means every topic. A topic whose articles are all gone keeps its row
// with a zero count and its last representative.
func (t *Tx) RecomputeTopics(ctx context.Context, keys ...string) error {
	filter, args := keyFilter("topic_key", keys)

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO topics (topic_key, article_count, representative_id)
		SELECT topic_key, 0, MIN(id) FROM articles
		WHERE 1 = 1`+filter+`
		GROUP BY topic_key
		ON CONFLICT(topic_key) DO NOTHING
	`, args...)
	if err != nil {
		return apperr.Storage("insert topics", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		UPDATE topics
		SET article_count = (SELECT COUNT(*) FROM articles a WHERE a.topic_key = topics.topic_key)
		WHERE 1 = 1`+filter, args...)
	if err != nil {
		return apperr.Storage("count topics", err)
	}

	_, err = t.tx.ExecContext(ctx, fmt.Sprintf(electSQL, filter), append(args, t.topN)...)
	if err != nil {
		return apperr.Storage("elect representatives", err)
	}
	return nil
}

// RecomputeAllTopics re-derives every topic from the articles table.
func (db *DB) RecomputeAllTopics(ctx context.Context) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		return tx.RecomputeTopics(ctx)
	})
}

// GetTopic returns the topic for key, or apperr.ErrNotFound.
func (db *DB) GetTopic(ctx context.Context, key string) (models.Topic, error) {
	var tp models.Topic
	err := db.conn.QueryRowContext(ctx,
		`SELECT topic_key, article_count, representative_id FROM topics WHERE topic_key = ?`, key).
		Scan(&tp.Key, &tp.ArticleCount, &tp.RepresentativeID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Topic{}, fmt.Errorf("index: topic %q: %w", key, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Topic{}, apperr.Storage("get topic", err)
	}
	return tp, nil
}

// ListTopics returns topics ordered by article count, largest first.
func (db *DB) ListTopics(ctx context.Context, limit, offset int) ([]models.Topic, error) {
	if limit <= 0 {
		limit = 50
	}
	return queryTopics(ctx, db.conn, `
		SELECT topic_key, article_count, representative_id FROM topics
		ORDER BY article_count DESC, topic_key
		LIMIT ? OFFSET ?`, limit, offset)
}

// DanglingTopics returns topics whose articles were all deleted.
func (db *DB) DanglingTopics(ctx context.Context) ([]models.Topic, error) {
	return queryTopics(ctx, db.conn, `
		SELECT topic_key, article_count, representative_id FROM topics
		WHERE article_count = 0
		ORDER BY topic_key`)
}

func queryTopics(ctx context.Context, q querier, query string, args ...any) ([]models.Topic, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage("list topics", err)
	}
	defer rows.Close()

	var out []models.Topic
	for rows.Next() {
		var tp models.Topic
		if err := rows.Scan(&tp.Key, &tp.ArticleCount, &tp.RepresentativeID); err != nil {
			return nil, apperr.Storage("scan topic", err)
		}
		out = append(out, tp)
	}
	return out, rows.Err()
}

// TopicCandidates returns every article of the topic in election input form.
func (db *DB) TopicCandidates(ctx context.Context, key string) ([]topic.Candidate, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, score, title FROM articles WHERE topic_key = ? ORDER BY id`, key)
	if err != nil {
		return nil, apperr.Storage("topic candidates", err)
	}
	defer rows.Close()

	var out []topic.Candidate
	for rows.Next() {
		var c topic.Candidate
		if err := rows.Scan(&c.ID, &c.Score, &c.Title); err != nil {
			return nil, apperr.Storage("scan candidate", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TopN is the election size this DB was opened with.
func (db *DB) TopN() int { return db.topN }
