package models

import "time"

// Article is one user's version of a topic.
type Article struct {
	ID        int64     `json:"id"`
	Slug      string    `json:"slug"`
	Author    string    `json:"author"`
	Title     string    `json:"title"`
	TopicKey  string    `json:"topic_key"`
	Score     int       `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// Topic aggregates every article sharing a topic key.
type Topic struct {
	Key          string `json:"key"`
	ArticleCount int    `json:"article_count"`
	// RepresentativeID may point at a deleted article when ArticleCount is 0.
	RepresentativeID int64 `json:"representative_id"`
}
