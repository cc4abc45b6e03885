package docservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/concord/internal/apperr"
	"github.com/starford/concord/internal/index"
	"github.com/starford/concord/internal/models"
	"github.com/starford/concord/internal/topic"
)

var authorRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// topicKeyRule accepts keys already in the form topic.Key produces, so an
// explicit key is valid exactly when a title could have derived it.
var topicKeyRule = validation.By(func(value any) error {
	v, isNil := validation.Indirect(value)
	if isNil {
		return nil
	}
	if s, _ := v.(string); topic.Key(s) != s {
		return errors.New("must be lower case letters and digits separated by single dashes")
	}
	return nil
})

// ArticleInput is a new article as submitted by a user.
type ArticleInput struct {
	Author   string `json:"author"`
	Title    string `json:"title"`
	TopicKey string `json:"topic_key,omitempty"`
	Slug     string `json:"slug,omitempty"`
	Score    int    `json:"score"`
}

// Validate validates the article input.
func (in *ArticleInput) Validate() error {
	return validation.ValidateStruct(in,
		validation.Field(&in.Author, validation.Required, validation.Length(1, 64), validation.Match(authorRe)),
		validation.Field(&in.Title, validation.Required, validation.Length(1, 256)),
		validation.Field(&in.TopicKey, validation.Length(0, 256), topicKeyRule),
		validation.Field(&in.Slug, validation.Length(0, 320)),
	)
}

// ArticlePatch changes some fields of an article. Nil fields are kept.
type ArticlePatch struct {
	Title    *string `json:"title,omitempty"`
	TopicKey *string `json:"topic_key,omitempty"`
	Score    *int    `json:"score,omitempty"`
}

// Validate validates the patch.
func (p *ArticlePatch) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.Title, validation.NilOrNotEmpty, validation.Length(1, 256)),
		validation.Field(&p.TopicKey, validation.NilOrNotEmpty, topicKeyRule),
	)
}

// TopicDetail is a topic with its representative and every article sharing its key.
type TopicDetail struct {
	models.Topic
	Representative *models.Article  `json:"representative,omitempty"`
	Articles       []models.Article `json:"articles"`
}

// CreateArticle validates and stores a new article; its topic is re-elected in
// the same transaction.
func (s *Service) CreateArticle(ctx context.Context, in ArticleInput) (models.Article, error) {
	if err := in.Validate(); err != nil {
		return models.Article{}, invalid(err)
	}
	if in.TopicKey == "" && topic.Key(in.Title) == "" {
		return models.Article{}, fmt.Errorf("%w: title %q yields an empty topic key", apperr.ErrInvalidInput, in.Title)
	}
	a, err := s.db.CreateArticle(ctx, models.Article{
		Slug:     in.Slug,
		Author:   in.Author,
		Title:    in.Title,
		TopicKey: in.TopicKey,
		Score:    in.Score,
	})
	if err != nil {
		return models.Article{}, err
	}
	s.topicsChanged(a.TopicKey)
	return a, nil
}

// UpdateArticle applies patch. Moving an article to another key re-elects both topics.
func (s *Service) UpdateArticle(ctx context.Context, id int64, patch ArticlePatch) (models.Article, error) {
	if err := patch.Validate(); err != nil {
		return models.Article{}, invalid(err)
	}
	before, err := s.db.GetArticle(ctx, id)
	if err != nil {
		return models.Article{}, err
	}
	a, err := s.db.UpdateArticle(ctx, id, index.ArticleUpdate{
		Title:    patch.Title,
		TopicKey: patch.TopicKey,
		Score:    patch.Score,
	})
	if err != nil {
		return models.Article{}, err
	}
	s.topicsChanged(before.TopicKey, a.TopicKey)
	return a, nil
}

// DeleteArticle removes an article. Its topic row stays even when it empties.
func (s *Service) DeleteArticle(ctx context.Context, id int64) error {
	a, err := s.db.GetArticle(ctx, id)
	if err != nil {
		return err
	}
	if err := s.db.DeleteArticle(ctx, id); err != nil {
		return err
	}
	s.topicsChanged(a.TopicKey)
	return nil
}

// GetArticle returns one article.
func (s *Service) GetArticle(ctx context.Context, id int64) (models.Article, error) {
	return s.db.GetArticle(ctx, id)
}

// GetTopic returns the topic for key. key is normalized first, so a title works too.
func (s *Service) GetTopic(ctx context.Context, key string) (*TopicDetail, error) {
	t, err := s.db.GetTopic(ctx, topic.Key(key))
	if err != nil {
		return nil, err
	}
	articles, err := s.db.ListArticles(ctx, t.Key)
	if err != nil {
		return nil, err
	}
	d := &TopicDetail{Topic: t, Articles: nonNilSlice(articles)}
	for i := range articles {
		if articles[i].ID == t.RepresentativeID {
			d.Representative = &articles[i]
			break
		}
	}
	return d, nil
}

// ListTopics returns a page of topics, largest first.
func (s *Service) ListTopics(ctx context.Context, limit, offset int) ([]models.Topic, error) {
	topics, err := s.db.ListTopics(ctx, limit, offset)
	return nonNilSlice(topics), err
}

// RecomputeTopics re-elects every topic.
func (s *Service) RecomputeTopics(ctx context.Context) error {
	return s.db.RecomputeAllTopics(ctx)
}

func (s *Service) topicsChanged(keys ...string) {
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		s.logger.Debug("topic updated", slog.String("key", k))
		s.emit(EventTopicUpdated, k)
	}
}

// invalid tags ozzo validation errors with apperr.ErrInvalidInput.
func invalid(err error) error {
	var ve validation.Errors
	if errors.As(err, &ve) {
		return fmt.Errorf("%w: %s", apperr.ErrInvalidInput, ve.Error())
	}
	return err
}
