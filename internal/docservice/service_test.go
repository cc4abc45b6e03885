package docservice

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/concord/internal/apperr"
	"github.com/starford/concord/internal/convert"
	"github.com/starford/concord/internal/models"
	"github.com/starford/concord/internal/parser"
	"github.com/starford/concord/internal/storage"
	"github.com/starford/concord/internal/testutil"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(kind, subject string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind+":"+subject)
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func newService(t *testing.T) (*Service, *storage.FS, *recorder) {
	t.Helper()
	_, store := testutil.TestCorpus(t)
	db := testutil.TestDB(t)
	rec := &recorder{}
	p := parser.New(store.Ext())
	orch, err := convert.New(db, p, store, convert.Options{
		Logger:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
		OnEvent: rec.record,
	})
	require.NoError(t, err)
	return NewService(store, db, orch, p, rec.record), store, rec
}

func TestCreateAndGetDocument(t *testing.T) {
	ctx := context.Background()
	svc, _, rec := newService(t)

	_, err := svc.CreateDocument(ctx, "a.lml", []byte("= A\n\n== Part\n"))
	require.NoError(t, err)
	b, err := svc.CreateDocument(ctx, "b.lml", []byte("= B\n\nSee <Part> and <Nowhere>.\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{convert.EventConverted + ":a.lml", convert.EventConverted + ":b.lml"}, rec.take())

	require.Len(t, b.References, 2)
	byTarget := map[string]ReferenceView{}
	for _, r := range b.References {
		byTarget[r.TargetID] = r
	}
	require.NotNil(t, byTarget["part"].Target)
	assert.Equal(t, "a.lml", byTarget["part"].Target.DocumentPath)
	assert.True(t, byTarget["nowhere"].Pending)
	assert.Empty(t, b.Outdated)

	a, err := svc.GetDocument(ctx, "a.lml")
	require.NoError(t, err)
	assert.Equal(t, "A", a.Title)
	assert.Equal(t, "a", a.ToplevelID)
	require.Len(t, a.Identifiers, 2)
	require.Len(t, a.Backlinks, 1)
	assert.Equal(t, "b.lml", a.Backlinks[0].DocumentPath)
	assert.Equal(t, models.RefCrossLink, a.Backlinks[0].Kind)
}

func TestCreateDocument_Rejects(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)

	_, err := svc.CreateDocument(ctx, "a.lml", []byte("= A\n"))
	require.NoError(t, err)
	_, err = svc.CreateDocument(ctx, "a.lml", []byte("= A\n"))
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)

	_, err = svc.CreateDocument(ctx, "notes.txt", []byte("= A\n"))
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = svc.CreateDocument(ctx, "bad.lml", []byte("= A\n\nsee <dog\n"))
	var pe *apperr.ParseValidationError
	require.ErrorAs(t, err, &pe)
	_, err = store.Read("bad.lml")
	assert.Error(t, err, "an invalid source is never written")
}

func TestUpdateDocument_OptimisticLocking(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	created, err := svc.CreateDocument(ctx, "a.lml", []byte("= A\n"))
	require.NoError(t, err)

	_, err = svc.UpdateDocument(ctx, "a.lml", []byte("= A2 {id=a}\n"), "stale")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	updated, err := svc.UpdateDocument(ctx, "a.lml", []byte("= A2 {id=a}\n"), created.Checksum)
	require.NoError(t, err)
	assert.Equal(t, "A2", updated.Title)
	assert.NotEqual(t, created.Checksum, updated.Checksum)

	_, err = svc.UpdateDocument(ctx, "missing.lml", []byte("= M\n"), "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeleteDocument(t *testing.T) {
	ctx := context.Background()
	svc, _, rec := newService(t)

	_, err := svc.CreateDocument(ctx, "a.lml", []byte("= A\n"))
	require.NoError(t, err)
	rec.take()

	require.NoError(t, svc.DeleteDocument(ctx, "a.lml"))
	assert.Equal(t, []string{convert.EventDeleted + ":a.lml"}, rec.take())
	_, err = svc.GetDocument(ctx, "a.lml")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, svc.DeleteDocument(ctx, "a.lml"), apperr.ErrNotFound)

	docs, err := svc.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestRender_StaleOrFresh(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	_, err := svc.CreateDocument(ctx, "a.lml", []byte("= A\n\nSee <B>.\n"))
	require.NoError(t, err)
	_, err = svc.CreateDocument(ctx, "b.lml", []byte("= B\n"))
	require.NoError(t, err)

	stale, err := svc.Render(ctx, "a.lml", models.RenderHTML, false)
	require.NoError(t, err)
	assert.True(t, stale.Outdated)
	assert.Contains(t, string(stale.Output), `class="pending"`)

	tasks, err := svc.Outdated(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)

	fresh, err := svc.Render(ctx, "a.lml", models.RenderHTML, true)
	require.NoError(t, err)
	assert.False(t, fresh.Outdated)
	assert.Contains(t, string(fresh.Output), `href="/b.html#b"`)

	tasks, err = svc.Outdated(ctx, models.RenderHTML)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestArticles_TopicElection(t *testing.T) {
	ctx := context.Background()
	svc, _, rec := newService(t)

	_, err := svc.CreateArticle(ctx, ArticleInput{Title: "No author"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = svc.CreateArticle(ctx, ArticleInput{Author: "u1", Title: "!!!"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = svc.CreateArticle(ctx, ArticleInput{Author: "u1", Title: "Ok", TopicKey: "Not A Key"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	a1, err := svc.CreateArticle(ctx, ArticleInput{Author: "u1", Title: "Calculus", Score: 1})
	require.NoError(t, err)
	a2, err := svc.CreateArticle(ctx, ArticleInput{Author: "u2", Title: "calculus", Score: 5})
	require.NoError(t, err)
	_, err = svc.CreateArticle(ctx, ArticleInput{Author: "u3", Title: "Calculus", Score: 3})
	require.NoError(t, err)
	assert.Equal(t, "calculus", a1.TopicKey)
	assert.Equal(t, "u1/calculus", a1.Slug)

	d, err := svc.GetTopic(ctx, "Calculus")
	require.NoError(t, err)
	assert.Equal(t, 3, d.ArticleCount)
	assert.Len(t, d.Articles, 3)
	require.NotNil(t, d.Representative)
	assert.Equal(t, a1.ID, d.Representative.ID, "the majority title wins over the top score")
	rec.take()

	other := "analysis"
	_, err = svc.UpdateArticle(ctx, a2.ID, ArticlePatch{TopicKey: &other})
	require.NoError(t, err)
	assert.Equal(t, []string{EventTopicUpdated + ":calculus", EventTopicUpdated + ":analysis"}, rec.take())

	empty := ""
	_, err = svc.UpdateArticle(ctx, a2.ID, ArticlePatch{Title: &empty})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	require.NoError(t, svc.DeleteArticle(ctx, a2.ID))
	d, err = svc.GetTopic(ctx, "analysis")
	require.NoError(t, err)
	assert.Zero(t, d.ArticleCount)
	assert.Nil(t, d.Representative)
	assert.ErrorIs(t, svc.DeleteArticle(ctx, a2.ID), apperr.ErrNotFound)

	topics, err := svc.ListTopics(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, topics, 2)
}

func TestArticles_ExplicitTopicKeyMatchesDerivedForm(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	a, err := svc.CreateArticle(ctx, ArticleInput{Author: "u1", Title: "数学", TopicKey: "数学"})
	require.NoError(t, err)
	assert.Equal(t, "数学", a.TopicKey)
	b, err := svc.CreateArticle(ctx, ArticleInput{Author: "u2", Title: "Mathematics"})
	require.NoError(t, err)

	for _, bad := range []string{"Upper", "数学-", "a--b", "a b"} {
		_, err = svc.CreateArticle(ctx, ArticleInput{Author: "u3", Title: "x", TopicKey: bad})
		assert.ErrorIs(t, err, apperr.ErrInvalidInput, bad)
	}

	key := "数学"
	moved, err := svc.UpdateArticle(ctx, b.ID, ArticlePatch{TopicKey: &key})
	require.NoError(t, err)
	assert.Equal(t, "数学", moved.TopicKey)
	upper := "MATH"
	_, err = svc.UpdateArticle(ctx, b.ID, ArticlePatch{TopicKey: &upper})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	d, err := svc.GetTopic(ctx, "数学")
	require.NoError(t, err)
	assert.Equal(t, 2, d.ArticleCount)
}
