package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/concord/internal/convert"
	"github.com/starford/concord/internal/docservice"
	"github.com/starford/concord/internal/models"
	"github.com/starford/concord/internal/parser"
	"github.com/starford/concord/internal/storage"
	"github.com/starford/concord/internal/testutil"
)

// testEnv sets up a temp corpus, SQLite DB, service, and router for testing.
// An empty authToken means disabled mode.
func testEnv(t *testing.T, authToken string) (*docservice.Service, http.Handler) {
	t.Helper()
	svc, _ := testService(t)
	return svc, NewRouter(svc, authToken != "", authToken, nil)
}

func testService(t *testing.T) (*docservice.Service, *storage.FS) {
	t.Helper()
	_, store := testutil.TestCorpus(t)
	db := testutil.TestDB(t)
	p := parser.New(store.Ext())
	orch, err := convert.New(db, p, store, convert.Options{
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("convert.New: %v", err)
	}
	return docservice.NewService(store, db, orch, p, nil), store
}

func do(t *testing.T, router http.Handler, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createDoc(t *testing.T, router http.Handler, path, content string) DocumentDetail {
	t.Helper()
	w := do(t, router, http.MethodPost, "/documents", map[string]string{"path": path, "content": content})
	if w.Code != http.StatusCreated {
		t.Fatalf("create %s = %d, body = %s", path, w.Code, w.Body.String())
	}
	var doc DocumentDetail
	_ = json.Unmarshal(w.Body.Bytes(), &doc)
	return doc
}

func TestCreateAndGetDocument(t *testing.T) {
	_, router := testEnv(t, "")
	createDoc(t, router, "animals/dog.lml", "= Dog\n\n== Breeds\n")

	w := do(t, router, http.MethodGet, "/documents/animals/dog.lml", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var doc DocumentDetail
	_ = json.Unmarshal(w.Body.Bytes(), &doc)
	if doc.Path != "animals/dog.lml" {
		t.Errorf("path = %q", doc.Path)
	}
	if doc.Title != "Dog" || doc.ToplevelID != "animals/dog" {
		t.Errorf("title = %q toplevel = %q", doc.Title, doc.ToplevelID)
	}
	if len(doc.Identifiers) != 2 {
		t.Errorf("identifiers = %d, want 2", len(doc.Identifiers))
	}

	// Encoded slashes work too.
	w = do(t, router, http.MethodGet, "/documents/animals%2Fdog.lml", nil)
	if w.Code != http.StatusOK {
		t.Errorf("encoded get status = %d", w.Code)
	}
}

func TestCreateDuplicate(t *testing.T) {
	_, router := testEnv(t, "")
	createDoc(t, router, "dup.lml", "= Dup\n")

	w := do(t, router, http.MethodPost, "/documents", map[string]string{"path": "dup.lml", "content": "= Dup\n"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", w.Code)
	}
}

func TestCreateDocument_ParseProblems(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/documents", map[string]string{"path": "bad.lml", "content": "= A\n\nsee <dog\n"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid source = %d, want 422", w.Code)
	}
	var resp problemsResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Problems) != 1 || resp.Problems[0].Location.Line != 3 {
		t.Errorf("problems = %+v", resp.Problems)
	}

	w = do(t, router, http.MethodPost, "/documents", map[string]string{"path": "notes.txt", "content": "= A\n"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("wrong extension = %d, want 400", w.Code)
	}
}

func TestUpdateWithOptimisticLocking(t *testing.T) {
	_, router := testEnv(t, "")
	created := createDoc(t, router, "lock.lml", "= V1 {id=lock}\n")

	update := map[string]string{"content": "= V2 {id=lock}\n"}
	w := do(t, router, http.MethodPut, "/documents/lock.lml", update, "If-Match", `"`+created.Checksum+`"`)
	if w.Code != http.StatusOK {
		t.Fatalf("update with correct checksum = %d, body = %s", w.Code, w.Body.String())
	}

	// Stale checksum → 409.
	w = do(t, router, http.MethodPut, "/documents/lock.lml", update, "If-Match", created.Checksum)
	if w.Code != http.StatusConflict {
		t.Errorf("update with stale checksum = %d, want 409", w.Code)
	}

	// No If-Match → no locking enforced.
	w = do(t, router, http.MethodPut, "/documents/lock.lml", map[string]string{"content": "= V3 {id=lock}\n"})
	if w.Code != http.StatusOK {
		t.Errorf("update without If-Match = %d, want 200", w.Code)
	}
}

func TestDeleteDocument(t *testing.T) {
	_, router := testEnv(t, "")
	createDoc(t, router, "bye.lml", "= Bye\n")

	w := do(t, router, http.MethodDelete, "/documents/bye.lml", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete = %d, want 204", w.Code)
	}
	w = do(t, router, http.MethodGet, "/documents/bye.lml", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
	w = do(t, router, http.MethodDelete, "/documents/bye.lml", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", w.Code)
	}
}

func TestListDocuments(t *testing.T) {
	_, router := testEnv(t, "")
	createDoc(t, router, "a.lml", "= A\n")
	createDoc(t, router, "b.lml", "= B\n")

	w := do(t, router, http.MethodGet, "/documents", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	var resp DocumentListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 2 || len(resp.Documents) != 2 {
		t.Errorf("documents = %+v", resp)
	}
}

func TestConvertEndpoint(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/convert/missing.lml", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("convert missing = %d, want 404", w.Code)
	}

	createDoc(t, router, "c.lml", "= C\n")
	w = do(t, router, http.MethodPost, "/convert/c.lml", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("convert = %d, body = %s", w.Code, w.Body.String())
	}
	var res ConvertResponse
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if res.ContentChanged || res.GraphChanged {
		t.Errorf("reconverting unchanged source reported changes: %+v", res)
	}
}

func TestOutdatedAndRender(t *testing.T) {
	_, router := testEnv(t, "")
	createDoc(t, router, "a.lml", "= A\n\nSee <B>.\n")

	w := do(t, router, http.MethodGet, "/outdated/html/a.lml", nil)
	var st OutdatedResponse
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if w.Code != http.StatusOK || st.Outdated {
		t.Fatalf("fresh after create: status %d, %+v", w.Code, st)
	}

	// The target appears: the referrer's renders go stale.
	createDoc(t, router, "b.lml", "= B\n")
	w = do(t, router, http.MethodGet, "/outdated/html/a.lml", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if !st.Outdated {
		t.Error("a.lml html should be outdated once b exists")
	}

	w = do(t, router, http.MethodGet, "/outdated?kind=html", nil)
	var list OutdatedListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Renders) != 1 || list.Renders[0].DocumentPath != "a.lml" {
		t.Errorf("outdated list = %+v", list.Renders)
	}

	w = do(t, router, http.MethodGet, "/render/html/a.lml", nil)
	if w.Header().Get("X-Render-Outdated") != "true" || !strings.Contains(w.Body.String(), `class="pending"`) {
		t.Errorf("stale render: header %q body %q", w.Header().Get("X-Render-Outdated"), w.Body.String())
	}
	w = do(t, router, http.MethodGet, "/render/html/a.lml?fresh=true", nil)
	if w.Header().Get("X-Render-Outdated") != "false" || !strings.Contains(w.Body.String(), `href="/b.html#b"`) {
		t.Errorf("fresh render: header %q body %q", w.Header().Get("X-Render-Outdated"), w.Body.String())
	}

	w = do(t, router, http.MethodPost, "/rerender", nil)
	var rr RerenderResponse
	_ = json.Unmarshal(w.Body.Bytes(), &rr)
	// html was rebuilt above; web is left. source never depended on b.
	if w.Code != http.StatusOK || rr.Rendered != len(models.GraphRenderKinds())-1 {
		t.Errorf("rerender = %d, %+v", w.Code, rr)
	}

	w = do(t, router, http.MethodGet, "/outdated/pdf/a.lml", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown kind = %d, want 400", w.Code)
	}
}

func TestDuplicatesAndValidate(t *testing.T) {
	_, router := testEnv(t, "")
	createDoc(t, router, "x.lml", "= X\n\n== Shared\n")
	createDoc(t, router, "y.lml", "= Y\n\n== Shared\n\nSee <Nowhere>.\n")

	w := do(t, router, http.MethodGet, "/duplicates", nil)
	var dups DuplicatesResponse
	_ = json.Unmarshal(w.Body.Bytes(), &dups)
	if len(dups.Duplicates) != 2 {
		t.Errorf("duplicate rows = %d, want 2 (one per defining document)", len(dups.Duplicates))
	}

	w = do(t, router, http.MethodGet, "/duplicates?path=x.lml", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &dups)
	if len(dups.Duplicates) != 1 || dups.Duplicates[0].DocumentPath != "x.lml" {
		t.Errorf("scoped duplicates = %+v", dups.Duplicates)
	}

	w = do(t, router, http.MethodGet, "/validate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("validate = %d", w.Code)
	}
	var health HealthResponse
	_ = json.Unmarshal(w.Body.Bytes(), &health)
	if health.OK || len(health.Unresolved) != 1 {
		t.Errorf("health = %s", w.Body.String())
	}
}

func TestSearchEndpoint(t *testing.T) {
	_, router := testEnv(t, "")
	createDoc(t, router, "find.lml", "= Uniquetoken Heading\n")

	w := do(t, router, http.MethodGet, "/search?q=uniquetoken", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search = %d, body = %s", w.Code, w.Body.String())
	}
	var resp SearchResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Results) != 1 || resp.Results[0].Path != "find.lml" {
		t.Errorf("search results = %+v", resp.Results)
	}
}

func TestSearchMissingQuery(t *testing.T) {
	_, router := testEnv(t, "")
	w := do(t, router, http.MethodGet, "/search", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("search no query = %d, want 400", w.Code)
	}
}

func TestBacklinksEndpoint(t *testing.T) {
	_, router := testEnv(t, "")
	createDoc(t, router, "a.lml", "= A\n")
	createDoc(t, router, "b.lml", "= B\n\n\\Include[a]\n")

	w := do(t, router, http.MethodGet, "/backlinks/a", nil)
	var resp BacklinksResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.References) != 1 || resp.References[0].DocumentPath != "b.lml" {
		t.Errorf("backlinks = %+v", resp.References)
	}
}

func TestTopicsAndArticles(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/articles", map[string]any{"title": "No author"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid article = %d, want 400", w.Code)
	}

	var ids []int64
	for _, a := range []map[string]any{
		{"author": "u1", "title": "Calculus", "score": 1},
		{"author": "u2", "title": "calculus", "score": 9},
		{"author": "u3", "title": "Calculus", "score": 2},
	} {
		w = do(t, router, http.MethodPost, "/articles", a)
		if w.Code != http.StatusCreated {
			t.Fatalf("create article = %d, body = %s", w.Code, w.Body.String())
		}
		var created struct {
			ID int64 `json:"id"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &created)
		ids = append(ids, created.ID)
	}

	w = do(t, router, http.MethodPost, "/articles", map[string]any{"author": "u1", "title": "Calculus"})
	if w.Code != http.StatusConflict {
		t.Errorf("same slug twice = %d, want 409", w.Code)
	}

	w = do(t, router, http.MethodGet, "/topics/calculus", nil)
	var topic TopicDetail
	_ = json.Unmarshal(w.Body.Bytes(), &topic)
	if topic.ArticleCount != 3 || topic.RepresentativeID != ids[0] {
		t.Errorf("topic = %s", w.Body.String())
	}

	w = do(t, router, http.MethodPatch, "/articles/"+itoa(ids[1]), map[string]any{"topic_key": "analysis"})
	if w.Code != http.StatusOK {
		t.Fatalf("patch = %d, body = %s", w.Code, w.Body.String())
	}
	w = do(t, router, http.MethodGet, "/topics", nil)
	var topics TopicListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &topics)
	if len(topics.Topics) != 2 {
		t.Errorf("topics = %+v", topics.Topics)
	}

	w = do(t, router, http.MethodDelete, "/articles/"+itoa(ids[1]), nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete article = %d", w.Code)
	}
	w = do(t, router, http.MethodGet, "/articles/"+itoa(ids[1]), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get deleted article = %d, want 404", w.Code)
	}
	w = do(t, router, http.MethodGet, "/articles/abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad id = %d, want 400", w.Code)
	}
	w = do(t, router, http.MethodGet, "/topics/unknown", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown topic = %d, want 404", w.Code)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	_, router := testEnv(t, "secret123")
	w := do(t, router, http.MethodPost, "/documents", map[string]string{"path": "auth.lml", "content": "= Auth\n"},
		"Authorization", "Bearer secret123")
	if w.Code != http.StatusCreated {
		t.Errorf("authed create = %d, want 201", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	_, router := testEnv(t, "secret123")
	w := do(t, router, http.MethodGet, "/documents", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	_, router := testEnv(t, "secret123")
	w := do(t, router, http.MethodGet, "/documents", nil, "Authorization", "Bearer wrong")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	_, router := testEnv(t, "")
	w := do(t, router, http.MethodGet, "/documents", nil)
	if w.Code != http.StatusOK {
		t.Errorf("no auth = %d, want 200", w.Code)
	}
}

func TestGetDocument_NotFound(t *testing.T) {
	_, router := testEnv(t, "")
	w := do(t, router, http.MethodGet, "/documents/nope.lml", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing document = %d, want 404", w.Code)
	}
}

func TestUpdateDocument_NotFound(t *testing.T) {
	_, router := testEnv(t, "")
	w := do(t, router, http.MethodPut, "/documents/ghost.lml", map[string]string{"content": "= Ghost\n"})
	if w.Code != http.StatusNotFound {
		t.Errorf("update missing = %d, want 404", w.Code)
	}
}

// SSE endpoint auth tests.

func TestSSEEvents_AuthProtected(t *testing.T) {
	router := testEnvWithSSE(t, true, "secret")
	w := do(t, router, http.MethodGet, "/events", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_AuthDisabled(t *testing.T) {
	router := testEnvWithSSE(t, false, "")

	// The SSE handler writes 200 and blocks, so cancel the context after a short time.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE should not require auth when disabled")
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	router := testEnvWithSSE(t, true, "tok")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
}

// testEnvWithSSE creates a router with a dummy SSE handler to test auth on /events.
func testEnvWithSSE(t *testing.T, authEnabled bool, token string) http.Handler {
	t.Helper()
	svc, _ := testService(t)

	// Minimal SSE handler stub: writes headers and blocks until context done.
	sseHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	})
	return NewRouter(svc, authEnabled, token, sseHandler)
}

// Site tests.

func siteRouter(t *testing.T) (http.Handler, http.Handler) {
	t.Helper()
	svc, store := testService(t)
	sh := NewSiteHandler(svc, store.Ext())
	r := chi.NewRouter()
	r.Get("/*", sh.ServePage)
	return NewRouter(svc, false, "", nil), r
}

func TestSite_ServesWebRender(t *testing.T) {
	api, site := siteRouter(t)
	createDoc(t, api, "animals/dog.lml", "= Dog\n\nA good animal.\n")
	createDoc(t, api, "animals/puppy.lml", "= Puppy {parent=animals/dog}\n")

	w := do(t, site, http.MethodGet, "/animals/dog.html", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("page = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/html") {
		t.Errorf("content type = %q", w.Header().Get("Content-Type"))
	}
	if w.Header().Get("X-Render-Outdated") != "false" {
		t.Error("outdated pages are rebuilt before serving")
	}
	if !strings.Contains(w.Body.String(), `href="/animals/puppy.html#animals/puppy"`) {
		t.Errorf("page lacks child link: %s", w.Body.String())
	}
}

func TestSite_RejectsBadPages(t *testing.T) {
	_, site := siteRouter(t)
	for target, want := range map[string]int{
		"/missing.html":          http.StatusNotFound,
		"/dog.lml":               http.StatusBadRequest,
		"/a/../../etc/passwd":    http.StatusBadRequest,
		"/..%2F..%2Fsecret.html": http.StatusBadRequest,
	} {
		w := do(t, site, http.MethodGet, target, nil)
		if w.Code == http.StatusOK {
			t.Errorf("%s should not return 200", target)
		}
		if w.Code != want && w.Code != http.StatusNotFound {
			t.Errorf("%s = %d, want %d", target, w.Code, want)
		}
	}
}
