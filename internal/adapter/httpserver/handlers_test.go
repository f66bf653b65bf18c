package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/blogger-intel/internal/domain"
	"github.com/fairyhunter13/blogger-intel/internal/usecase"
)

type fakeTasks struct {
	getTask  domain.Task
	getErr   error
	retryErr error
	list     []domain.Task
	total    int
}

func (f *fakeTasks) CreateIfAbsent(_ context.Context, _ *string, _ domain.TaskType, _ int, _ map[string]any) (string, error) {
	return "task-1", nil
}

func (f *fakeTasks) ClaimBatch(context.Context, int) ([]domain.Task, error) { return nil, nil }

func (f *fakeTasks) MarkDone(context.Context, string) error { return nil }

func (f *fakeTasks) MarkFailed(context.Context, string, string, bool) error { return nil }

func (f *fakeTasks) Get(context.Context, string) (domain.Task, error) {
	return f.getTask, f.getErr
}

func (f *fakeTasks) List(context.Context, domain.TaskFilter, int, int) ([]domain.Task, int, error) {
	return f.list, f.total, nil
}

func (f *fakeTasks) Retry(context.Context, string) error { return f.retryErr }

func (f *fakeTasks) RecoverStuck(context.Context, time.Duration) (int, error) { return 0, nil }

func (f *fakeTasks) UnattachedAnalysis(context.Context, int) ([]domain.Task, error) {
	return nil, nil
}

func (f *fakeTasks) RunningAnalysis(context.Context) ([]domain.Task, error) { return nil, nil }

func (f *fakeTasks) SetBatchID(context.Context, string, string) error { return nil }

func (f *fakeTasks) FailStale(context.Context, time.Duration) (int, error) { return 0, nil }

func (f *fakeTasks) CountByStatus(context.Context, domain.TaskStatus) (int, error) { return 0, nil }

type fakeBlogs struct{}

func (fakeBlogs) Create(_ context.Context, _, username string) (string, error) {
	return username + "-id", nil
}

func (fakeBlogs) FindByUsername(context.Context, string, string) (domain.Blog, error) {
	return domain.Blog{}, domain.ErrNotFound
}

func (fakeBlogs) Get(context.Context, string) (domain.Blog, error) {
	return domain.Blog{}, domain.ErrNotFound
}

func (fakeBlogs) IsFresh(context.Context, string, time.Duration) (bool, error) { return false, nil }

func (fakeBlogs) SetScrapeStatus(context.Context, string, domain.ScrapeStatus) error { return nil }

func (fakeBlogs) UpdateScraped(context.Context, string, domain.Blog) error { return nil }

func (fakeBlogs) SaveInsights(context.Context, string, []byte, int, domain.ScrapeStatus) error {
	return nil
}

func (fakeBlogs) SetEmbedding(context.Context, string, []float32) error { return nil }

func (fakeBlogs) MissingEmbeddings(context.Context, int) ([]domain.Blog, error) { return nil, nil }

func (fakeBlogs) MissingTaxonomy(context.Context, int) ([]domain.Blog, error) { return nil, nil }

func (fakeBlogs) StaleActive(context.Context, time.Duration, int) ([]domain.Blog, error) {
	return nil, nil
}

func (fakeBlogs) StaleIDs(context.Context, time.Duration, int) ([]string, error) { return nil, nil }

func (fakeBlogs) DeletedIDs(context.Context, int) ([]string, error) { return nil, nil }

func (fakeBlogs) CountAll(context.Context) (int, error) { return 0, nil }

func (fakeBlogs) CountByStatus(context.Context, domain.ScrapeStatus) (int, error) { return 0, nil }

func newTestRouter(tasks *fakeTasks) http.Handler {
	svc := usecase.NewTaskService(tasks, fakeBlogs{}, time.Hour)
	s := NewServer(svc)
	r := chi.NewRouter()
	r.Get("/health", s.HealthHandler())
	r.Post("/api/v1/tasks/scrape", s.ScrapeHandler())
	r.Post("/api/v1/tasks/discover", s.DiscoverHandler())
	r.Get("/api/v1/tasks", s.ListTasksHandler())
	r.Get("/api/v1/tasks/{id}", s.GetTaskHandler())
	r.Post("/api/v1/tasks/{id}/retry", s.RetryTaskHandler())
	return r
}

func doJSON(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthHandler(t *testing.T) {
	rec := doJSON(t, newTestRouter(&fakeTasks{}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","accounts_total":0,"accounts_available":0,"tasks_running":0,"tasks_pending":0}`, rec.Body.String())
}

func TestScrapeHandler(t *testing.T) {
	h := newTestRouter(&fakeTasks{})

	t.Run("created", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/api/v1/tasks/scrape", `{"usernames":["@Aisha","dana"]}`)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Contains(t, rec.Body.String(), `"created":2`)
		assert.Contains(t, rec.Body.String(), `"skipped":0`)
		assert.Contains(t, rec.Body.String(), `"username":"aisha"`)
	})

	t.Run("invalid json", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/api/v1/tasks/scrape", `{"usernames":`)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, rec.Body.String(), `"code":"VALIDATION"`)
	})

	t.Run("empty list", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/api/v1/tasks/scrape", `{"usernames":[]}`)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

func TestDiscoverHandler(t *testing.T) {
	h := newTestRouter(&fakeTasks{})

	rec := doJSON(t, h, http.MethodPost, "/api/v1/tasks/discover", `{"hashtag":"#Almaty"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"hashtag":"almaty","task_id":"task-1"}`, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/api/v1/tasks/discover", `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestListTasksHandler(t *testing.T) {
	t.Run("empty queue yields empty array", func(t *testing.T) {
		rec := doJSON(t, newTestRouter(&fakeTasks{}), http.MethodGet, "/api/v1/tasks", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"tasks":[],"total":0,"limit":20,"offset":0}`, rec.Body.String())
	})

	t.Run("filters and paging pass through", func(t *testing.T) {
		tasks := &fakeTasks{list: []domain.Task{{ID: "t1", TaskType: domain.TaskFullScrape, Status: domain.TaskPending}}, total: 42}
		rec := doJSON(t, newTestRouter(tasks), http.MethodGet, "/api/v1/tasks?status=pending&limit=5&offset=10", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"total":42`)
		assert.Contains(t, rec.Body.String(), `"limit":5`)
		assert.Contains(t, rec.Body.String(), `"offset":10`)
		assert.Contains(t, rec.Body.String(), `"id":"t1"`)
	})
}

func TestGetTaskHandler(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		tasks := &fakeTasks{getTask: domain.Task{ID: "t1", TaskType: domain.TaskDiscover, Status: domain.TaskDone}}
		rec := doJSON(t, newTestRouter(tasks), http.MethodGet, "/api/v1/tasks/t1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"id":"t1"`)
	})

	t.Run("missing", func(t *testing.T) {
		rec := doJSON(t, newTestRouter(&fakeTasks{getErr: domain.ErrNotFound}), http.MethodGet, "/api/v1/tasks/nope", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), `"code":"NOT_FOUND"`)
	})
}

func TestRetryTaskHandler(t *testing.T) {
	t.Run("requeued", func(t *testing.T) {
		rec := doJSON(t, newTestRouter(&fakeTasks{}), http.MethodPost, "/api/v1/tasks/t1/retry", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"task_id":"t1"}`, rec.Body.String())
	})

	t.Run("only failed tasks retry", func(t *testing.T) {
		rec := doJSON(t, newTestRouter(&fakeTasks{retryErr: domain.ErrConflict}), http.MethodPost, "/api/v1/tasks/t1/retry", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), `"code":"CONFLICT"`)
	})
}

func TestBearerAuth(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("empty key disables the check", func(t *testing.T) {
		rec := httptest.NewRecorder()
		BearerAuth("")(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		BearerAuth("secret")(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), `"code":"UNAUTHORIZED"`)
	})

	t.Run("wrong token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		rec := httptest.NewRecorder()
		BearerAuth("secret")(next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token with lowercase scheme", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "bearer secret")
		rec := httptest.NewRecorder()
		BearerAuth("secret")(next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestRequestIDMiddleware(t *testing.T) {
	var gotHeader string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Request-Id")
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	RequestID()(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, gotHeader)
	assert.Equal(t, gotHeader, rec.Header().Get("X-Request-Id"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "given-id")
	rec = httptest.NewRecorder()
	RequestID()(next).ServeHTTP(rec, req)
	assert.Equal(t, "given-id", rec.Header().Get("X-Request-Id"))
}
