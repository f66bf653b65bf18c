package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/blogger-intel/internal/domain"
)

type createdCall struct {
	blogID   *string
	taskType domain.TaskType
	priority int
	payload  map[string]any
}

type fakeTasks struct {
	created      []createdCall
	createReturn string
	createErr    error
	gotLimit     int
	gotOffset    int
	countErr     error
}

func (f *fakeTasks) CreateIfAbsent(_ context.Context, blogID *string, taskType domain.TaskType, priority int, payload map[string]any) (string, error) {
	f.created = append(f.created, createdCall{blogID: blogID, taskType: taskType, priority: priority, payload: payload})
	if f.createErr != nil {
		return "", f.createErr
	}
	if f.createReturn != "" {
		return f.createReturn, nil
	}
	return "task-1", nil
}

func (f *fakeTasks) ClaimBatch(context.Context, int) ([]domain.Task, error) { return nil, nil }

func (f *fakeTasks) MarkDone(context.Context, string) error { return nil }

func (f *fakeTasks) MarkFailed(context.Context, string, string, bool) error { return nil }

func (f *fakeTasks) Get(context.Context, string) (domain.Task, error) {
	return domain.Task{}, domain.ErrNotFound
}

func (f *fakeTasks) List(_ context.Context, _ domain.TaskFilter, limit, offset int) ([]domain.Task, int, error) {
	f.gotLimit, f.gotOffset = limit, offset
	return nil, 0, nil
}

func (f *fakeTasks) Retry(context.Context, string) error { return nil }

func (f *fakeTasks) RecoverStuck(context.Context, time.Duration) (int, error) { return 0, nil }

func (f *fakeTasks) UnattachedAnalysis(context.Context, int) ([]domain.Task, error) {
	return nil, nil
}

func (f *fakeTasks) RunningAnalysis(context.Context) ([]domain.Task, error) { return nil, nil }

func (f *fakeTasks) SetBatchID(context.Context, string, string) error { return nil }

func (f *fakeTasks) FailStale(context.Context, time.Duration) (int, error) { return 0, nil }

func (f *fakeTasks) CountByStatus(context.Context, domain.TaskStatus) (int, error) {
	return 2, f.countErr
}

type fakeBlogs struct {
	byUsername map[string]domain.Blog
	fresh      map[string]bool
	createErr  error
	countErr   error
}

func newFakeBlogs() *fakeBlogs {
	return &fakeBlogs{byUsername: map[string]domain.Blog{}, fresh: map[string]bool{}}
}

func (f *fakeBlogs) Create(_ context.Context, platform, username string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	id := username + "-id"
	f.byUsername[username] = domain.Blog{ID: id, Platform: platform, Username: username}
	return id, nil
}

func (f *fakeBlogs) FindByUsername(_ context.Context, _, username string) (domain.Blog, error) {
	b, ok := f.byUsername[username]
	if !ok {
		return domain.Blog{}, domain.ErrNotFound
	}
	return b, nil
}

func (f *fakeBlogs) Get(context.Context, string) (domain.Blog, error) {
	return domain.Blog{}, domain.ErrNotFound
}

func (f *fakeBlogs) IsFresh(_ context.Context, id string, _ time.Duration) (bool, error) {
	return f.fresh[id], nil
}

func (f *fakeBlogs) SetScrapeStatus(context.Context, string, domain.ScrapeStatus) error { return nil }

func (f *fakeBlogs) UpdateScraped(context.Context, string, domain.Blog) error { return nil }

func (f *fakeBlogs) SaveInsights(context.Context, string, []byte, int, domain.ScrapeStatus) error {
	return nil
}

func (f *fakeBlogs) SetEmbedding(context.Context, string, []float32) error { return nil }

func (f *fakeBlogs) MissingEmbeddings(context.Context, int) ([]domain.Blog, error) { return nil, nil }

func (f *fakeBlogs) MissingTaxonomy(context.Context, int) ([]domain.Blog, error) { return nil, nil }

func (f *fakeBlogs) StaleActive(context.Context, time.Duration, int) ([]domain.Blog, error) {
	return nil, nil
}

func (f *fakeBlogs) StaleIDs(context.Context, time.Duration, int) ([]string, error) {
	return nil, nil
}

func (f *fakeBlogs) DeletedIDs(context.Context, int) ([]string, error) { return nil, nil }

func (f *fakeBlogs) CountAll(context.Context) (int, error) { return 10, f.countErr }

func (f *fakeBlogs) CountByStatus(context.Context, domain.ScrapeStatus) (int, error) {
	return 7, f.countErr
}

func newService() (TaskService, *fakeTasks, *fakeBlogs) {
	tasks := &fakeTasks{}
	blogs := newFakeBlogs()
	return NewTaskService(tasks, blogs, 60*24*time.Hour), tasks, blogs
}

func TestNormalizeUsernames(t *testing.T) {
	got := NormalizeUsernames([]string{" @Aisha.KZ ", "aisha.kz", "", "  ", "@dana"})
	assert.Equal(t, []string{"aisha.kz", "dana"}, got)

	assert.Nil(t, NormalizeUsernames(nil))
	assert.Nil(t, NormalizeUsernames([]string{"@", " "}))
}

func TestEnqueueScrapeBounds(t *testing.T) {
	svc, _, _ := newService()

	_, err := svc.EnqueueScrape(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	many := make([]string, 101)
	for i := range many {
		many[i] = "user" + string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	_, err = svc.EnqueueScrape(context.Background(), many)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEnqueueScrapeCreatesAndSkips(t *testing.T) {
	svc, tasks, blogs := newService()
	blogs.byUsername["fresh"] = domain.Blog{ID: "fresh-id", Username: "fresh"}
	blogs.fresh["fresh-id"] = true

	entries, err := svc.EnqueueScrape(context.Background(), []string{"@NewUser", "fresh"})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "created", entries[0].Status)
	assert.Equal(t, "newuser", entries[0].Username)
	assert.Equal(t, "newuser-id", entries[0].BlogID)
	assert.Equal(t, "task-1", entries[0].TaskID)

	assert.Equal(t, "skipped", entries[1].Status)
	assert.Empty(t, entries[1].TaskID)

	require.Len(t, tasks.created, 1)
	assert.Equal(t, domain.TaskFullScrape, tasks.created[0].taskType)
	assert.Equal(t, PriorityScrape, tasks.created[0].priority)
}

func TestEnqueueScrapeDuplicateQueuedTask(t *testing.T) {
	svc, tasks, _ := newService()
	tasks.createReturn = "" // live task already queued

	entries, err := svc.EnqueueScrape(context.Background(), []string{"dana"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "skipped", entries[0].Status)
	assert.Empty(t, entries[0].TaskID)
}

func TestEnqueueScrapeCreateRace(t *testing.T) {
	svc, _, blogs := newService()
	blogs.createErr = domain.ErrConflict
	// The losing creator re-reads the row the winner inserted.
	blogs.byUsername["dana"] = domain.Blog{ID: "dana-id", Username: "dana"}

	entries, err := svc.EnqueueScrape(context.Background(), []string{"dana"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dana-id", entries[0].BlogID)
}

func TestEnqueueDiscover(t *testing.T) {
	svc, tasks, _ := newService()

	taskID, hashtag, err := svc.EnqueueDiscover(context.Background(), " #Almaty ", 0)
	require.NoError(t, err)
	assert.Equal(t, "task-1", taskID)
	assert.Equal(t, "almaty", hashtag)

	require.Len(t, tasks.created, 1)
	created := tasks.created[0]
	assert.Nil(t, created.blogID)
	assert.Equal(t, domain.TaskDiscover, created.taskType)
	assert.Equal(t, "almaty", created.payload[domain.PayloadHashtag])
	assert.Equal(t, 1000, created.payload[domain.PayloadMinFollowers])
}

func TestEnqueueDiscoverValidation(t *testing.T) {
	svc, _, _ := newService()
	_, _, err := svc.EnqueueDiscover(context.Background(), "  # ", 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestListTasksClampsPaging(t *testing.T) {
	svc, tasks, _ := newService()

	_, _, err := svc.ListTasks(context.Background(), domain.TaskFilter{}, 0, -5)
	require.NoError(t, err)
	assert.Equal(t, 20, tasks.gotLimit)
	assert.Equal(t, 0, tasks.gotOffset)

	_, _, err = svc.ListTasks(context.Background(), domain.TaskFilter{}, 500, 40)
	require.NoError(t, err)
	assert.Equal(t, 100, tasks.gotLimit)
	assert.Equal(t, 40, tasks.gotOffset)
}

func TestCheckHealth(t *testing.T) {
	svc, _, blogs := newService()

	h := svc.CheckHealth(context.Background())
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 10, h.AccountsTotal)
	assert.Equal(t, 7, h.AccountsAvailable)
	assert.Equal(t, 2, h.TasksRunning)
	assert.Equal(t, 2, h.TasksPending)

	blogs.countErr = errors.New("connection refused")
	h = svc.CheckHealth(context.Background())
	assert.Equal(t, "degraded", h.Status)
}
