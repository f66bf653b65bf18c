package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/blogger-intel/internal/config"
	"github.com/fairyhunter13/blogger-intel/internal/domain"
	"github.com/fairyhunter13/blogger-intel/internal/embed"
	"github.com/fairyhunter13/blogger-intel/internal/match"
)

type failedCall struct {
	msg   string
	retry bool
}

type createdCall struct {
	blogID   *string
	taskType domain.TaskType
	priority int
	payload  map[string]any
}

type fakeTasks struct {
	unattached []domain.Task
	running    []domain.Task

	done      map[string]bool
	failed    map[string]failedCall
	batchIDs  map[string]string
	created   []createdCall
	createErr error
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{
		done:     map[string]bool{},
		failed:   map[string]failedCall{},
		batchIDs: map[string]string{},
	}
}

func (f *fakeTasks) CreateIfAbsent(_ context.Context, blogID *string, taskType domain.TaskType, priority int, payload map[string]any) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, createdCall{blogID: blogID, taskType: taskType, priority: priority, payload: payload})
	return "new-task", nil
}

func (f *fakeTasks) ClaimBatch(context.Context, int) ([]domain.Task, error) { return nil, nil }

func (f *fakeTasks) MarkDone(_ context.Context, taskID string) error {
	f.done[taskID] = true
	return nil
}

func (f *fakeTasks) MarkFailed(_ context.Context, taskID string, msg string, retry bool) error {
	f.failed[taskID] = failedCall{msg: msg, retry: retry}
	return nil
}

func (f *fakeTasks) Get(context.Context, string) (domain.Task, error) { return domain.Task{}, nil }

func (f *fakeTasks) List(context.Context, domain.TaskFilter, int, int) ([]domain.Task, int, error) {
	return nil, 0, nil
}

func (f *fakeTasks) Retry(context.Context, string) error { return nil }

func (f *fakeTasks) RecoverStuck(context.Context, time.Duration) (int, error) { return 0, nil }

func (f *fakeTasks) UnattachedAnalysis(context.Context, int) ([]domain.Task, error) {
	return f.unattached, nil
}

func (f *fakeTasks) RunningAnalysis(context.Context) ([]domain.Task, error) { return f.running, nil }

func (f *fakeTasks) SetBatchID(_ context.Context, taskID, batchID string) error {
	f.batchIDs[taskID] = batchID
	return nil
}

func (f *fakeTasks) FailStale(context.Context, time.Duration) (int, error) { return 0, nil }

func (f *fakeTasks) CountByStatus(context.Context, domain.TaskStatus) (int, error) { return 0, nil }

type savedInsights struct {
	raw        []byte
	confidence int
	status     domain.ScrapeStatus
}

type fakeBlogs struct {
	blogs      map[string]domain.Blog
	insights   map[string]savedInsights
	statuses   map[string]domain.ScrapeStatus
	embeddings map[string][]float32
}

func newFakeBlogs(blogs ...domain.Blog) *fakeBlogs {
	f := &fakeBlogs{
		blogs:      map[string]domain.Blog{},
		insights:   map[string]savedInsights{},
		statuses:   map[string]domain.ScrapeStatus{},
		embeddings: map[string][]float32{},
	}
	for _, b := range blogs {
		f.blogs[b.ID] = b
	}
	return f
}

func (f *fakeBlogs) Create(context.Context, string, string) (string, error) { return "", nil }

func (f *fakeBlogs) FindByUsername(context.Context, string, string) (domain.Blog, error) {
	return domain.Blog{}, domain.ErrNotFound
}

func (f *fakeBlogs) Get(_ context.Context, id string) (domain.Blog, error) {
	b, ok := f.blogs[id]
	if !ok {
		return domain.Blog{}, domain.ErrNotFound
	}
	return b, nil
}

func (f *fakeBlogs) IsFresh(context.Context, string, time.Duration) (bool, error) {
	return false, nil
}

func (f *fakeBlogs) SetScrapeStatus(_ context.Context, id string, status domain.ScrapeStatus) error {
	f.statuses[id] = status
	return nil
}

func (f *fakeBlogs) UpdateScraped(context.Context, string, domain.Blog) error { return nil }

func (f *fakeBlogs) SaveInsights(_ context.Context, id string, raw []byte, confidence int, status domain.ScrapeStatus) error {
	f.insights[id] = savedInsights{raw: raw, confidence: confidence, status: status}
	f.statuses[id] = status
	return nil
}

func (f *fakeBlogs) SetEmbedding(_ context.Context, id string, vec []float32) error {
	f.embeddings[id] = vec
	return nil
}

func (f *fakeBlogs) MissingEmbeddings(context.Context, int) ([]domain.Blog, error) { return nil, nil }

func (f *fakeBlogs) MissingTaxonomy(context.Context, int) ([]domain.Blog, error) { return nil, nil }

func (f *fakeBlogs) StaleActive(context.Context, time.Duration, int) ([]domain.Blog, error) {
	return nil, nil
}

func (f *fakeBlogs) StaleIDs(context.Context, time.Duration, int) ([]string, error) {
	return nil, nil
}

func (f *fakeBlogs) DeletedIDs(context.Context, int) ([]string, error) { return nil, nil }

func (f *fakeBlogs) CountAll(context.Context) (int, error) { return 0, nil }

func (f *fakeBlogs) CountByStatus(context.Context, domain.ScrapeStatus) (int, error) {
	return 0, nil
}

type fakeContent struct{}

func (fakeContent) UpsertPosts(context.Context, string, []domain.Post) error { return nil }

func (fakeContent) UpsertHighlights(context.Context, string, []domain.Highlight) error { return nil }

func (fakeContent) RecentPosts(context.Context, string, int) ([]domain.Post, error) {
	return nil, nil
}

func (fakeContent) Highlights(context.Context, string) ([]domain.Highlight, error) {
	return nil, nil
}

type fakeBatchAI struct {
	uploaded map[string][]byte
	batches  map[string]domain.BatchInfo
	files    map[string][]byte
}

func newFakeBatchAI() *fakeBatchAI {
	return &fakeBatchAI{
		uploaded: map[string][]byte{},
		batches:  map[string]domain.BatchInfo{},
		files:    map[string][]byte{},
	}
}

func (f *fakeBatchAI) UploadFile(_ context.Context, name string, data []byte) (string, error) {
	f.uploaded[name] = data
	return "file-1", nil
}

func (f *fakeBatchAI) CreateBatch(context.Context, string) (string, error) { return "batch-1", nil }

func (f *fakeBatchAI) GetBatch(_ context.Context, id string) (domain.BatchInfo, error) {
	return f.batches[id], nil
}

func (f *fakeBatchAI) FileContent(_ context.Context, id string) ([]byte, error) {
	return f.files[id], nil
}

type fixedEmbedder struct{ vec []float32 }

func (f fixedEmbedder) Embed(context.Context, string) ([]float32, error) { return f.vec, nil }

type pipelineFixture struct {
	pipe  *Pipeline
	tasks *fakeTasks
	blogs *fakeBlogs
	ai    *fakeBatchAI
	tax   *fakeTaxonomy
}

type fakeTaxonomy struct {
	cats          []domain.Category
	gotCategories []domain.BlogCategory
	gotTags       []domain.BlogTag
}

func (f *fakeTaxonomy) Categories(context.Context) ([]domain.Category, error) { return f.cats, nil }

func (f *fakeTaxonomy) ActiveTags(context.Context) ([]domain.Tag, error) { return nil, nil }

func (f *fakeTaxonomy) ReplaceBlogCategories(_ context.Context, _ string, rows []domain.BlogCategory) error {
	f.gotCategories = rows
	return nil
}

func (f *fakeTaxonomy) ReplaceBlogTags(_ context.Context, _ string, rows []domain.BlogTag) error {
	f.gotTags = rows
	return nil
}

func newFixture(t *testing.T, blogs ...domain.Blog) *pipelineFixture {
	t.Helper()
	cfg := config.Config{
		AnalysisModel:  "gpt-4o-mini",
		BatchMaxImages: 2,
		BatchMinSize:   10,
		BatchMaxAge:    2 * time.Hour,
	}
	fx := &pipelineFixture{
		tasks: newFakeTasks(),
		blogs: newFakeBlogs(blogs...),
		ai:    newFakeBatchAI(),
		tax:   &fakeTaxonomy{cats: []domain.Category{{ID: "c-beauty", Code: "beauty", Name: "Красота"}}},
	}
	pipe, err := New(cfg, fx.tasks, fx.blogs, fakeContent{}, fx.ai,
		match.New(fx.tax), embed.NewGenerator(fixedEmbedder{vec: make([]float32, embed.Dimensions)}))
	require.NoError(t, err)
	fx.pipe = pipe
	return fx
}

func analysisTask(id, blogID string, started time.Time, batchID string) domain.Task {
	t := domain.Task{
		ID:        id,
		TaskType:  domain.TaskAIAnalysis,
		Status:    domain.TaskRunning,
		StartedAt: &started,
	}
	if blogID != "" {
		t.BlogID = &blogID
	}
	if batchID != "" {
		t.Payload = map[string]any{domain.PayloadBatchID: batchID}
	}
	return t
}

func TestSubmitDueBelowThreshold(t *testing.T) {
	fx := newFixture(t, domain.Blog{ID: "b1", Username: "one"})
	fx.tasks.unattached = []domain.Task{
		analysisTask("t1", "b1", time.Now().Add(-10*time.Minute), ""),
	}
	require.NoError(t, fx.pipe.SubmitDue(context.Background()))
	assert.Empty(t, fx.ai.uploaded)
	assert.Empty(t, fx.tasks.batchIDs)
}

func TestSubmitDueAgeTrigger(t *testing.T) {
	fx := newFixture(t,
		domain.Blog{ID: "b1", Username: "one"},
		domain.Blog{ID: "b2", Username: "two"},
	)
	fx.tasks.unattached = []domain.Task{
		analysisTask("t1", "b1", time.Now().Add(-3*time.Hour), ""),
		analysisTask("t2", "b2", time.Now().Add(-5*time.Minute), ""),
	}
	require.NoError(t, fx.pipe.SubmitDue(context.Background()))

	require.Len(t, fx.ai.uploaded, 1)
	assert.Equal(t, "batch-1", fx.tasks.batchIDs["t1"])
	assert.Equal(t, "batch-1", fx.tasks.batchIDs["t2"])

	for _, data := range fx.ai.uploaded {
		lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
		require.Len(t, lines, 2)
		var req struct {
			CustomID string `json:"custom_id"`
			URL      string `json:"url"`
		}
		require.NoError(t, json.Unmarshal(lines[0], &req))
		assert.Equal(t, "b1", req.CustomID)
		assert.Equal(t, "/v1/chat/completions", req.URL)
	}
}

func TestSubmitDueSizeTrigger(t *testing.T) {
	fx := newFixture(t)
	started := time.Now().Add(-time.Minute)
	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		fx.blogs.blogs["b"+id] = domain.Blog{ID: "b" + id, Username: "u" + id}
		fx.tasks.unattached = append(fx.tasks.unattached, analysisTask("t"+id, "b"+id, started, ""))
	}
	require.NoError(t, fx.pipe.SubmitDue(context.Background()))
	assert.Len(t, fx.tasks.batchIDs, 10)
}

func TestSubmitDueBloglessTaskFails(t *testing.T) {
	fx := newFixture(t, domain.Blog{ID: "b1", Username: "one"})
	fx.tasks.unattached = []domain.Task{
		analysisTask("t1", "", time.Now().Add(-3*time.Hour), ""),
		analysisTask("t2", "b1", time.Now().Add(-3*time.Hour), ""),
	}
	require.NoError(t, fx.pipe.SubmitDue(context.Background()))

	call, ok := fx.tasks.failed["t1"]
	require.True(t, ok)
	assert.False(t, call.retry)
	assert.Equal(t, "batch-1", fx.tasks.batchIDs["t2"])
	_, stamped := fx.tasks.batchIDs["t1"]
	assert.False(t, stamped)
}

func TestReconcilePendingBatchUntouched(t *testing.T) {
	fx := newFixture(t, domain.Blog{ID: "b1"})
	fx.tasks.running = []domain.Task{analysisTask("t1", "b1", time.Now(), "batch-1")}
	fx.ai.batches["batch-1"] = domain.BatchInfo{ID: "batch-1", Status: domain.BatchInProgress}

	require.NoError(t, fx.pipe.Reconcile(context.Background()))
	assert.Empty(t, fx.tasks.done)
	assert.Empty(t, fx.tasks.failed)
}

func TestReconcileSuccess(t *testing.T) {
	fx := newFixture(t, domain.Blog{ID: "b1", ScrapeStatus: domain.ScrapeAnalyzing})
	fx.tasks.running = []domain.Task{analysisTask("t1", "b1", time.Now(), "batch-1")}
	fx.ai.batches["batch-1"] = domain.BatchInfo{
		ID: "batch-1", Status: domain.BatchCompleted, OutputFileID: "out-1", Total: 1,
	}
	content := `{"confidence":4,"short_label":"Бьюти-блогер","content":{"primary_categories":["beauty"]}}`
	fx.ai.files["out-1"] = []byte(successLine("b1", content))

	require.NoError(t, fx.pipe.Reconcile(context.Background()))

	saved, ok := fx.blogs.insights["b1"]
	require.True(t, ok)
	assert.Equal(t, domain.ScrapeActive, saved.status)
	assert.Equal(t, 4, saved.confidence)
	assert.JSONEq(t, content, string(saved.raw))

	require.Len(t, fx.tax.gotCategories, 1)
	assert.Equal(t, "c-beauty", fx.tax.gotCategories[0].CategoryID)
	assert.True(t, fx.tax.gotCategories[0].IsPrimary)

	assert.Len(t, fx.blogs.embeddings["b1"], embed.Dimensions)
	assert.True(t, fx.tasks.done["t1"])
}

func TestReconcileFirstRefusalSchedulesTextOnlyRetry(t *testing.T) {
	fx := newFixture(t, domain.Blog{ID: "b1", ScrapeStatus: domain.ScrapeAnalyzing})
	fx.tasks.running = []domain.Task{analysisTask("t1", "b1", time.Now(), "batch-1")}
	fx.ai.batches["batch-1"] = domain.BatchInfo{
		ID: "batch-1", Status: domain.BatchCompleted, OutputFileID: "out-1", Total: 1,
	}
	fx.ai.files["out-1"] = []byte(`{"custom_id":"b1","response":{"status_code":200,"body":{"choices":[{"message":{"refusal":"cannot analyze"}}]}}}`)

	require.NoError(t, fx.pipe.Reconcile(context.Background()))

	saved := fx.blogs.insights["b1"]
	assert.Equal(t, domain.ScrapeAIRefused, saved.status)
	assert.Equal(t, 0, saved.confidence)
	assert.JSONEq(t, `{"refusal_reason":"cannot analyze"}`, string(saved.raw))
	assert.True(t, fx.tasks.done["t1"])

	require.Len(t, fx.tasks.created, 1)
	created := fx.tasks.created[0]
	assert.Equal(t, domain.TaskAIAnalysis, created.taskType)
	assert.Equal(t, analysisRetryPriority, created.priority)
	assert.Equal(t, map[string]any{domain.PayloadTextOnly: true}, created.payload)
	require.NotNil(t, created.blogID)
	assert.Equal(t, "b1", *created.blogID)
}

func TestReconcileRefusalRetryInsertFailureKeepsTaskSettled(t *testing.T) {
	fx := newFixture(t, domain.Blog{ID: "b1", ScrapeStatus: domain.ScrapeAnalyzing})
	fx.tasks.running = []domain.Task{analysisTask("t1", "b1", time.Now(), "batch-1")}
	fx.tasks.createErr = errors.New("connection refused")
	fx.ai.batches["batch-1"] = domain.BatchInfo{
		ID: "batch-1", Status: domain.BatchCompleted, OutputFileID: "out-1", Total: 1,
	}
	fx.ai.files["out-1"] = []byte(`{"custom_id":"b1","response":{"status_code":200,"body":{"choices":[{"message":{"refusal":"cannot analyze"}}]}}}`)

	require.NoError(t, fx.pipe.Reconcile(context.Background()))

	// The refusal outcome settled; the lost retry must not requeue the task
	// against the finished batch.
	assert.Equal(t, domain.ScrapeAIRefused, fx.blogs.insights["b1"].status)
	assert.True(t, fx.tasks.done["t1"])
	assert.Empty(t, fx.tasks.failed)
	assert.Empty(t, fx.tasks.created)
}

func TestReconcileSecondRefusalSettles(t *testing.T) {
	fx := newFixture(t, domain.Blog{ID: "b1", ScrapeStatus: domain.ScrapeAIRefused})
	fx.tasks.running = []domain.Task{analysisTask("t1", "b1", time.Now(), "batch-1")}
	fx.ai.batches["batch-1"] = domain.BatchInfo{
		ID: "batch-1", Status: domain.BatchCompleted, OutputFileID: "out-1", Total: 1,
	}
	fx.ai.files["out-1"] = []byte(`{"custom_id":"b1","response":{"status_code":200,"body":{"choices":[{"message":{"refusal":"still no"}}]}}}`)

	require.NoError(t, fx.pipe.Reconcile(context.Background()))

	assert.Equal(t, domain.ScrapeAIAnalyzed, fx.blogs.insights["b1"].status)
	assert.True(t, fx.tasks.done["t1"])
	assert.Empty(t, fx.tasks.created)
}

func TestReconcileNoneOutcome(t *testing.T) {
	fx := newFixture(t, domain.Blog{ID: "b1", ScrapeStatus: domain.ScrapeAnalyzing})
	fx.tasks.running = []domain.Task{analysisTask("t1", "b1", time.Now(), "batch-1")}
	fx.ai.batches["batch-1"] = domain.BatchInfo{
		ID: "batch-1", Status: domain.BatchCompleted, OutputFileID: "out-1", Total: 1,
	}
	fx.ai.files["out-1"] = []byte(`{"custom_id":"b1","response":{"status_code":500}}`)

	require.NoError(t, fx.pipe.Reconcile(context.Background()))

	assert.Equal(t, domain.ScrapeAIAnalyzed, fx.blogs.statuses["b1"])
	assert.Empty(t, fx.blogs.insights)
	assert.True(t, fx.tasks.done["t1"])
}

func TestReconcileErrorFileCoversMissingIDs(t *testing.T) {
	fx := newFixture(t, domain.Blog{ID: "b1", ScrapeStatus: domain.ScrapeAnalyzing})
	fx.tasks.running = []domain.Task{analysisTask("t1", "b1", time.Now(), "batch-1")}
	fx.ai.batches["batch-1"] = domain.BatchInfo{
		ID: "batch-1", Status: domain.BatchCompleted, OutputFileID: "out-1", ErrorFileID: "err-1", Total: 1,
	}
	fx.ai.files["out-1"] = []byte("")
	fx.ai.files["err-1"] = []byte(`{"custom_id":"b1","error":{"code":"server_error","message":"oops"}}`)

	require.NoError(t, fx.pipe.Reconcile(context.Background()))

	assert.Equal(t, domain.ScrapeAIAnalyzed, fx.blogs.statuses["b1"])
	assert.True(t, fx.tasks.done["t1"])
}

func TestReconcileMissingOutcomeRequeues(t *testing.T) {
	fx := newFixture(t, domain.Blog{ID: "b1"})
	fx.tasks.running = []domain.Task{analysisTask("t1", "b1", time.Now(), "batch-1")}
	fx.ai.batches["batch-1"] = domain.BatchInfo{
		ID: "batch-1", Status: domain.BatchCompleted, OutputFileID: "out-1", Total: 1,
	}
	fx.ai.files["out-1"] = []byte("")

	require.NoError(t, fx.pipe.Reconcile(context.Background()))

	call, ok := fx.tasks.failed["t1"]
	require.True(t, ok)
	assert.True(t, call.retry)
	assert.Equal(t, "missing from batch output", call.msg)
}

func TestReconcileDeadBatchRequeuesAll(t *testing.T) {
	fx := newFixture(t, domain.Blog{ID: "b1"}, domain.Blog{ID: "b2"})
	fx.tasks.running = []domain.Task{
		analysisTask("t1", "b1", time.Now(), "batch-1"),
		analysisTask("t2", "b2", time.Now(), "batch-1"),
	}
	fx.ai.batches["batch-1"] = domain.BatchInfo{ID: "batch-1", Status: domain.BatchExpired}

	require.NoError(t, fx.pipe.Reconcile(context.Background()))

	for _, id := range []string{"t1", "t2"} {
		call, ok := fx.tasks.failed[id]
		require.True(t, ok, id)
		assert.True(t, call.retry)
		assert.Equal(t, "batch expired", call.msg)
	}
}
