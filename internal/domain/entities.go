// Package domain holds the core entities, error taxonomy and ports of the
// blogger intelligence service.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrRateLimited  = errors.New("rate limited")
	ErrInternal     = errors.New("internal error")
)

// Scraper error taxonomy. Worker handlers translate these into task and blog
// transitions; anything not listed is treated as transient.
var (
	ErrPrivateAccount      = errors.New("private account")
	ErrUserNotFound        = errors.New("user not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTransient           = errors.New("transient upstream error")
)

// TaskType enumerates the kinds of background work.
type TaskType string

const (
	TaskFullScrape TaskType = "full_scrape"
	TaskAIAnalysis TaskType = "ai_analysis"
	TaskDiscover   TaskType = "discover"
)

// TaskStatus is the task lifecycle state. pending and running are working
// states; done and failed are terminal.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Terminal reports whether the status ends the task lifecycle.
func (s TaskStatus) Terminal() bool { return s == TaskDone || s == TaskFailed }

// Payload keys recognised across the queue.
const (
	PayloadBatchID      = "batch_id"
	PayloadHashtag      = "hashtag"
	PayloadMinFollowers = "min_followers"
	PayloadTextOnly     = "text_only"
)

// Task is a unit of background work with a DB-backed lifecycle.
// Lower Priority means higher priority.
type Task struct {
	ID           string         `json:"id"`
	BlogID       *string        `json:"blog_id"`
	TaskType     TaskType       `json:"task_type"`
	Status       TaskStatus     `json:"status"`
	Priority     int            `json:"priority"`
	Payload      map[string]any `json:"payload"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"max_attempts"`
	ErrorMessage string         `json:"error_message,omitempty"`
	NextRetryAt  *time.Time     `json:"next_retry_at,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// BatchID returns the AI batch the task was submitted under, if any.
func (t Task) BatchID() string {
	if t.Payload == nil {
		return ""
	}
	if v, ok := t.Payload[PayloadBatchID].(string); ok {
		return v
	}
	return ""
}

// TextOnly reports whether the task is a refusal retry that must omit images.
func (t Task) TextOnly() bool {
	if t.Payload == nil {
		return false
	}
	v, _ := t.Payload[PayloadTextOnly].(bool)
	return v
}

// ScrapeStatus enumerates blog lifecycle states.
type ScrapeStatus string

const (
	ScrapePending    ScrapeStatus = "pending"
	ScrapeScraping   ScrapeStatus = "scraping"
	ScrapeAnalyzing  ScrapeStatus = "analyzing"
	ScrapeActive     ScrapeStatus = "active"
	ScrapePrivate    ScrapeStatus = "private"
	ScrapeDeleted    ScrapeStatus = "deleted"
	ScrapeAIRefused  ScrapeStatus = "ai_refused"
	ScrapeAIAnalyzed ScrapeStatus = "ai_analyzed"
)

// Blog is an enriched blogger profile. (Platform, Username) is unique.
type Blog struct {
	ID               string
	Platform         string
	Username         string
	PlatformID       string
	Bio              string
	BioLinks         []BioLink
	FollowersCount   int
	FollowingCount   int
	MediaCount       int
	IsVerified       bool
	IsBusiness       bool
	BusinessCategory string
	AccountType      *int
	PublicEmail      string
	CityName         string
	AvatarURL        string

	ER            *float64
	ERReels       *float64
	ERTrend       string
	PostsPerWeek  *float64
	AvgReelsViews *int

	ScrapeStatus ScrapeStatus
	AIInsights   []byte // raw AIInsights JSON, nil until analysed
	AIConfidence *int
	AIAnalyzedAt *time.Time
	ScrapedAt    *time.Time
	Embedding    []float32 // 1536 dims, nil until generated
	CreatedAt    time.Time
}

// BioLink is one external link from the profile bio.
type BioLink struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	LinkType string `json:"link_type,omitempty"`
}

// Post is a scraped publication keyed by (BlogID, PlatformID).
type Post struct {
	BlogID             string
	PlatformID         string
	MediaType          int // 1=photo, 2=video, 8=album
	ProductType        string
	CaptionText        string
	Hashtags           []string
	Mentions           []string
	HasSponsorTag      bool
	SponsorBrands      []string
	LikeCount          int
	CommentCount       int
	PlayCount          *int
	EngagementRate     *float64
	ThumbnailURL       string
	TakenAt            time.Time
	VideoDuration      *float64
	Usertags           []string
	CommentsDisabled   bool
	Title              string
	CarouselMediaCount *int
	TopComments        []Comment
}

// Comment is one post comment kept for analysis.
type Comment struct {
	Username string `json:"username"`
	Text     string `json:"text"`
}

// Highlight is a scraped story highlight keyed by (BlogID, PlatformID).
type Highlight struct {
	BlogID             string
	PlatformID         string
	Title              string
	MediaCount         int
	CoverURL           string
	StoryMentions      []string
	StoryLocations     []string
	StoryLinks         []string
	StorySponsorTags   []string
	StoryHashtags      []string
	HasPaidPartnership bool
}

// Category is a node of the category tree. Top-level rows carry a machine
// Code; children carry a human Name only.
type Category struct {
	ID       string
	ParentID *string
	Code     string
	Name     string
}

// TagGroup scopes flat tags.
type TagGroup string

const (
	TagGroupContent      TagGroup = "content"
	TagGroupPersonal     TagGroup = "personal"
	TagGroupProfessional TagGroup = "professional"
	TagGroupCommercial   TagGroup = "commercial"
	TagGroupAudience     TagGroup = "audience"
	TagGroupMarketing    TagGroup = "marketing"
)

// Tag is a flat vocabulary entry.
type Tag struct {
	ID     string
	Name   string
	Group  TagGroup
	Status string // active | unconfirmed
}

// BlogCategory is a blog-category join row. At most one row per blog carries
// IsPrimary.
type BlogCategory struct {
	BlogID     string
	CategoryID string
	IsPrimary  bool
}

// BlogTag is a blog-tag join row.
type BlogTag struct {
	BlogID string
	TagID  string
}

// TaskFilter narrows List queries. Zero values mean no filter.
type TaskFilter struct {
	Status   TaskStatus
	TaskType TaskType
}

// TaskRepository is the task queue port. All task rows are mutated through it.
type TaskRepository interface {
	// CreateIfAbsent inserts a task unless a non-terminal task already exists
	// for (blogID, taskType). Returns the new id, or "" when skipped.
	CreateIfAbsent(ctx context.Context, blogID *string, taskType TaskType, priority int, payload map[string]any) (string, error)
	// ClaimBatch atomically moves up to limit eligible pending tasks to
	// running, ordered by priority then created_at. Sets started_at and
	// increments attempts.
	ClaimBatch(ctx context.Context, limit int) ([]Task, error)
	MarkDone(ctx context.Context, taskID string) error
	// MarkFailed re-queues with exponential backoff while attempts remain and
	// retry is requested; otherwise finalises the task as failed.
	MarkFailed(ctx context.Context, taskID string, errMsg string, retry bool) error
	Get(ctx context.Context, taskID string) (Task, error)
	List(ctx context.Context, f TaskFilter, limit, offset int) ([]Task, int, error)
	// Retry re-queues a failed task without resetting attempts.
	Retry(ctx context.Context, taskID string) error
	// RecoverStuck returns full_scrape/discover tasks running longer than
	// maxAge to pending, or to failed once attempts are exhausted.
	RecoverStuck(ctx context.Context, maxAge time.Duration) (int, error)
	// UnattachedAnalysis lists running ai_analysis tasks without a batch_id,
	// oldest first.
	UnattachedAnalysis(ctx context.Context, limit int) ([]Task, error)
	// RunningAnalysis lists running ai_analysis tasks that carry a batch_id.
	RunningAnalysis(ctx context.Context) ([]Task, error)
	SetBatchID(ctx context.Context, taskID, batchID string) error
	// FailStale marks running ai_analysis tasks started before the threshold
	// as failed with retry.
	FailStale(ctx context.Context, olderThan time.Duration) (int, error)
	CountByStatus(ctx context.Context, status TaskStatus) (int, error)
}

// BlogRepository persists blogs.
type BlogRepository interface {
	Create(ctx context.Context, platform, username string) (string, error)
	FindByUsername(ctx context.Context, platform, username string) (Blog, error)
	Get(ctx context.Context, id string) (Blog, error)
	// IsFresh reports whether the blog was scraped within the window.
	IsFresh(ctx context.Context, id string, window time.Duration) (bool, error)
	SetScrapeStatus(ctx context.Context, id string, status ScrapeStatus) error
	// UpdateScraped stores the scraped profile fields and derived metrics.
	UpdateScraped(ctx context.Context, id string, b Blog) error
	// SaveInsights stores the analysis output and flips the blog status.
	SaveInsights(ctx context.Context, id string, insights []byte, confidence int, status ScrapeStatus) error
	SetEmbedding(ctx context.Context, id string, vec []float32) error
	// MissingEmbeddings lists analysed blogs with insights but no vector.
	MissingEmbeddings(ctx context.Context, limit int) ([]Blog, error)
	// MissingTaxonomy lists analysed blogs with insights but no category rows.
	MissingTaxonomy(ctx context.Context, limit int) ([]Blog, error)
	// StaleActive lists active blogs scraped before the window, most followed
	// first.
	StaleActive(ctx context.Context, window time.Duration, limit int) ([]Blog, error)
	// StaleIDs lists blog ids scraped before the window regardless of status.
	StaleIDs(ctx context.Context, window time.Duration, limit int) ([]string, error)
	// DeletedIDs lists ids of blogs whose account disappeared upstream.
	DeletedIDs(ctx context.Context, limit int) ([]string, error)
	CountAll(ctx context.Context) (int, error)
	CountByStatus(ctx context.Context, status ScrapeStatus) (int, error)
}

// ContentRepository persists posts and highlights.
type ContentRepository interface {
	UpsertPosts(ctx context.Context, blogID string, posts []Post) error
	UpsertHighlights(ctx context.Context, blogID string, highlights []Highlight) error
	RecentPosts(ctx context.Context, blogID string, limit int) ([]Post, error)
	Highlights(ctx context.Context, blogID string) ([]Highlight, error)
}

// TaxonomyRepository loads the taxonomy and writes join rows.
type TaxonomyRepository interface {
	Categories(ctx context.Context) ([]Category, error)
	ActiveTags(ctx context.Context) ([]Tag, error)
	// ReplaceBlogCategories replaces the blog's category rows in one batch.
	ReplaceBlogCategories(ctx context.Context, blogID string, rows []BlogCategory) error
	ReplaceBlogTags(ctx context.Context, blogID string, rows []BlogTag) error
}

// ScrapedProfile is the normalised output of a scraping backend.
type ScrapedProfile struct {
	PlatformID       string
	Username         string
	FullName         string
	Biography        string
	BioLinks         []BioLink
	FollowerCount    int
	FollowingCount   int
	MediaCount       int
	IsVerified       bool
	IsBusiness       bool
	BusinessCategory string
	AccountType      *int
	PublicEmail      string
	CityName         string
	ProfilePicURL    string
	Medias           []Post
	Highlights       []Highlight
}

// CandidateUser is a discovery hit from a hashtag search.
type CandidateUser struct {
	PlatformID    string
	Username      string
	FullName      string
	Biography     string
	FollowerCount int
	MediaCount    int
	IsPrivate     bool
	IsVerified    bool
	IsBusiness    bool
}

// Scraper is the scraping backend port. Implementations fail with the typed
// scraper errors above.
type Scraper interface {
	ScrapeProfile(ctx context.Context, username string) (ScrapedProfile, error)
	Discover(ctx context.Context, hashtag string, minFollowers int) ([]CandidateUser, error)
}

// BatchStatus is the provider-reported batch state.
type BatchStatus string

const (
	BatchValidating BatchStatus = "validating"
	BatchInProgress BatchStatus = "in_progress"
	BatchFinalizing BatchStatus = "finalizing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchExpired    BatchStatus = "expired"
	BatchCancelled  BatchStatus = "cancelled"
)

// Pending reports whether the provider is still working on the batch.
func (s BatchStatus) Pending() bool {
	return s == BatchValidating || s == BatchInProgress || s == BatchFinalizing
}

// BatchInfo is the provider view of a batch.
type BatchInfo struct {
	ID           string
	Status       BatchStatus
	OutputFileID string
	ErrorFileID  string
	Total        int
	Completed    int
	Failed       int
}

// BatchAI is the asynchronous AI provider port: upload a request file, create
// a batch over it, poll it, and download result files.
type BatchAI interface {
	UploadFile(ctx context.Context, name string, data []byte) (string, error)
	CreateBatch(ctx context.Context, inputFileID string) (string, error)
	GetBatch(ctx context.Context, batchID string) (BatchInfo, error)
	FileContent(ctx context.Context, fileID string) ([]byte, error)
}

// Embedder produces fixed-length embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ImageStore is the object storage port for profile imagery.
type ImageStore interface {
	// Persist downloads the avatar and post thumbnails and re-uploads them
	// under stable paths. Returns the permanent avatar URL (or "") and a map
	// of post platform id to permanent URL.
	Persist(ctx context.Context, blogID, avatarURL string, posts []Post) (string, map[string]string, error)
	// DeleteBlogImages removes every stored object of the blog. Returns the
	// number of removed objects.
	DeleteBlogImages(ctx context.Context, blogID string) (int, error)
}

// Context is re-exported to keep port signatures terse in callers.
type Context = context.Context
