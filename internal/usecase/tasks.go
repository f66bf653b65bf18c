// Package usecase holds the application services behind the HTTP surface.
package usecase

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fairyhunter13/blogger-intel/internal/domain"
)

// Task priorities. Lower runs first.
const (
	PriorityAnalysis = 3
	PriorityScrape   = 5
	PriorityUpdate   = 8
)

// Platform is the only platform currently scraped.
const Platform = "instagram"

const (
	maxUsernamesPerRequest = 100
	defaultMinFollowers    = 1000
	defaultListLimit       = 20
	maxListLimit           = 100
)

// ScrapeEntry is the per-username outcome of an enqueue request.
type ScrapeEntry struct {
	TaskID   string `json:"task_id,omitempty"`
	Username string `json:"username"`
	BlogID   string `json:"blog_id"`
	Status   string `json:"status"` // created | skipped
}

// Health is the service health snapshot.
type Health struct {
	Status            string `json:"status"`
	AccountsTotal     int    `json:"accounts_total"`
	AccountsAvailable int    `json:"accounts_available"`
	TasksRunning      int    `json:"tasks_running"`
	TasksPending      int    `json:"tasks_pending"`
}

// TaskService exposes queue operations to the HTTP surface.
type TaskService struct {
	Tasks           domain.TaskRepository
	Blogs           domain.BlogRepository
	FreshnessWindow time.Duration
}

// NewTaskService constructs a TaskService.
func NewTaskService(tasks domain.TaskRepository, blogs domain.BlogRepository, freshness time.Duration) TaskService {
	return TaskService{Tasks: tasks, Blogs: blogs, FreshnessWindow: freshness}
}

// NormalizeUsernames strips @ and whitespace, lowercases and dedupes while
// preserving order. Empty entries drop out.
func NormalizeUsernames(raw []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, u := range raw {
		u = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(u), "@"))
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// EnqueueScrape creates a full_scrape task per username, skipping blogs
// scraped within the freshness window and duplicates already queued.
func (s TaskService) EnqueueScrape(ctx domain.Context, usernames []string) ([]ScrapeEntry, error) {
	names := NormalizeUsernames(usernames)
	if len(names) == 0 || len(names) > maxUsernamesPerRequest {
		return nil, fmt.Errorf("%w: usernames must contain 1..%d entries", domain.ErrValidation, maxUsernamesPerRequest)
	}
	entries := make([]ScrapeEntry, 0, len(names))
	for _, name := range names {
		blogID, err := s.findOrCreateBlog(ctx, name)
		if err != nil {
			return nil, err
		}
		entry := ScrapeEntry{Username: name, BlogID: blogID, Status: "skipped"}
		fresh, err := s.Blogs.IsFresh(ctx, blogID, s.FreshnessWindow)
		if err != nil {
			return nil, err
		}
		if !fresh {
			taskID, err := s.Tasks.CreateIfAbsent(ctx, &blogID, domain.TaskFullScrape, PriorityScrape, nil)
			if err != nil {
				return nil, err
			}
			if taskID != "" {
				entry.TaskID = taskID
				entry.Status = "created"
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// findOrCreateBlog resolves the blog id, racing creators gracefully.
func (s TaskService) findOrCreateBlog(ctx domain.Context, username string) (string, error) {
	blog, err := s.Blogs.FindByUsername(ctx, Platform, username)
	if err == nil {
		return blog.ID, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}
	id, err := s.Blogs.Create(ctx, Platform, username)
	if err == nil {
		return id, nil
	}
	if errors.Is(err, domain.ErrConflict) {
		blog, err := s.Blogs.FindByUsername(ctx, Platform, username)
		if err != nil {
			return "", err
		}
		return blog.ID, nil
	}
	return "", err
}

// EnqueueDiscover queues a hashtag discovery task. Returns "" when an
// identical discovery is already queued.
func (s TaskService) EnqueueDiscover(ctx domain.Context, hashtag string, minFollowers int) (string, string, error) {
	hashtag = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(hashtag), "#"))
	if hashtag == "" {
		return "", "", fmt.Errorf("%w: hashtag is required", domain.ErrValidation)
	}
	if minFollowers <= 0 {
		minFollowers = defaultMinFollowers
	}
	payload := map[string]any{
		domain.PayloadHashtag:      hashtag,
		domain.PayloadMinFollowers: minFollowers,
	}
	taskID, err := s.Tasks.CreateIfAbsent(ctx, nil, domain.TaskDiscover, PriorityScrape, payload)
	if err != nil {
		return "", "", err
	}
	return taskID, hashtag, nil
}

// GetTask fetches one task.
func (s TaskService) GetTask(ctx domain.Context, id string) (domain.Task, error) {
	return s.Tasks.Get(ctx, id)
}

// ListTasks pages the queue with optional status/type filters.
func (s TaskService) ListTasks(ctx domain.Context, f domain.TaskFilter, limit, offset int) ([]domain.Task, int, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.Tasks.List(ctx, f, limit, offset)
}

// RetryTask re-queues a failed task.
func (s TaskService) RetryTask(ctx domain.Context, id string) error {
	return s.Tasks.Retry(ctx, id)
}

// CheckHealth reports queue and account counters. It never fails the probe;
// counter errors degrade the status instead.
func (s TaskService) CheckHealth(ctx domain.Context) Health {
	h := Health{Status: "ok"}
	var err error
	if h.AccountsTotal, err = s.Blogs.CountAll(ctx); err != nil {
		h.Status = "degraded"
	}
	if h.AccountsAvailable, err = s.Blogs.CountByStatus(ctx, domain.ScrapeActive); err != nil {
		h.Status = "degraded"
	}
	if h.TasksRunning, err = s.Tasks.CountByStatus(ctx, domain.TaskRunning); err != nil {
		h.Status = "degraded"
	}
	if h.TasksPending, err = s.Tasks.CountByStatus(ctx, domain.TaskPending); err != nil {
		h.Status = "degraded"
	}
	return h
}
