package worker

import (
	"errors"
	"log/slog"

	"github.com/fairyhunter13/blogger-intel/internal/adapter/observability"
	"github.com/fairyhunter13/blogger-intel/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/blogger-intel/internal/adapter/scraper"
	"github.com/fairyhunter13/blogger-intel/internal/config"
	"github.com/fairyhunter13/blogger-intel/internal/domain"
	"github.com/fairyhunter13/blogger-intel/internal/usecase"
)

// minDiscoverMedia filters out near-empty discovered accounts.
const minDiscoverMedia = 5

// Handlers owns the per-type task execution. Every handler finalises its own
// task through the queue API; unexpected errors fail with retry.
type Handlers struct {
	cfg     config.Config
	tasks   domain.TaskRepository
	blogs   domain.BlogRepository
	content domain.ContentRepository
	scraper domain.Scraper
	images  domain.ImageStore
}

// NewHandlers constructs the handler set.
func NewHandlers(cfg config.Config, tasks domain.TaskRepository, blogs domain.BlogRepository, content domain.ContentRepository, sc domain.Scraper, images domain.ImageStore) *Handlers {
	return &Handlers{cfg: cfg, tasks: tasks, blogs: blogs, content: content, scraper: sc, images: images}
}

// Handle routes one claimed task to its handler.
func (h *Handlers) Handle(ctx domain.Context, t domain.Task) {
	switch t.TaskType {
	case domain.TaskFullScrape:
		h.handleFullScrape(ctx, t)
	case domain.TaskDiscover:
		h.handleDiscover(ctx, t)
	case domain.TaskAIAnalysis:
		// Accumulates: stays running without a batch_id until the batch
		// submitter picks it up.
		slog.Debug("analysis task accumulating", slog.String("task_id", t.ID))
	default:
		h.fail(ctx, t, "unknown task type "+string(t.TaskType), false)
	}
}

func (h *Handlers) done(ctx domain.Context, t domain.Task) {
	if err := h.tasks.MarkDone(ctx, t.ID); err != nil {
		slog.Error("marking task done", slog.String("task_id", t.ID), slog.Any("error", err))
		return
	}
	observability.CompleteTask(string(t.TaskType))
}

func (h *Handlers) fail(ctx domain.Context, t domain.Task, msg string, retry bool) {
	if err := h.tasks.MarkFailed(ctx, t.ID, msg, retry); err != nil {
		slog.Error("marking task failed", slog.String("task_id", t.ID), slog.Any("error", err))
		return
	}
	observability.FailTask(string(t.TaskType), retry)
}

// handleFullScrape scrapes one profile, derives metrics, persists content and
// imagery and chains the analysis task.
func (h *Handlers) handleFullScrape(ctx domain.Context, t domain.Task) {
	if t.BlogID == nil {
		h.fail(ctx, t, "scrape task without blog_id", false)
		return
	}
	blog, err := h.blogs.Get(ctx, *t.BlogID)
	if err != nil {
		h.fail(ctx, t, err.Error(), !errors.Is(err, domain.ErrNotFound))
		return
	}
	if err := h.blogs.SetScrapeStatus(ctx, blog.ID, domain.ScrapeScraping); err != nil {
		h.fail(ctx, t, err.Error(), true)
		return
	}

	profile, err := h.scraper.ScrapeProfile(ctx, blog.Username)
	if err != nil {
		h.scrapeError(ctx, t, blog.ID, err)
		return
	}

	posts := profile.Medias
	avatarURL := profile.ProfilePicURL
	if h.images != nil {
		persistedAvatar, postURLs, err := h.images.Persist(ctx, blog.ID, profile.ProfilePicURL, posts)
		if err != nil {
			// CDN URLs expire but a scrape with ephemeral links beats a retry.
			slog.Warn("persisting images failed, keeping source URLs",
				slog.String("blog_id", blog.ID), slog.Any("error", err))
		} else {
			if persistedAvatar != "" {
				avatarURL = persistedAvatar
			}
			for i := range posts {
				if u, ok := postURLs[posts[i].PlatformID]; ok {
					posts[i].ThumbnailURL = u
				}
			}
		}
	}

	updated := domain.Blog{
		PlatformID:       profile.PlatformID,
		Bio:              profile.Biography,
		BioLinks:         profile.BioLinks,
		FollowersCount:   profile.FollowerCount,
		FollowingCount:   profile.FollowingCount,
		MediaCount:       profile.MediaCount,
		IsVerified:       profile.IsVerified,
		IsBusiness:       profile.IsBusiness,
		BusinessCategory: profile.BusinessCategory,
		AccountType:      profile.AccountType,
		PublicEmail:      profile.PublicEmail,
		CityName:         profile.CityName,
		AvatarURL:        avatarURL,
		ER:               scraper.CalculateER(posts, profile.FollowerCount),
		ERReels:          scraper.CalculateER(scraper.Reels(posts), profile.FollowerCount),
		ERTrend:          scraper.CalculateERTrend(posts, profile.FollowerCount),
		PostsPerWeek:     scraper.CalculatePostsPerWeek(posts),
		AvgReelsViews:    scraper.CalculateAvgReelsViews(posts),
		ScrapeStatus:     domain.ScrapeAnalyzing,
	}
	if err := h.blogs.UpdateScraped(ctx, blog.ID, updated); err != nil {
		h.fail(ctx, t, err.Error(), true)
		return
	}
	if err := h.content.UpsertPosts(ctx, blog.ID, posts); err != nil {
		h.fail(ctx, t, err.Error(), true)
		return
	}
	if err := h.content.UpsertHighlights(ctx, blog.ID, profile.Highlights); err != nil {
		h.fail(ctx, t, err.Error(), true)
		return
	}

	blogID := blog.ID
	if _, err := h.tasks.CreateIfAbsent(ctx, &blogID, domain.TaskAIAnalysis, usecase.PriorityAnalysis, nil); err != nil {
		h.fail(ctx, t, err.Error(), true)
		return
	}
	h.done(ctx, t)
	slog.Info("profile scraped",
		slog.String("blog_id", blog.ID),
		slog.String("username", blog.Username),
		slog.Int("posts", len(posts)),
		slog.Int("followers", profile.FollowerCount))
}

// scrapeError translates the scraper error taxonomy into blog and task
// transitions.
func (h *Handlers) scrapeError(ctx domain.Context, t domain.Task, blogID string, err error) {
	msg := postgres.ScrubCredentials(err.Error())
	switch {
	case errors.Is(err, domain.ErrPrivateAccount):
		h.setStatus(ctx, blogID, domain.ScrapePrivate)
		h.done(ctx, t)
	case errors.Is(err, domain.ErrUserNotFound):
		h.setStatus(ctx, blogID, domain.ScrapeDeleted)
		h.done(ctx, t)
	case errors.Is(err, domain.ErrInsufficientBalance):
		h.fail(ctx, t, msg, false)
	default:
		// rate limits, transient upstream failures and everything unexpected
		h.fail(ctx, t, msg, true)
	}
}

func (h *Handlers) setStatus(ctx domain.Context, blogID string, status domain.ScrapeStatus) {
	if err := h.blogs.SetScrapeStatus(ctx, blogID, status); err != nil {
		slog.Error("setting blog status",
			slog.String("blog_id", blogID), slog.String("status", string(status)), slog.Any("error", err))
	}
}

// handleDiscover searches a hashtag and queues scrapes for unknown or stale
// public accounts above the follower floor.
func (h *Handlers) handleDiscover(ctx domain.Context, t domain.Task) {
	hashtag, _ := t.Payload[domain.PayloadHashtag].(string)
	if hashtag == "" {
		h.fail(ctx, t, "discover task without hashtag", false)
		return
	}
	minFollowers := payloadInt(t.Payload, domain.PayloadMinFollowers)

	candidates, err := h.scraper.Discover(ctx, hashtag, minFollowers)
	if err != nil {
		msg := postgres.ScrubCredentials(err.Error())
		h.fail(ctx, t, msg, !errors.Is(err, domain.ErrInsufficientBalance))
		return
	}

	created := 0
	for _, c := range candidates {
		if c.IsPrivate || c.FollowerCount < minFollowers || c.MediaCount < minDiscoverMedia {
			continue
		}
		blogID, err := h.findOrCreateBlog(ctx, c.Username)
		if err != nil {
			slog.Error("registering discovered blog",
				slog.String("username", c.Username), slog.Any("error", err))
			continue
		}
		fresh, err := h.blogs.IsFresh(ctx, blogID, h.cfg.UpdateAfter)
		if err != nil {
			slog.Error("freshness check", slog.String("blog_id", blogID), slog.Any("error", err))
			continue
		}
		if fresh {
			continue
		}
		taskID, err := h.tasks.CreateIfAbsent(ctx, &blogID, domain.TaskFullScrape, usecase.PriorityScrape, nil)
		if err != nil {
			slog.Error("queueing discovered scrape", slog.String("blog_id", blogID), slog.Any("error", err))
			continue
		}
		if taskID != "" {
			created++
		}
	}
	h.done(ctx, t)
	slog.Info("hashtag discovery finished",
		slog.String("hashtag", hashtag),
		slog.Int("candidates", len(candidates)),
		slog.Int("queued", created))
}

func (h *Handlers) findOrCreateBlog(ctx domain.Context, username string) (string, error) {
	blog, err := h.blogs.FindByUsername(ctx, usecase.Platform, username)
	if err == nil {
		return blog.ID, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}
	id, err := h.blogs.Create(ctx, usecase.Platform, username)
	if err == nil {
		return id, nil
	}
	if errors.Is(err, domain.ErrConflict) {
		blog, err := h.blogs.FindByUsername(ctx, usecase.Platform, username)
		if err != nil {
			return "", err
		}
		return blog.ID, nil
	}
	return "", err
}

// payloadInt reads a numeric payload value; JSON decoding yields float64.
func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
