package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fairyhunter13/blogger-intel/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/blogger-intel/internal/config"
	"github.com/fairyhunter13/blogger-intel/internal/domain"
	"github.com/fairyhunter13/blogger-intel/internal/embed"
	"github.com/fairyhunter13/blogger-intel/internal/match"
	"github.com/fairyhunter13/blogger-intel/internal/pipeline"
	"github.com/fairyhunter13/blogger-intel/internal/usecase"
)

const (
	stuckThreshold = 30 * time.Minute

	embeddingBackfillLimit = 50
	taxonomyBackfillLimit  = 50
	updateBatchLimit       = 100
	deletedImagesLimit     = 200
)

// Scheduler runs the periodic maintenance jobs on cron schedules in UTC.
type Scheduler struct {
	cfg     config.Config
	cron    *cron.Cron
	tasks   domain.TaskRepository
	blogs   domain.BlogRepository
	images  domain.ImageStore
	pipe    *pipeline.Pipeline
	matcher *match.Matcher
	embeds  *embed.Generator
	cleanup *postgres.CleanupService
}

// NewScheduler wires the job set.
func NewScheduler(cfg config.Config, tasks domain.TaskRepository, blogs domain.BlogRepository, images domain.ImageStore, pipe *pipeline.Pipeline, matcher *match.Matcher, embeds *embed.Generator, cleanup *postgres.CleanupService) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		tasks:   tasks,
		blogs:   blogs,
		images:  images,
		pipe:    pipe,
		matcher: matcher,
		embeds:  embeds,
		cleanup: cleanup,
	}
}

// Start registers the jobs and starts the cron loop. ctx bounds every run.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs := []struct {
		spec string
		name string
		run  func(context.Context) error
	}{
		{"@every 15m", "poll_batches", s.pollBatches},
		{"@every 10m", "recover_tasks", s.recoverTasks},
		{"@every 2h", "retry_stale_batches", s.pipe.FailStale},
		{"@every 1h", "retry_missing_embeddings", s.retryMissingEmbeddings},
		{"@every 2h", "retry_taxonomy_mappings", s.retryTaxonomyMappings},
		{"0 3 * * *", "schedule_updates", s.scheduleUpdates},
		{"0 4 * * 0", "cleanup", s.cleanupOrphans},
	}
	for _, j := range jobs {
		j := j
		if _, err := s.cron.AddFunc(j.spec, func() {
			start := time.Now()
			if err := j.run(ctx); err != nil {
				slog.Error("scheduled job failed", slog.String("job", j.name), slog.Any("error", err))
				return
			}
			slog.Debug("scheduled job finished",
				slog.String("job", j.name), slog.Duration("took", time.Since(start)))
		}); err != nil {
			return fmt.Errorf("op=scheduler.Start: job %s: %w", j.name, err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// pollBatches submits due analysis batches and reconciles finished ones.
func (s *Scheduler) pollBatches(ctx context.Context) error {
	if err := s.pipe.SubmitDue(ctx); err != nil {
		slog.Error("batch submission failed", slog.Any("error", err))
	}
	return s.pipe.Reconcile(ctx)
}

func (s *Scheduler) recoverTasks(ctx context.Context) error {
	n, err := s.tasks.RecoverStuck(ctx, stuckThreshold)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Warn("recovered stuck tasks", slog.Int("count", n))
	}
	return nil
}

// retryMissingEmbeddings rebuilds vectors for analysed blogs that lost or
// never got one. Each blog fails in isolation.
func (s *Scheduler) retryMissingEmbeddings(ctx context.Context) error {
	blogs, err := s.blogs.MissingEmbeddings(ctx, embeddingBackfillLimit)
	if err != nil {
		return err
	}
	for _, b := range blogs {
		ins, err := domain.ParseInsights(b.AIInsights)
		if err != nil {
			slog.Warn("stored insights unparseable, skipping embedding",
				slog.String("blog_id", b.ID), slog.Any("error", err))
			continue
		}
		vec := s.embeds.Generate(ctx, b.ID, ins)
		if vec == nil {
			continue
		}
		if err := s.blogs.SetEmbedding(ctx, b.ID, vec); err != nil {
			slog.Error("storing backfilled embedding",
				slog.String("blog_id", b.ID), slog.Any("error", err))
		}
	}
	return nil
}

// retryTaxonomyMappings re-applies the matcher to analysed blogs without
// category rows, typically after a taxonomy extension.
func (s *Scheduler) retryTaxonomyMappings(ctx context.Context) error {
	blogs, err := s.blogs.MissingTaxonomy(ctx, taxonomyBackfillLimit)
	if err != nil {
		return err
	}
	for _, b := range blogs {
		ins, err := domain.ParseInsights(b.AIInsights)
		if err != nil {
			slog.Warn("stored insights unparseable, skipping taxonomy",
				slog.String("blog_id", b.ID), slog.Any("error", err))
			continue
		}
		if err := s.matcher.Apply(ctx, b.ID, ins); err != nil {
			slog.Error("taxonomy backfill failed",
				slog.String("blog_id", b.ID), slog.Any("error", err))
		}
	}
	return nil
}

// scheduleUpdates re-queues the most followed active blogs not scraped for
// the update window at background priority.
func (s *Scheduler) scheduleUpdates(ctx context.Context) error {
	blogs, err := s.blogs.StaleActive(ctx, s.cfg.UpdateAfter, updateBatchLimit)
	if err != nil {
		return err
	}
	created := 0
	for _, b := range blogs {
		id := b.ID
		taskID, err := s.tasks.CreateIfAbsent(ctx, &id, domain.TaskFullScrape, usecase.PriorityUpdate, nil)
		if err != nil {
			return err
		}
		if taskID != "" {
			created++
		}
	}
	if created > 0 {
		slog.Info("scheduled profile updates", slog.Int("count", created))
	}
	return nil
}

// cleanupOrphans trims old terminal tasks and drops image objects of blogs
// whose account disappeared upstream.
func (s *Scheduler) cleanupOrphans(ctx context.Context) error {
	if err := s.cleanup.CleanupOldTasks(ctx); err != nil {
		slog.Error("task cleanup failed", slog.Any("error", err))
	}
	if s.images == nil {
		return nil
	}
	ids, err := s.blogs.DeletedIDs(ctx, deletedImagesLimit)
	if err != nil {
		return err
	}
	removed := 0
	for _, id := range ids {
		n, err := s.images.DeleteBlogImages(ctx, id)
		if err != nil {
			slog.Error("deleting blog images", slog.String("blog_id", id), slog.Any("error", err))
			continue
		}
		removed += n
	}
	if removed > 0 {
		slog.Info("removed orphaned images", slog.Int("objects", removed))
	}
	return nil
}
