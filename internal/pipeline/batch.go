package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/blogger-intel/internal/adapter/observability"
	"github.com/fairyhunter13/blogger-intel/internal/config"
	"github.com/fairyhunter13/blogger-intel/internal/domain"
	"github.com/fairyhunter13/blogger-intel/internal/embed"
	"github.com/fairyhunter13/blogger-intel/internal/match"
)

// unattachedFetchLimit bounds one submission round.
const unattachedFetchLimit = 200

// recentPostsForPrompt is how many posts feed the prompt.
const recentPostsForPrompt = 12

// Pipeline drives AI batch submission and reconciliation over the task queue.
type Pipeline struct {
	cfg     config.Config
	tasks   domain.TaskRepository
	blogs   domain.BlogRepository
	content domain.ContentRepository
	ai      domain.BatchAI
	prompts *PromptBuilder
	matcher *match.Matcher
	embeds  *embed.Generator
}

// New wires the pipeline.
func New(cfg config.Config, tasks domain.TaskRepository, blogs domain.BlogRepository, content domain.ContentRepository, ai domain.BatchAI, matcher *match.Matcher, embeds *embed.Generator) (*Pipeline, error) {
	prompts, err := NewPromptBuilder(cfg.AnalysisModel, cfg.BatchMaxImages)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:     cfg,
		tasks:   tasks,
		blogs:   blogs,
		content: content,
		ai:      ai,
		prompts: prompts,
		matcher: matcher,
		embeds:  embeds,
	}, nil
}

// SubmitDue submits one batch when enough analysis tasks accumulated or the
// oldest waited past the max age. Requests are keyed by blog id.
func (p *Pipeline) SubmitDue(ctx domain.Context) error {
	tasks, err := p.tasks.UnattachedAnalysis(ctx, unattachedFetchLimit)
	if err != nil {
		return fmt.Errorf("op=pipeline.SubmitDue: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}
	if len(tasks) < p.cfg.BatchMinSize {
		oldest := oldestStart(tasks)
		if oldest.IsZero() || time.Since(oldest) < p.cfg.BatchMaxAge {
			slog.Debug("batch below threshold, waiting",
				slog.Int("tasks", len(tasks)), slog.Int("min_size", p.cfg.BatchMinSize))
			return nil
		}
	}

	var buf bytes.Buffer
	var submitted []domain.Task
	for _, t := range tasks {
		if t.BlogID == nil {
			if err := p.tasks.MarkFailed(ctx, t.ID, "analysis task without blog_id", false); err != nil {
				slog.Error("failing blogless analysis task", slog.String("task_id", t.ID), slog.Any("error", err))
			}
			continue
		}
		line, err := p.requestLine(ctx, t)
		if err != nil {
			slog.Warn("skipping task in batch", slog.String("task_id", t.ID), slog.Any("error", err))
			if err := p.tasks.MarkFailed(ctx, t.ID, err.Error(), true); err != nil {
				slog.Error("failing unbuildable analysis task", slog.String("task_id", t.ID), slog.Any("error", err))
			}
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
		submitted = append(submitted, t)
	}
	if len(submitted) == 0 {
		return nil
	}

	name := fmt.Sprintf("analysis-%s.jsonl", time.Now().UTC().Format("20060102-150405"))
	fileID, err := p.ai.UploadFile(ctx, name, buf.Bytes())
	if err != nil {
		return fmt.Errorf("op=pipeline.SubmitDue: upload: %w", err)
	}
	batchID, err := p.ai.CreateBatch(ctx, fileID)
	if err != nil {
		return fmt.Errorf("op=pipeline.SubmitDue: create batch: %w", err)
	}

	for _, t := range submitted {
		if err := p.tasks.SetBatchID(ctx, t.ID, batchID); err != nil {
			slog.Error("stamping batch id",
				slog.String("task_id", t.ID), slog.String("batch_id", batchID), slog.Any("error", err))
		}
	}
	observability.BatchesSubmittedTotal.Inc()
	slog.Info("AI batch submitted",
		slog.String("batch_id", batchID),
		slog.Int("tasks", len(submitted)))
	return nil
}

// requestLine loads the blog with its content and renders one JSONL request.
func (p *Pipeline) requestLine(ctx domain.Context, t domain.Task) ([]byte, error) {
	blog, err := p.blogs.Get(ctx, *t.BlogID)
	if err != nil {
		return nil, fmt.Errorf("load blog: %w", err)
	}
	posts, err := p.content.RecentPosts(ctx, blog.ID, recentPostsForPrompt)
	if err != nil {
		return nil, fmt.Errorf("load posts: %w", err)
	}
	highlights, err := p.content.Highlights(ctx, blog.ID)
	if err != nil {
		return nil, fmt.Errorf("load highlights: %w", err)
	}
	req := p.prompts.Request(blog.ID, blog, posts, highlights, t.TextOnly())
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return line, nil
}
