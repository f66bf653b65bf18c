package pipeline

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/blogger-intel/internal/adapter/observability"
	"github.com/fairyhunter13/blogger-intel/internal/domain"
)

// analysisRetryPriority is the priority of the text-only refusal retry task.
const analysisRetryPriority = 3

// Reconcile polls the provider for every in-flight batch and settles the
// tasks of batches that reached a terminal state.
func (p *Pipeline) Reconcile(ctx domain.Context) error {
	tasks, err := p.tasks.RunningAnalysis(ctx)
	if err != nil {
		return fmt.Errorf("op=pipeline.Reconcile: %w", err)
	}
	byBatch := map[string][]domain.Task{}
	for _, t := range tasks {
		byBatch[t.BatchID()] = append(byBatch[t.BatchID()], t)
	}
	for batchID, group := range byBatch {
		if batchID == "" {
			continue
		}
		info, err := p.ai.GetBatch(ctx, batchID)
		if err != nil {
			slog.Error("polling batch", slog.String("batch_id", batchID), slog.Any("error", err))
			continue
		}
		if info.Status.Pending() {
			continue
		}
		if info.Status == domain.BatchCompleted {
			p.settleCompleted(ctx, info, group)
			continue
		}
		// failed / expired / cancelled: requeue everything.
		slog.Warn("batch ended without results",
			slog.String("batch_id", batchID), slog.String("status", string(info.Status)))
		for _, t := range group {
			if err := p.tasks.MarkFailed(ctx, t.ID, "batch "+string(info.Status), true); err != nil {
				slog.Error("requeueing batch task", slog.String("task_id", t.ID), slog.Any("error", err))
			}
		}
	}
	return nil
}

// settleCompleted downloads the batch result files and applies one outcome
// per task. Results are keyed by blog id.
func (p *Pipeline) settleCompleted(ctx domain.Context, info domain.BatchInfo, group []domain.Task) {
	output, err := p.ai.FileContent(ctx, info.OutputFileID)
	if err != nil {
		slog.Error("downloading batch output",
			slog.String("batch_id", info.ID), slog.Any("error", err))
		return
	}
	outcomes := ParseOutput(output)

	if info.ErrorFileID != "" {
		errData, err := p.ai.FileContent(ctx, info.ErrorFileID)
		if err != nil {
			slog.Error("downloading batch error file",
				slog.String("batch_id", info.ID), slog.Any("error", err))
		} else {
			for _, id := range ParseErrorFile(errData) {
				if _, ok := outcomes[id]; !ok {
					outcomes[id] = Outcome{CustomID: id, Kind: OutcomeNone, Note: "provider error"}
				}
			}
		}
	}

	if info.Total != 0 && len(outcomes) != info.Total {
		slog.Warn("batch result count mismatch",
			slog.String("batch_id", info.ID),
			slog.Int("expected", info.Total),
			slog.Int("got", len(outcomes)))
	}

	for _, t := range group {
		if t.BlogID == nil {
			if err := p.tasks.MarkFailed(ctx, t.ID, "analysis task without blog_id", false); err != nil {
				slog.Error("failing blogless analysis task", slog.String("task_id", t.ID), slog.Any("error", err))
			}
			continue
		}
		o, ok := outcomes[*t.BlogID]
		if !ok {
			if err := p.tasks.MarkFailed(ctx, t.ID, "missing from batch output", true); err != nil {
				slog.Error("requeueing unanswered task", slog.String("task_id", t.ID), slog.Any("error", err))
			}
			continue
		}
		if err := p.applyOutcome(ctx, t, o); err != nil {
			slog.Error("applying batch outcome",
				slog.String("task_id", t.ID),
				slog.String("outcome", string(o.Kind)),
				slog.Any("error", err))
			if err := p.tasks.MarkFailed(ctx, t.ID, err.Error(), true); err != nil {
				slog.Error("requeueing task after outcome failure", slog.String("task_id", t.ID), slog.Any("error", err))
			}
			continue
		}
		observability.BatchOutcomesTotal.WithLabelValues(string(o.Kind)).Inc()
	}
	slog.Info("batch reconciled",
		slog.String("batch_id", info.ID),
		slog.Int("tasks", len(group)))
}

func (p *Pipeline) applyOutcome(ctx domain.Context, t domain.Task, o Outcome) error {
	blogID := *t.BlogID
	switch o.Kind {
	case OutcomeSuccess:
		return p.applySuccess(ctx, t, blogID, o)
	case OutcomeRefusal:
		return p.applyRefusal(ctx, t, blogID, o)
	default:
		slog.Warn("analysis produced no insights",
			slog.String("blog_id", blogID), slog.String("note", o.Note))
		if err := p.blogs.SetScrapeStatus(ctx, blogID, domain.ScrapeAIAnalyzed); err != nil {
			return err
		}
		return p.tasks.MarkDone(ctx, t.ID)
	}
}

// applySuccess persists insights, resolves taxonomy and generates the
// embedding. Taxonomy and embedding problems are logged, never fatal.
func (p *Pipeline) applySuccess(ctx domain.Context, t domain.Task, blogID string, o Outcome) error {
	if err := p.blogs.SaveInsights(ctx, blogID, o.Raw, o.Insights.Confidence, domain.ScrapeActive); err != nil {
		return err
	}
	if err := p.matcher.Apply(ctx, blogID, o.Insights); err != nil {
		slog.Warn("taxonomy matching failed", slog.String("blog_id", blogID), slog.Any("error", err))
	}
	if vec := p.embeds.Generate(ctx, blogID, o.Insights); vec != nil {
		if err := p.blogs.SetEmbedding(ctx, blogID, vec); err != nil {
			slog.Warn("storing embedding failed", slog.String("blog_id", blogID), slog.Any("error", err))
		}
	}
	return p.tasks.MarkDone(ctx, t.ID)
}

// applyRefusal stores the refusal reason. The first refusal schedules one
// text-only retry; a blog already marked refused settles as analyzed.
func (p *Pipeline) applyRefusal(ctx domain.Context, t domain.Task, blogID string, o Outcome) error {
	blog, err := p.blogs.Get(ctx, blogID)
	if err != nil {
		return err
	}
	reason, err := json.Marshal(map[string]string{"refusal_reason": o.Note})
	if err != nil {
		return err
	}
	if blog.ScrapeStatus == domain.ScrapeAIRefused {
		slog.Info("second refusal, giving up on images and insights",
			slog.String("blog_id", blogID))
		if err := p.blogs.SaveInsights(ctx, blogID, reason, 0, domain.ScrapeAIAnalyzed); err != nil {
			return err
		}
		return p.tasks.MarkDone(ctx, t.ID)
	}
	slog.Info("analysis refused, scheduling text-only retry",
		slog.String("blog_id", blogID), slog.String("reason", o.Note))
	if err := p.blogs.SaveInsights(ctx, blogID, reason, 0, domain.ScrapeAIRefused); err != nil {
		return err
	}
	if err := p.tasks.MarkDone(ctx, t.ID); err != nil {
		return err
	}
	// The retry can only be inserted once the current task is done, since a
	// live (blog, ai_analysis) task blocks CreateIfAbsent. A failed insert is
	// not fatal: the outcome already settled, so the task must not be requeued
	// against a finished batch.
	payload := map[string]any{domain.PayloadTextOnly: true}
	if _, err := p.tasks.CreateIfAbsent(ctx, &blogID, domain.TaskAIAnalysis, analysisRetryPriority, payload); err != nil {
		slog.Error("scheduling text-only retry",
			slog.String("blog_id", blogID), slog.Any("error", err))
	}
	return nil
}

// FailStale requeues running analysis tasks whose batch never settled.
func (p *Pipeline) FailStale(ctx domain.Context) error {
	n, err := p.tasks.FailStale(ctx, p.cfg.BatchStaleAfter)
	if err != nil {
		return fmt.Errorf("op=pipeline.FailStale: %w", err)
	}
	if n > 0 {
		slog.Warn("requeued stale analysis tasks", slog.Int("count", n))
	}
	return nil
}
