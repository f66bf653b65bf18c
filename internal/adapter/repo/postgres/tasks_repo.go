package postgres

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/blogger-intel/internal/domain"
)

// TaskRepo persists and claims queue tasks from PostgreSQL.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

const taskColumns = `id, blog_id, task_type, status, priority, COALESCE(payload,'{}'::jsonb), attempts, max_attempts, COALESCE(error_message,''), next_retry_at, started_at, completed_at, created_at`

// backoffBase is the first retry delay; each further attempt triples it
// (5m, 15m, 45m).
const backoffBase = 300 * time.Second

// BackoffDelay returns the retry delay after the given attempt count.
func BackoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := backoffBase
	for i := 1; i < attempts; i++ {
		d *= 3
	}
	return d
}

var credentialRe = regexp.MustCompile(`://[^:/@\s]+:[^@\s]+@`)

// ScrubCredentials removes embedded userinfo from URLs inside error text so
// DSNs never leak into the tasks table.
func ScrubCredentials(s string) string {
	return credentialRe.ReplaceAllString(s, "://***:***@")
}

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	var payload []byte
	if err := row.Scan(&t.ID, &t.BlogID, &t.TaskType, &t.Status, &t.Priority, &payload, &t.Attempts, &t.MaxAttempts, &t.ErrorMessage, &t.NextRetryAt, &t.StartedAt, &t.CompletedAt, &t.CreatedAt); err != nil {
		return domain.Task{}, err
	}
	if len(payload) > 0 && string(payload) != "{}" {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return domain.Task{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	return t, nil
}

// CreateIfAbsent inserts a pending task unless a non-terminal task already
// exists for (blogID, taskType). The WHERE NOT EXISTS guard is the fast path;
// the partial unique index (NULLS NOT DISTINCT, so NULL blog ids count too)
// closes the concurrent-insert race, with ON CONFLICT absorbing the loser.
func (r *TaskRepo) CreateIfAbsent(ctx domain.Context, blogID *string, taskType domain.TaskType, priority int, payload map[string]any) (string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.CreateIfAbsent")
	defer span.End()
	var pj []byte
	if payload != nil {
		var err error
		pj, err = json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("op=task.create: encode payload: %w", err)
		}
	} else {
		pj = []byte(`{}`)
	}
	id := uuid.New().String()
	q := `INSERT INTO tasks (id, blog_id, task_type, status, priority, payload, attempts, max_attempts, created_at)
SELECT $1, $2, $3, 'pending', $4, $5, 0, 3, now()
WHERE NOT EXISTS (
  SELECT 1 FROM tasks
  WHERE blog_id IS NOT DISTINCT FROM $2 AND task_type = $3 AND status IN ('pending','running')
)
ON CONFLICT DO NOTHING
RETURNING id`
	row := r.Pool.QueryRow(ctx, q, id, blogID, taskType, priority, pj)
	var got string
	if err := row.Scan(&got); err != nil {
		if err == pgx.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	return got, nil
}

// ClaimBatch atomically moves up to limit due pending tasks to running.
// SKIP LOCKED keeps concurrent claimers from ever returning the same row.
func (r *TaskRepo) ClaimBatch(ctx domain.Context, limit int) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ClaimBatch")
	defer span.End()
	if limit <= 0 {
		return nil, nil
	}
	q := `UPDATE tasks SET status='running', started_at=now(), attempts=attempts+1
WHERE id IN (
  SELECT id FROM tasks
  WHERE status='pending' AND (next_retry_at IS NULL OR next_retry_at <= now())
  ORDER BY priority ASC, created_at ASC
  LIMIT $1
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + taskColumns
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=task.claim: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.claim: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.claim: %w", err)
	}
	return out, nil
}

// MarkDone finalises a task as done.
func (r *TaskRepo) MarkDone(ctx domain.Context, taskID string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.MarkDone")
	defer span.End()
	q := `UPDATE tasks SET status='done', completed_at=now(), error_message=NULL, next_retry_at=NULL WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, taskID)
	if err != nil {
		return fmt.Errorf("op=task.done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.done: %w", domain.ErrNotFound)
	}
	return nil
}

// MarkFailed re-queues the task with backoff while attempts remain and retry
// is requested; otherwise it finalises the task as failed. Only running tasks
// transition: a task already settled as done or failed stays put, so late
// error paths cannot resurrect it. Error text is credential-scrubbed before
// it is stored.
func (r *TaskRepo) MarkFailed(ctx domain.Context, taskID string, errMsg string, retry bool) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.MarkFailed")
	defer span.End()
	msg := ScrubCredentials(errMsg)
	var attempts, maxAttempts int
	if err := r.Pool.QueryRow(ctx, `SELECT attempts, max_attempts FROM tasks WHERE id=$1`, taskID).Scan(&attempts, &maxAttempts); err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("op=task.fail: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=task.fail: %w", err)
	}
	if retry && attempts < maxAttempts {
		delay := BackoffDelay(attempts)
		q := `UPDATE tasks SET status='pending', error_message=$2, next_retry_at=now() + $3::interval, started_at=NULL WHERE id=$1 AND status='running'`
		if _, err := r.Pool.Exec(ctx, q, taskID, msg, delay.String()); err != nil {
			return fmt.Errorf("op=task.fail: %w", err)
		}
		return nil
	}
	q := `UPDATE tasks SET status='failed', error_message=$2, completed_at=now(), next_retry_at=NULL WHERE id=$1 AND status='running'`
	if _, err := r.Pool.Exec(ctx, q, taskID, msg); err != nil {
		return fmt.Errorf("op=task.fail: %w", err)
	}
	return nil
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx domain.Context, taskID string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID)
	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get: %w", err)
	}
	return t, nil
}

// List returns tasks matching the filter, newest first, plus the total count.
func (r *TaskRepo) List(ctx domain.Context, f domain.TaskFilter, limit, offset int) ([]domain.Task, int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.List")
	defer span.End()
	var conds []string
	var args []any
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status=$%d", len(args)))
	}
	if f.TaskType != "" {
		args = append(args, f.TaskType)
		conds = append(conds, fmt.Sprintf("task_type=$%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	var total int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=task.list: %w", err)
	}
	args = append(args, limit, offset)
	q := fmt.Sprintf(`SELECT %s FROM tasks%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, taskColumns, where, len(args)-1, len(args))
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("op=task.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=task.list: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=task.list: %w", err)
	}
	return out, total, nil
}

// Retry re-queues a failed task. Attempts are preserved so the next failure
// still counts against max_attempts.
func (r *TaskRepo) Retry(ctx domain.Context, taskID string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Retry")
	defer span.End()
	q := `UPDATE tasks SET status='pending', error_message=NULL, next_retry_at=NULL, started_at=NULL, completed_at=NULL WHERE id=$1 AND status='failed'`
	tag, err := r.Pool.Exec(ctx, q, taskID)
	if err != nil {
		return fmt.Errorf("op=task.retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var status string
		if err := r.Pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id=$1`, taskID).Scan(&status); err != nil {
			if err == pgx.ErrNoRows {
				return fmt.Errorf("op=task.retry: %w", domain.ErrNotFound)
			}
			return fmt.Errorf("op=task.retry: %w", err)
		}
		return fmt.Errorf("op=task.retry: status %s is not failed: %w", status, domain.ErrConflict)
	}
	return nil
}

// RecoverStuck returns long-running full_scrape and discover tasks to pending,
// or finalises them once attempts are exhausted. Analysis tasks are excluded:
// they legitimately stay running for the life of an AI batch and are covered
// by stale-batch recovery instead.
func (r *TaskRepo) RecoverStuck(ctx domain.Context, maxAge time.Duration) (int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.RecoverStuck")
	defer span.End()
	q := `UPDATE tasks SET
  status = CASE WHEN attempts < max_attempts THEN 'pending' ELSE 'failed' END,
  error_message = 'recovered from stuck running state',
  started_at = NULL,
  completed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE now() END
WHERE status='running' AND task_type IN ('full_scrape','discover') AND started_at < now() - $1::interval`
	tag, err := r.Pool.Exec(ctx, q, maxAge.String())
	if err != nil {
		return 0, fmt.Errorf("op=task.recover_stuck: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UnattachedAnalysis lists running ai_analysis tasks not yet assigned to a
// batch, oldest first.
func (r *TaskRepo) UnattachedAnalysis(ctx domain.Context, limit int) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.UnattachedAnalysis")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM tasks
WHERE status='running' AND task_type='ai_analysis' AND payload->>'batch_id' IS NULL
ORDER BY started_at ASC
LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=task.unattached: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.unattached: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.unattached: %w", err)
	}
	return out, nil
}

// RunningAnalysis lists running ai_analysis tasks that carry a batch_id.
func (r *TaskRepo) RunningAnalysis(ctx domain.Context) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.RunningAnalysis")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM tasks
WHERE status='running' AND task_type='ai_analysis' AND payload->>'batch_id' IS NOT NULL`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=task.running_analysis: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.running_analysis: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.running_analysis: %w", err)
	}
	return out, nil
}

// SetBatchID stamps payload.batch_id on a task after batch submission.
func (r *TaskRepo) SetBatchID(ctx domain.Context, taskID, batchID string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.SetBatchID")
	defer span.End()
	q := `UPDATE tasks SET payload = jsonb_set(COALESCE(payload,'{}'::jsonb), '{batch_id}', to_jsonb($2::text)) WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, taskID, batchID)
	if err != nil {
		return fmt.Errorf("op=task.set_batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.set_batch: %w", domain.ErrNotFound)
	}
	return nil
}

// FailStale marks batch-attached ai_analysis tasks that started before the
// threshold as failed with retry, so their blogs get re-queued.
func (r *TaskRepo) FailStale(ctx domain.Context, olderThan time.Duration) (int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.FailStale")
	defer span.End()
	q := `UPDATE tasks SET
  status = CASE WHEN attempts < max_attempts THEN 'pending' ELSE 'failed' END,
  error_message = 'ai batch did not complete in time',
  payload = payload - 'batch_id',
  started_at = NULL,
  next_retry_at = CASE WHEN attempts < max_attempts THEN now() ELSE NULL END,
  completed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE now() END
WHERE status='running' AND task_type='ai_analysis' AND started_at < now() - $1::interval`
	tag, err := r.Pool.Exec(ctx, q, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("op=task.fail_stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountByStatus counts tasks in the given status.
func (r *TaskRepo) CountByStatus(ctx domain.Context, status domain.TaskStatus) (int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.CountByStatus")
	defer span.End()
	var n int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE status=$1`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=task.count: %w", err)
	}
	return n, nil
}
