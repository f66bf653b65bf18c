package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService trims terminal task rows past the retention period so the
// queue table stays small.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90 // default 90 days
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldTasks removes done/failed tasks completed before the cutoff.
func (s *CleanupService) CleanupOldTasks(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM tasks
		WHERE status IN ('done','failed') AND completed_at < $1
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.tasks: %w", err)
	}

	slog.Info("task cleanup completed",
		slog.Int64("deleted_tasks", tag.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)
	return nil
}
