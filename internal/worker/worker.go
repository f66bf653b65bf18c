// Package worker runs the polling loop that claims queued tasks and drives
// the per-type handlers with bounded parallelism.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/blogger-intel/internal/adapter/observability"
	"github.com/fairyhunter13/blogger-intel/internal/config"
	"github.com/fairyhunter13/blogger-intel/internal/domain"
)

// shutdownGrace bounds how long in-flight tasks may finish after a stop
// signal. Overrunning tasks stay running and the scheduler recovers them.
const shutdownGrace = 30 * time.Second

// Worker claims tasks and dispatches them to the handlers.
type Worker struct {
	cfg   config.Config
	tasks domain.TaskRepository
	h     *Handlers

	mu       sync.Mutex
	inFlight int
	wake     chan struct{}
}

// New constructs a Worker.
func New(cfg config.Config, tasks domain.TaskRepository, h *Handlers) *Worker {
	return &Worker{cfg: cfg, tasks: tasks, h: h, wake: make(chan struct{}, 1)}
}

// Run polls until ctx is cancelled. Each tick it claims up to the free slots
// and spawns one goroutine per claimed task.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("worker started",
		slog.Int("max_concurrent", w.cfg.WorkerMaxConcurrent),
		slog.Duration("poll_interval", w.cfg.WorkerPollInterval))
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			w.drain(&wg)
			return
		default:
		}

		free := w.freeSlots()
		if free > 0 {
			claimed, err := w.tasks.ClaimBatch(ctx, free)
			if err != nil {
				slog.Error("claiming tasks", slog.Any("error", err))
			}
			for _, t := range claimed {
				t := t
				observability.ClaimTask(string(t.TaskType))
				w.addInFlight(1)
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer w.finish(string(t.TaskType))
					w.h.Handle(ctx, t)
				}()
			}
		}

		select {
		case <-ctx.Done():
			w.drain(&wg)
			return
		case <-w.wake:
		case <-time.After(w.cfg.WorkerPollInterval):
		}
	}
}

func (w *Worker) freeSlots() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	free := w.cfg.WorkerMaxConcurrent - w.inFlight
	if free < 0 {
		free = 0
	}
	return free
}

func (w *Worker) addInFlight(d int) {
	w.mu.Lock()
	w.inFlight += d
	w.mu.Unlock()
}

func (w *Worker) finish(taskType string) {
	observability.ReleaseTask(taskType)
	w.addInFlight(-1)
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// drain waits up to the grace period for in-flight tasks.
func (w *Worker) drain(wg *sync.WaitGroup) {
	slog.Info("worker stopping, draining in-flight tasks")
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("worker drained")
	case <-time.After(shutdownGrace):
		slog.Warn("worker grace period elapsed, abandoning in-flight tasks")
	}
}
