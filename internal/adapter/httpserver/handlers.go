package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/blogger-intel/internal/domain"
	"github.com/fairyhunter13/blogger-intel/internal/usecase"
)

var validate = validator.New()

// Server bundles the HTTP handlers over the task service.
type Server struct {
	Svc usecase.TaskService
}

// NewServer constructs a Server.
func NewServer(svc usecase.TaskService) *Server { return &Server{Svc: svc} }

// HealthHandler reports service health and queue counters. Unauthenticated.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Svc.CheckHealth(r.Context()))
	}
}

type scrapeRequest struct {
	Usernames []string `json:"usernames" validate:"required,min=1,max=100"`
}

type scrapeResponse struct {
	Created int                   `json:"created"`
	Skipped int                   `json:"skipped"`
	Tasks   []usecase.ScrapeEntry `json:"tasks"`
}

// ScrapeHandler enqueues full_scrape tasks for a list of usernames.
func (s *Server) ScrapeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scrapeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrValidation), nil)
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrValidation, err), nil)
			return
		}
		entries, err := s.Svc.EnqueueScrape(r.Context(), req.Usernames)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp := scrapeResponse{Tasks: entries}
		for _, e := range entries {
			if e.Status == "created" {
				resp.Created++
			} else {
				resp.Skipped++
			}
		}
		LoggerFrom(r).Info("scrape tasks enqueued",
			"created", resp.Created, "skipped", resp.Skipped)
		writeJSON(w, http.StatusCreated, resp)
	}
}

type discoverRequest struct {
	Hashtag      string `json:"hashtag" validate:"required"`
	MinFollowers int    `json:"min_followers"`
}

// DiscoverHandler enqueues a hashtag discovery task.
func (s *Server) DiscoverHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req discoverRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrValidation), nil)
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrValidation, err), nil)
			return
		}
		taskID, hashtag, err := s.Svc.EnqueueDiscover(r.Context(), req.Hashtag, req.MinFollowers)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		body := map[string]any{"hashtag": hashtag}
		if taskID != "" {
			body["task_id"] = taskID
		}
		writeJSON(w, http.StatusCreated, body)
	}
}

// ListTasksHandler pages the queue with optional filters.
func (s *Server) ListTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := domain.TaskFilter{
			Status:   domain.TaskStatus(q.Get("status")),
			TaskType: domain.TaskType(q.Get("task_type")),
		}
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))
		tasks, total, err := s.Svc.ListTasks(r.Context(), f, limit, offset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if tasks == nil {
			tasks = []domain.Task{}
		}
		if limit <= 0 {
			limit = 20
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tasks":  tasks,
			"total":  total,
			"limit":  limit,
			"offset": offset,
		})
	}
}

// GetTaskHandler fetches one task by id.
func (s *Server) GetTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := s.Svc.GetTask(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

// RetryTaskHandler re-queues a failed task.
func (s *Server) RetryTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Svc.RetryTask(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_id": id})
	}
}
