package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	TasksClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_claimed_total",
			Help: "Total number of tasks claimed by the worker",
		},
		[]string{"type"},
	)
	TasksRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasks_running",
			Help: "Number of tasks currently executing",
		},
		[]string{"type"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of tasks completed",
		},
		[]string{"type"},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of tasks failed",
		},
		[]string{"type", "retry"},
	)

	BatchesSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ai_batches_submitted_total",
			Help: "Total number of AI batches submitted",
		},
	)
	BatchOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_batch_outcomes_total",
			Help: "Total number of per-task AI batch outcomes",
		},
		[]string{"outcome"},
	)
	EmbeddingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embeddings_total",
			Help: "Total number of embedding generations by result",
		},
		[]string{"result"},
	)

	ScrapeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrape_requests_total",
			Help: "Total number of upstream scraper requests by result",
		},
		[]string{"operation", "result"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TasksClaimedTotal)
	prometheus.MustRegister(TasksRunning)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(BatchesSubmittedTotal)
	prometheus.MustRegister(BatchOutcomesTotal)
	prometheus.MustRegister(EmbeddingsTotal)
	prometheus.MustRegister(ScrapeRequestsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ClaimTask records a claim. TasksRunning tracks worker in-flight
// executions; ReleaseTask is its counterpart.
func ClaimTask(taskType string) {
	TasksClaimedTotal.WithLabelValues(taskType).Inc()
	TasksRunning.WithLabelValues(taskType).Inc()
}

func ReleaseTask(taskType string) {
	TasksRunning.WithLabelValues(taskType).Dec()
}

func CompleteTask(taskType string) {
	TasksCompletedTotal.WithLabelValues(taskType).Inc()
}

func FailTask(taskType string, retried bool) {
	label := "false"
	if retried {
		label = "true"
	}
	TasksFailedTotal.WithLabelValues(taskType, label).Inc()
}
