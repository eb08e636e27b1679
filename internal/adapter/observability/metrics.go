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

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of test jobs accepted",
		},
		[]string{"target"},
	)
	JobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finished_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"status"},
	)
	JobsRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of failed jobs promoted back to pending",
		},
	)
	JobsOrphanedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_orphaned_total",
			Help: "Total number of jobs failed because their agent went silent",
		},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Test execution time from start to terminal status",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	GroupsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_groups_created_total",
			Help: "Total number of job groups opened by the scheduler",
		},
	)
	SchedulingQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduling_queue_depth",
			Help: "Group descriptors waiting in the priority queue",
		},
	)
	DispatchAssignmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_assignments_total",
			Help: "Total number of groups placed on an agent",
		},
	)
	DispatchRequeuesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_requeues_total",
			Help: "Total number of descriptors requeued because no agent had capacity",
		},
	)
	DispatchWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_wait_seconds",
			Help:    "Time from group creation to agent assignment",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900},
		},
	)

	AgentsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agents_by_status",
			Help: "Registered agents by reported status",
		},
		[]string{"status"},
	)

	EngineTickErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_tick_errors_total",
			Help: "Periodic engine passes that ended in an error",
		},
		[]string{"engine"},
	)
	EventsForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_events_forwarded_total",
			Help: "Lifecycle events forwarded to the external feed",
		},
		[]string{"kind"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsFinishedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(JobsOrphanedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(GroupsCreatedTotal)
	prometheus.MustRegister(SchedulingQueueDepth)
	prometheus.MustRegister(DispatchAssignmentsTotal)
	prometheus.MustRegister(DispatchRequeuesTotal)
	prometheus.MustRegister(DispatchWait)
	prometheus.MustRegister(AgentsByStatus)
	prometheus.MustRegister(EngineTickErrors)
	prometheus.MustRegister(EventsForwardedTotal)
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

func JobSubmitted(target string) {
	JobsSubmittedTotal.WithLabelValues(target).Inc()
}

// JobFinished records a terminal transition; execution time is observed only
// when the job actually ran.
func JobFinished(status string, execution time.Duration) {
	JobsFinishedTotal.WithLabelValues(status).Inc()
	if execution > 0 {
		JobDuration.WithLabelValues(status).Observe(execution.Seconds())
	}
}

func JobRetried() {
	JobsRetriedTotal.Inc()
}

// JobsOrphaned counts jobs failed by the liveness sweep. They also count as
// finished failures so the terminal totals stay complete.
func JobsOrphaned(n int) {
	for i := 0; i < n; i++ {
		JobsOrphanedTotal.Inc()
		JobsFinishedTotal.WithLabelValues("failed").Inc()
	}
}

func GroupScheduled() {
	GroupsCreatedTotal.Inc()
}

func GroupAssigned(waitingSince time.Time) {
	DispatchAssignmentsTotal.Inc()
	if !waitingSince.IsZero() {
		DispatchWait.Observe(time.Since(waitingSince).Seconds())
	}
}

func GroupRequeued() {
	DispatchRequeuesTotal.Inc()
}

func TickFailed(engine string) {
	EngineTickErrors.WithLabelValues(engine).Inc()
}

func EventForwarded(kind string) {
	EventsForwardedTotal.WithLabelValues(kind).Inc()
}
