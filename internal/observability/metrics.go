package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores the Prometheus collectors used by the worker and the ops
// HTTP surface. Task kinds label every dispatch series.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	tasksProcessedTotal   *prometheus.CounterVec
	tasksFailedTotal      *prometheus.CounterVec
	taskDuration          *prometheus.HistogramVec
	workerInflight        *prometheus.GaugeVec
	retriesScheduledTotal *prometheus.CounterVec
	tasksDeadTotal        *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ecommerce_worker",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ecommerce_worker",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		tasksProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ecommerce_worker",
				Name:      "tasks_processed_total",
				Help:      "Total number of tasks processed by kind and result.",
			},
			[]string{"kind", "result"},
		),
		tasksFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ecommerce_worker",
				Name:      "tasks_failed_total",
				Help:      "Total number of tasks that ended in a terminal failure.",
			},
			[]string{"kind", "reason"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ecommerce_worker",
				Name:      "task_duration_seconds",
				Help:      "Dispatch handler duration in seconds grouped by kind.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"kind"},
		),
		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "ecommerce_worker",
				Name:      "worker_inflight",
				Help:      "Current number of in-flight tasks grouped by kind.",
			},
			[]string{"kind"},
		),
		retriesScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ecommerce_worker",
				Name:      "retries_scheduled_total",
				Help:      "Total number of tasks scheduled for a delayed retry.",
			},
			[]string{"kind"},
		),
		tasksDeadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ecommerce_worker",
				Name:      "tasks_dead_total",
				Help:      "Total number of tasks routed to the dead-letter queue.",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.tasksProcessedTotal,
		m.tasksFailedTotal,
		m.taskDuration,
		m.workerInflight,
		m.retriesScheduledTotal,
		m.tasksDeadTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncTaskProcessed(kind string, result string) {
	if m == nil {
		return
	}
	m.tasksProcessedTotal.WithLabelValues(normalizeKind(kind), normalizeKind(result)).Inc()
}

func (m *Metrics) IncTaskFailed(kind string, reason string) {
	if m == nil {
		return
	}
	reasonLabel := strings.TrimSpace(strings.ToLower(reason))
	if reasonLabel == "" {
		reasonLabel = "unknown"
	}
	m.tasksFailedTotal.WithLabelValues(normalizeKind(kind), reasonLabel).Inc()
}

func (m *Metrics) ObserveTaskDuration(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.taskDuration.WithLabelValues(normalizeKind(kind)).Observe(seconds)
}

func (m *Metrics) IncWorkerInFlight(kind string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeKind(kind)).Inc()
}

func (m *Metrics) DecWorkerInFlight(kind string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeKind(kind)).Dec()
}

func (m *Metrics) IncRetryScheduled(kind string) {
	if m == nil {
		return
	}
	m.retriesScheduledTotal.WithLabelValues(normalizeKind(kind)).Inc()
}

func (m *Metrics) IncTaskDead(kind string) {
	if m == nil {
		return
	}
	m.tasksDeadTotal.WithLabelValues(normalizeKind(kind)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeKind(kind string) string {
	normalized := strings.ToLower(strings.TrimSpace(kind))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
