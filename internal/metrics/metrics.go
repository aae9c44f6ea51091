// Package metrics provides Prometheus instrumentation for the EVV pipeline.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carecommons",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carecommons",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ClockEventsTotal counts verified clock events by leg and state.
	ClockEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carecommons",
			Name:      "clock_events_total",
			Help:      "Total clock-in/clock-out events processed, by event and state.",
		},
		[]string{"event", "state"},
	)

	// ComplianceFlagsTotal counts non-compliant flags raised by type and state.
	ComplianceFlagsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carecommons",
			Name:      "compliance_flags_total",
			Help:      "Total compliance flags raised, by flag and state.",
		},
		[]string{"flag", "state"},
	)

	// ManualOverridesTotal counts supervisor overrides by state.
	ManualOverridesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carecommons",
			Name:      "manual_overrides_total",
			Help:      "Total supervisor manual overrides applied, by state.",
		},
		[]string{"state"},
	)

	// SubmissionsTotal counts aggregator submission attempts by vendor and result.
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carecommons",
			Name:      "submissions_total",
			Help:      "Total aggregator submission attempts, by vendor and result.",
		},
		[]string{"vendor", "result"},
	)

	// SubmissionRetriesTotal counts scheduled resubmissions by vendor.
	SubmissionRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carecommons",
			Name:      "submission_retries_total",
			Help:      "Total submissions scheduled for retry, by vendor.",
		},
		[]string{"vendor"},
	)

	// SubmissionDuration observes aggregator round-trip latency by vendor.
	SubmissionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carecommons",
			Name:      "submission_duration_seconds",
			Help:      "Aggregator submission round-trip time in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"vendor"},
	)

	// RecordsAwaitingSubmission tracks records due or retrying.
	RecordsAwaitingSubmission = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "carecommons",
			Name:      "records_awaiting_submission",
			Help:      "Number of completed records waiting to be filed with an aggregator.",
		},
	)

	// DeviceQueueDepth tracks pending items in the device-side offline queue.
	DeviceQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "carecommons",
			Name:      "device_queue_depth",
			Help:      "Number of events pending in the offline device queue.",
		},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "carecommons",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "carecommons", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "carecommons", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "carecommons", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "carecommons", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "carecommons", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "carecommons", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ClockEventsTotal,
		ComplianceFlagsTotal,
		ManualOverridesTotal,
		SubmissionsTotal,
		SubmissionRetriesTotal,
		SubmissionDuration,
		RecordsAwaitingSubmission,
		DeviceQueueDepth,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
