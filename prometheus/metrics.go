package prometheus

import (
	"strconv"
	"time"

	"caminv-service/pkg/config"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection lifecycle metrics
	ConnectionsCreatedCounter prometheus.Counter
	DisconnectCounter         prometheus.Counter

	// Token metrics
	TokensRefreshedCounter prometheus.Counter
	RefreshFailureCounter  *prometheus.CounterVec
	RevokeFailureCounter   prometheus.Counter

	// Database operation metrics
	DBOperationHistogram *prometheus.HistogramVec

	// Request metrics
	RequestDurationHistogram *prometheus.HistogramVec
	APIRequestCounter        *prometheus.CounterVec
	APIErrorCounter          *prometheus.CounterVec

	// Namespace prefix for metrics
	namespace string
)

// InitMetrics initializes all Prometheus metrics
func InitMetrics(cfg *config.Config) {
	namespace = cfg.Metrics.Prefix

	// Connection lifecycle metrics
	ConnectionsCreatedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_created_total",
		Help:      "Total number of merchant connections created",
	})

	DisconnectCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "disconnects_total",
		Help:      "Total number of merchant connections disconnected",
	})

	// Token metrics
	TokensRefreshedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_refreshed_total",
		Help:      "Total number of access tokens refreshed with the external authority",
	})

	RefreshFailureCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_failures_total",
			Help:      "Total number of failed token refresh attempts",
		},
		[]string{"reason"},
	)

	RevokeFailureCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "revoke_failures_total",
		Help:      "Total number of failed best-effort token revocations during disconnect",
	})

	// Database operation metrics
	DBOperationHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_operation_duration_seconds",
			Help:      "Duration of database operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Request metrics
	RequestDurationHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	APIRequestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "path"},
	)

	APIErrorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_errors_total",
			Help:      "Total number of API errors",
		},
		[]string{"method", "path", "status"},
	)
}

// MetricsMiddleware tracks request metrics
func MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			// Track API request count
			APIRequestCounter.With(prometheus.Labels{
				"method": c.Request().Method,
				"path":   c.Path(),
			}).Inc()

			// Process the request
			err := next(c)

			// Track request duration
			duration := time.Since(start).Seconds()
			status := c.Response().Status
			statusStr := strconv.Itoa(status)
			RequestDurationHistogram.With(prometheus.Labels{
				"method": c.Request().Method,
				"path":   c.Path(),
				"status": statusStr,
			}).Observe(duration)

			// Track errors
			if status >= 400 {
				APIErrorCounter.With(prometheus.Labels{
					"method": c.Request().Method,
					"path":   c.Path(),
					"status": statusStr,
				}).Inc()
			}

			return err
		}
	}
}

// HandlerFunc returns a HTTP handler for metrics endpoint
func HandlerFunc() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}

// TrackDBOperation returns a function that tracks database operation duration
func TrackDBOperation(operation string) func(time.Time) {
	return func(startTime time.Time) {
		if DBOperationHistogram == nil {
			return
		}
		duration := time.Since(startTime).Seconds()
		DBOperationHistogram.With(prometheus.Labels{
			"operation": operation,
		}).Observe(duration)
	}
}

// RecordConnectionCreated increments the connections-created counter
func RecordConnectionCreated() {
	if ConnectionsCreatedCounter != nil {
		ConnectionsCreatedCounter.Inc()
	}
}

// RecordDisconnect increments the disconnect counter
func RecordDisconnect() {
	if DisconnectCounter != nil {
		DisconnectCounter.Inc()
	}
}

// RecordTokenRefreshed increments the refreshed-tokens counter
func RecordTokenRefreshed() {
	if TokensRefreshedCounter != nil {
		TokensRefreshedCounter.Inc()
	}
}

// RecordRefreshFailure increments the refresh-failure counter with a reason
func RecordRefreshFailure(reason string) {
	if RefreshFailureCounter != nil {
		RefreshFailureCounter.With(prometheus.Labels{"reason": reason}).Inc()
	}
}

// RecordRevokeFailure increments the best-effort revoke failure counter
func RecordRevokeFailure() {
	if RevokeFailureCounter != nil {
		RevokeFailureCounter.Inc()
	}
}
