// Package metrics exposes the ash_* Prometheus metric families and the
// echo middleware that feeds the HTTP ones.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ash_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ash_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 1.0, 5.0, 30.0, 120.0},
		},
		[]string{"method", "path"},
	)

	SandboxesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ash_sandboxes",
			Help: "Sandboxes by pool state",
		},
		[]string{"state"},
	)

	SandboxCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ash_sandbox_create_duration_seconds",
			Help:    "Time to create a sandbox, spawn to bridge-ready",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
	)

	PoolEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ash_pool_evictions_total",
			Help: "Total sandbox evictions",
		},
	)

	PreWarmHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ash_prewarm_hits_total",
			Help: "Session creates served by a pre-warmed sandbox",
		},
	)

	ResumesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ash_resumes_total",
			Help: "Session resumes by path",
		},
		[]string{"path"},
	)

	TurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ash_turns_total",
			Help: "Message turns by outcome",
		},
		[]string{"outcome"},
	)

	RunnersHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ash_runners_healthy",
			Help: "Healthy runners registered with this coordinator",
		},
	)

	UsageTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ash_usage_tokens_total",
			Help: "Engine tokens by direction",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SandboxesByState,
		SandboxCreateDuration,
		PoolEvictionsTotal,
		PreWarmHitsTotal,
		ResumesTotal,
		TurnsTotal,
		RunnersHealthy,
		UsageTokensTotal,
	)
}

// Handler serves the Prometheus text exposition.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware counts and times requests by route pattern, not raw URL,
// so path cardinality stays bounded.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}

			HTTPRequestsTotal.WithLabelValues(c.Request().Method, c.Path(), strconv.Itoa(status)).Inc()
			HTTPRequestDuration.WithLabelValues(c.Request().Method, c.Path()).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
