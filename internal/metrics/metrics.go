// Package metrics holds the Prometheus collectors shared by the ledger,
// the lifecycle controller, the integrity auditor and the HTTP layer.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	wlRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wl_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	wlRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wl_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	wlLedgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wl_ledger_appends_total",
		Help: "Total provenance records appended by action.",
	}, []string{"action"})

	wlLedgerAppendFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wl_ledger_append_failures_total",
		Help: "Total failed provenance appends by reason.",
	}, []string{"reason"})

	wlLedgerVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wl_ledger_verifications_total",
		Help: "Total chain verifications by result.",
	}, []string{"result"})

	wlTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wl_transitions_total",
		Help: "Total lifecycle transition requests by event and outcome.",
	}, []string{"event", "outcome"})

	wlAuditRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wl_audit_runs_total",
		Help: "Total integrity audit sweeps by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		wlRequestsTotal.WithLabelValues(method, path, status).Inc()
		wlRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// Handler returns a Gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordLedgerAppend counts a successful append of the given action.
func RecordLedgerAppend(action string) {
	wlLedgerAppendsTotal.WithLabelValues(action).Inc()
}

// RecordLedgerAppendFailure counts a failed append. reason is one of
// "conflict", "unavailable" or "invalid".
func RecordLedgerAppendFailure(reason string) {
	wlLedgerAppendFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordVerification records the outcome of a chain verification.
func RecordVerification(valid bool) {
	if valid {
		wlLedgerVerificationsTotal.WithLabelValues("valid").Inc()
	} else {
		wlLedgerVerificationsTotal.WithLabelValues("broken").Inc()
	}
}

// RecordTransition records a lifecycle transition request.
func RecordTransition(event, outcome string) {
	wlTransitionsTotal.WithLabelValues(event, outcome).Inc()
}

// RecordAuditRun records an integrity sweep; broken is the number of chains
// that failed verification.
func RecordAuditRun(broken int) {
	if broken == 0 {
		wlAuditRunsTotal.WithLabelValues("clean").Inc()
	} else {
		wlAuditRunsTotal.WithLabelValues("broken").Inc()
	}
}
