package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apigate_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	UpstreamCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apigate_upstream_calls_total",
		Help: "Upstream provider calls by operation and status class",
	}, []string{"api", "operation", "status"})

	AuditWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apigate_audit_writes_total",
		Help: "Audit record writes by result (ok, failed, disabled)",
	}, []string{"api", "result"})

	AuditRowsPurged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apigate_audit_rows_purged_total",
		Help: "Audit rows removed by the retention sweeper",
	}, []string{"table"})

	RetentionSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apigate_retention_sweeps_total",
		Help: "Retention sweeps by result (ok, failed, skipped)",
	}, []string{"result"})
)
