// ==============================================================================
// METRICS - internal/metrics/metrics.go
// ==============================================================================
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upload kinds (low-cardinality label values).
const (
	KindResumable = "resumable"
	KindMultipart = "multipart"
	KindURL       = "url"
)

// Upload outcomes.
const (
	ResultOK         = "ok"
	ResultQuota      = "quota"
	ResultUpstream   = "upstream"
	ResultRolledBack = "rolled_back"
)

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing, so tests can pass nil.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	uploads        *prometheus.CounterVec
	uploadBytes    *prometheus.CounterVec
	chunks         *prometheus.CounterVec
	quotaRejected  *prometheus.CounterVec
	rollbackFailed prometheus.Counter
	driveDuration  *prometheus.HistogramVec
	namespace      string
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "sharedrive"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry:  reg,
		namespace: namespace,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upload", Name: "completed_total",
			Help: "Finished uploads by kind and outcome.",
		}, []string{"kind", "result"}),
		uploadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upload", Name: "bytes_total",
			Help: "Bytes stored by successful uploads.",
		}, []string{"kind"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upload", Name: "chunks_total",
			Help: "Resumable chunks by outcome (forwarded, deduplicated, rejected).",
		}, []string{"result"}),
		quotaRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "quota", Name: "rejections_total",
			Help: "Quota rejections by stage (admission, completion) and reason.",
		}, []string{"stage", "reason"}),
		rollbackFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "quota", Name: "rollback_failures_total",
			Help: "Compensating deletes that failed and left an orphaned object.",
		}),
		driveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "drive", Name: "call_duration_seconds",
			Help:    "Drive provider call latency.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"op", "result"}),
	}

	reg.MustRegister(
		m.httpRequests, m.httpDuration,
		m.uploads, m.uploadBytes, m.chunks,
		m.quotaRejected, m.rollbackFailed,
		m.driveDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveHTTP(route, method string, code int, dur time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

func (m *Metrics) ObserveUpload(kind, result string, bytes int64) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(kind, result).Inc()
	if result == ResultOK && bytes > 0 {
		m.uploadBytes.WithLabelValues(kind).Add(float64(bytes))
	}
}

func (m *Metrics) IncChunk(result string) {
	if m == nil {
		return
	}
	m.chunks.WithLabelValues(result).Inc()
}

// IncQuotaRejected counts a 402/413. stage is "admission" or "completion".
func (m *Metrics) IncQuotaRejected(stage, reason string) {
	if m == nil {
		return
	}
	m.quotaRejected.WithLabelValues(stage, reason).Inc()
}

func (m *Metrics) IncRollbackFailed() {
	if m == nil {
		return
	}
	m.rollbackFailed.Inc()
}

// TrackOpenSessions exposes the number of unexpired resumable sessions as
// reported by count at scrape time. Call it at most once.
func (m *Metrics) TrackOpenSessions(count func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: "upload", Name: "sessions_open",
		Help: "Resumable upload sessions that have not finished or expired.",
	}, func() float64 { return float64(count()) }))
}

func (m *Metrics) ObserveDrive(op, result string, dur time.Duration) {
	if m == nil {
		return
	}
	m.driveDuration.WithLabelValues(op, result).Observe(dur.Seconds())
}
