package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveHTTP("/x", "GET", 200, time.Millisecond)
		m.ObserveUpload(KindResumable, ResultOK, 10)
		m.IncChunk("forwarded")
		m.IncQuotaRejected("admission", "limit")
		m.IncRollbackFailed()
		m.TrackOpenSessions(func() int { return 1 })
		m.ObserveDrive("get", "ok", time.Millisecond)
	})
}

func TestCounters(t *testing.T) {
	m := New("test")

	m.ObserveUpload(KindMultipart, ResultOK, 300)
	m.ObserveUpload(KindMultipart, ResultQuota, 300)
	m.IncRollbackFailed()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.uploads.WithLabelValues(KindMultipart, ResultOK)))
	assert.Equal(t, float64(300), testutil.ToFloat64(m.uploadBytes.WithLabelValues(KindMultipart)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.rollbackFailed))
}

func TestTrackOpenSessions_ReadsAtScrapeTime(t *testing.T) {
	m := New("test")
	open := 3
	m.TrackOpenSessions(func() int { return open })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "test_upload_sessions_open 3")

	open = 0
	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "test_upload_sessions_open 0")
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New("test")
	m.IncQuotaRejected("admission", "limit")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `test_quota_rejections_total{reason="limit",stage="admission"} 1`))
}
