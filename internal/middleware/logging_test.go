package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharedrive/internal/metrics"
	"sharedrive/pkg/domain"
	"sharedrive/pkg/logger"
)

func TestLogging_FieldsAndRouteMetric(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter("test", logger.ParseLevel("debug"), &buf)
	m := metrics.New("test")

	r := mux.NewRouter()
	r.Use(CorrelationID)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(WithPrincipal(req.Context(), domain.Principal{Username: "alice"})))
		})
	})
	r.Use(NewLoggingMiddleware(log, m).Log)
	r.HandleFunc("/api/v1/drive/{folderId}", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/drive/abc", nil)
	req.Header.Set("X-Request-ID", "req-1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "HTTP Request", entry["message"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "alice", entry["username"])
	assert.EqualValues(t, http.StatusTeapot, entry["status"])

	assert.Equal(t, 1, testutil.CollectAndCount(m.Registry(), "test_http_requests_total"))
}

func TestRateLimiter(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skip("Redis not available")
	}
	defer rdb.Close()

	user := "ratelimit-test-" + time.Now().Format("150405.000000")
	rdb.Del(context.Background(), "ratelimit:user:"+user)

	rl := NewRateLimiter(rdb, 2, time.Minute, logger.NewNop())
	h := rl.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/drive", nil)
		req = req.WithContext(WithPrincipal(req.Context(), domain.Principal{Username: user}))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()

	rl := NewRateLimiter(rdb, 1, time.Minute, logger.NewNop())
	h := rl.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}
