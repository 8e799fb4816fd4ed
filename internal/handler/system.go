package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"sharedrive/pkg/logger"
)

// Check probes one dependency for readiness.
type Check func(ctx context.Context) error

// SystemHandler serves liveness and readiness probes.
type SystemHandler struct {
	checks    map[string]Check
	timeout   time.Duration
	logger    logger.Logger
	startTime time.Time
}

func NewSystemHandler(checks map[string]Check, log logger.Logger) *SystemHandler {
	return &SystemHandler{
		checks:    checks,
		timeout:   2 * time.Second,
		logger:    log,
		startTime: time.Now(),
	}
}

type ServiceStatus struct {
	ID        string `json:"id"`
	Status    string `json:"status"` // operational, degraded, outage
	LatencyMs int64  `json:"latency_ms"`
}

func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "sharedrive",
		"uptime_s":  int64(time.Since(h.startTime).Seconds()),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// Ready reports 503 when any dependency is down.
func (h *SystemHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, 0, len(h.checks))
	for id := range h.checks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	status := http.StatusOK
	services := make([]ServiceStatus, 0, len(ids))
	for _, id := range ids {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		start := time.Now()
		err := h.checks[id](ctx)
		cancel()

		s := ServiceStatus{ID: id, Status: "operational", LatencyMs: time.Since(start).Milliseconds()}
		if err != nil {
			s.Status = "outage"
			status = http.StatusServiceUnavailable
			h.logger.Error("Readiness check failed", map[string]interface{}{"service": id, "error": err.Error()})
		} else if s.LatencyMs > 200 {
			s.Status = "degraded"
		}
		services = append(services, s)
	}

	ready := "ready"
	if status != http.StatusOK {
		ready = "not ready"
	}
	respondJSON(w, status, map[string]interface{}{"status": ready, "services": services})
}
