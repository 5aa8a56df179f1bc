package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// HealthChecker serves /healthz (liveness) and /readyz (readiness).
// Readiness requires recovery to have finished and every registered
// dependency check to pass.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		checks:    make(map[string]CheckFunc),
	}
}

// SetReady marks recovery as complete (or not).
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// Register adds a named dependency check, e.g. "postgres" or "nats".
func (h *HealthChecker) Register(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Check runs every registered check and returns the failures by name.
func (h *HealthChecker) Check(ctx context.Context) map[string]string {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]CheckFunc, len(names))
	for i, name := range names {
		checks[i] = h.checks[name]
	}
	h.mu.RUnlock()

	failures := make(map[string]string)
	for i, check := range checks {
		if err := check(ctx); err != nil {
			failures[names[i]] = err.Error()
		}
	}
	return failures
}

// LivenessHandler returns 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns 200 when ready, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "recovering",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if failures := h.Check(ctx); len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "not_ready",
			"failures": failures,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
