package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/pkg/runtime"
	"github.com/sandboxplatform/controlplane/pkg/workers"
)

// HealthHandler serves the unauthenticated liveness/readiness check.
type HealthHandler struct {
	runtime runtime.Adapter
	gauges  *workers.GaugeStore
	logger  *zap.Logger
}

// NewHealthHandler creates a new health handler. gauges is the metrics
// gauge refresher's store, read here for an O(1) fleet-wide summary instead
// of a live Docker call per sandbox.
func NewHealthHandler(rt runtime.Adapter, gauges *workers.GaugeStore, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{runtime: rt, gauges: gauges, logger: logger}
}

// Check handles GET /health. It reports the runtime's reachability but
// always returns 200 when the process itself is alive; callers that care
// about runtime health read the body. sandboxes_monitored and the average
// utilization figures come from the gauge store's last refresh, not a live
// Docker call.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := h.runtime.HealthCheck(r.Context()); err != nil {
		h.logger.Warn("runtime health check failed", zap.Error(err))
		status = "degraded"
	}

	resp := map[string]interface{}{"status": status}
	samples := h.gauges.Snapshot()
	resp["sandboxes_monitored"] = len(samples)
	if len(samples) > 0 {
		var cpuSum, memSum float64
		for _, s := range samples {
			cpuSum += s.CPUPercent
			memSum += s.MemoryPercent
		}
		resp["avg_cpu_percent"] = cpuSum / float64(len(samples))
		resp["avg_memory_percent"] = memSum / float64(len(samples))
	}

	respondJSON(w, http.StatusOK, resp)
}

// Ready handles GET /health/ready: 503 when the runtime is unreachable,
// since the process can accept connections but cannot provision anything.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.runtime.HealthCheck(r.Context()); err != nil {
		h.logger.Warn("readiness check: runtime unreachable", zap.Error(err))
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Live handles GET /health/live: 200 as long as the process is serving
// requests at all, independent of runtime reachability.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}
