package handlers

import (
	"net/http"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
)

// MetricsHandler serves aggregate and per-sandbox metrics.
type MetricsHandler struct {
	manager *sandbox.Manager
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(manager *sandbox.Manager) *MetricsHandler {
	return &MetricsHandler{manager: manager}
}

func (h *MetricsHandler) Global(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.manager.Metrics(r.Context())
	if err != nil {
		WriteError(w, r, err, "Failed to compute metrics")
		return
	}
	WriteSuccess(w, http.StatusOK, metrics, "Global metrics retrieved successfully")
}

func (h *MetricsHandler) Sandbox(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.manager.SandboxMetrics(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, "Failed to compute metrics")
		return
	}
	WriteSuccess(w, http.StatusOK, metrics, "Sandbox metrics retrieved successfully")
}
