package api

import (
	"net/http"

	"github.com/malwarebo/inboxflow/monitoring"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HealthHandler struct {
	health *monitoring.HealthService
}

func CreateHealthHandler(health *monitoring.HealthService) *HealthHandler {
	return &HealthHandler{health: health}
}

func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.health.GetHealth(r.Context())

	status := http.StatusOK
	if report.Status == monitoring.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// MetricsHandler exposes the Prometheus registry behind metrics.
func MetricsHandler(metrics *monitoring.Metrics) http.Handler {
	return promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})
}
