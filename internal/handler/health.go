package handler

import (
	"net/http"

	natsclient "github.com/capitalize-ai/recovery-companion/internal/nats"
	"github.com/capitalize-ai/recovery-companion/internal/resilience"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	natsClient *natsclient.Client
	breaker    *resilience.Breaker
}

// NewHealthHandler creates a new health handler. natsClient is nil when the
// in-memory store is used.
func NewHealthHandler(natsClient *natsclient.Client, breaker *resilience.Breaker) *HealthHandler {
	return &HealthHandler{
		natsClient: natsClient,
		breaker:    breaker,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready. An open breaker does not make the service
// unready: patients still get a safe error reply and escalation.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.natsClient != nil && !h.natsClient.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	body := map[string]any{"status": "ready"}
	if h.breaker != nil {
		body["upstream"] = h.breaker.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}
