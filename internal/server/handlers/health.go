package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/iudanet/synceddb/pkg/api"
)

// ConnectionCounter reports the number of connected sync clients
type ConnectionCounter interface {
	Connections() int
}

// HealthHandler обрабатывает health check запросы
type HealthHandler struct {
	logger *slog.Logger
	peers  ConnectionCounter
}

// NewHealthHandler создает новый handler для health check
func NewHealthHandler(logger *slog.Logger, peers ConnectionCounter) *HealthHandler {
	return &HealthHandler{
		logger: logger,
		peers:  peers,
	}
}

// Health обрабатывает GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := api.HealthResponse{
		Status:      "ok",
		Connections: h.peers.Connections(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode health response", slog.Any("error", err))
	}
}
