package handler

import (
	"encoding/json"
	"net/http"
	"time"
)

type HealthHandler struct {
	tracker Tracker
}

func NewHealthHandler(t Tracker) *HealthHandler {
	return &HealthHandler{tracker: t}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type ReadyResponse struct {
	Ready      bool      `json:"ready"`
	Running    bool      `json:"running"`
	Entities   int       `json:"entities"`
	ServerTime time.Time `json:"serverTime"`
}

// Readyz reports ready once a cycle has been applied.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	stats := h.tracker.Stats()
	status := http.StatusOK
	if !stats.Ready {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ReadyResponse{
		Ready:      stats.Ready,
		Running:    stats.Running,
		Entities:   stats.Entities,
		ServerTime: time.Now(),
	})
}
