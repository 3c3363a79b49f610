package handler

import (
	"net/http"
	"time"
)

// StatusHandler serves the process mode and build information.
type StatusHandler struct {
	Mode    string
	Storage string
	started time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode, storage string) *StatusHandler {
	return &StatusHandler{Mode: mode, Storage: storage, started: time.Now()}
}

// GetStatus responds with the current mode, storage backend and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":    h.Mode,
		"storage": h.Storage,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	})
}
