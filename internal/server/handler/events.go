package handler

import (
	"log/slog"
	"net/http"

	"github.com/boxmeout/settlement/internal/domain"
)

// EventHandler serves the audit trail of domain events.
type EventHandler struct {
	log    domain.EventLog
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(log domain.EventLog, logger *slog.Logger) *EventHandler {
	return &EventHandler{log: log, logger: logHandler(logger, "events")}
}

// ListEvents returns a market's events in occurrence order.
// GET /api/markets/{id}/events
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	events, err := h.log.List(r.Context(), pathParam(r, "id"), opts)
	if err != nil {
		fail(w, r, h.logger, "list events", err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}
