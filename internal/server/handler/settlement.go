package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/boxmeout/settlement/internal/domain"
	"github.com/boxmeout/settlement/internal/settlement"
)

// Settler defines the resolution and payout operations the handler needs.
type Settler interface {
	Resolve(ctx context.Context, marketID string, outcome domain.Outcome) (domain.SettlementRecord, error)
	TryResolveFromOracle(ctx context.Context, marketID string) (domain.SettlementRecord, error)
	ReResolve(ctx context.Context, marketID string, outcome domain.Outcome) (domain.SettlementRecord, error)
	Record(ctx context.Context, marketID string) (domain.SettlementRecord, error)
	Claim(ctx context.Context, userID, marketID string) (domain.Payout, error)
	CancelRefund(ctx context.Context, userID, marketID string) (settlement.Refund, error)
	Payout(ctx context.Context, marketID, userID string) (domain.Payout, error)
}

// RecordHistory lists every archived version of a market's record.
type RecordHistory interface {
	Records(ctx context.Context, marketID string) ([]domain.SettlementRecord, error)
}

// SettlementHandler serves resolution, claim and refund endpoints.
type SettlementHandler struct {
	settler Settler
	history RecordHistory
	logger  *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler. history may be nil when
// no archive is configured.
func NewSettlementHandler(settler Settler, history RecordHistory, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{settler: settler, history: history, logger: logHandler(logger, "settlement")}
}

type outcomeRequest struct {
	Outcome string `json:"outcome"`
}

// Resolve declares the winning outcome. An empty outcome asks the oracle
// once; without consensus the request is accepted and the oracle worker
// resolves the market later.
// POST /api/markets/{id}/resolve
func (h *SettlementHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := pathParam(r, "id")
	var (
		rec domain.SettlementRecord
		err error
	)
	if req.Outcome == "" {
		rec, err = h.settler.TryResolveFromOracle(r.Context(), id)
		if errors.Is(err, domain.ErrNoConsensus) {
			writeJSON(w, http.StatusAccepted, map[string]string{"market_id": id, "status": "awaiting_oracle"})
			return
		}
	} else {
		var outcome domain.Outcome
		outcome, err = domain.ParseOutcome(req.Outcome)
		if err == nil {
			rec, err = h.settler.Resolve(r.Context(), id, outcome)
		}
	}
	if err != nil {
		fail(w, r, h.logger, "resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ReResolve settles a disputed market again.
// POST /api/markets/{id}/re-resolve
func (h *SettlementHandler) ReResolve(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := domain.ParseOutcome(req.Outcome)
	if err != nil {
		fail(w, r, h.logger, "re-resolve", err)
		return
	}
	rec, err := h.settler.ReResolve(r.Context(), pathParam(r, "id"), outcome)
	if err != nil {
		fail(w, r, h.logger, "re-resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetRecord returns the current settlement record.
// GET /api/markets/{id}/settlement
func (h *SettlementHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.settler.Record(r.Context(), pathParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "get settlement", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListArchived returns every archived version of the record, oldest first.
// GET /api/markets/{id}/settlement/archive
func (h *SettlementHandler) ListArchived(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "no settlement archive configured")
		return
	}
	recs, err := h.history.Records(r.Context(), pathParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "list archived records", err)
		return
	}
	if recs == nil {
		recs = []domain.SettlementRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

// Claim pays the caller's winnings.
// POST /api/markets/{id}/claim
func (h *SettlementHandler) Claim(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	p, err := h.settler.Claim(r.Context(), userID, pathParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "claim", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Refund returns the caller's stake in a cancelled market.
// POST /api/markets/{id}/refund
func (h *SettlementHandler) Refund(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	ref, err := h.settler.CancelRefund(r.Context(), userID, pathParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "refund", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"refund": ref,
		"total":  ref.Total(),
	})
}

// MyPayout returns the caller's entry in the settlement record.
// GET /api/markets/{id}/payouts/me
func (h *SettlementHandler) MyPayout(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	p, err := h.settler.Payout(r.Context(), pathParam(r, "id"), userID)
	if err != nil {
		fail(w, r, h.logger, "get payout", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
