package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/boxmeout/settlement/internal/domain"
	"github.com/boxmeout/settlement/internal/registry"
)

// MarketLifecycle defines the lifecycle operations the market handler
// needs. It is declared locally so the handler package does not depend on
// the concrete coordinator.
type MarketLifecycle interface {
	Open(ctx context.Context, req registry.OpenRequest) (domain.Market, error)
	Close(ctx context.Context, marketID, callerID string) (domain.Market, error)
	Dispute(ctx context.Context, req registry.DisputeRequest) (domain.Market, error)
	Cancel(ctx context.Context, marketID, reason string) (domain.SettlementRecord, error)
}

// MarketReader reads markets.
type MarketReader interface {
	Get(ctx context.Context, marketID string) (domain.Market, error)
	List(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	lifecycle MarketLifecycle
	markets   MarketReader
	logger    *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(lifecycle MarketLifecycle, markets MarketReader, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		lifecycle: lifecycle,
		markets:   markets,
		logger:    logHandler(logger, "market"),
	}
}

type openMarketRequest struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Question  string    `json:"question"`
	Outcomes  [2]string `json:"outcomes"`
	ClosingAt time.Time `json:"closing_at"`
}

// OpenMarket creates a market owned by the caller.
// POST /api/markets
func (h *MarketHandler) OpenMarket(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req openMarketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := h.lifecycle.Open(r.Context(), registry.OpenRequest{
		ID:        req.ID,
		CreatorID: userID,
		Category:  req.Category,
		Question:  req.Question,
		Outcomes:  req.Outcomes,
		ClosingAt: req.ClosingAt,
	})
	if err != nil {
		fail(w, r, h.logger, "open market", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// ListMarkets returns markets with pagination, optionally filtered by a
// comma-separated status list.
// GET /api/markets?status=OPEN,CLOSED&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	f := domain.MarketFilter{ListOpts: opts}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := domain.MarketStatus(strings.ToUpper(strings.TrimSpace(s)))
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", s))
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}

	markets, err := h.markets.List(r.Context(), f)
	if err != nil {
		fail(w, r, h.logger, "list markets", err)
		return
	}
	if markets == nil {
		markets = []domain.Market{}
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: markets,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// CloseMarket ends trading. The caller must be the creator when closing
// before the scheduled time.
// POST /api/markets/{id}/close
func (h *MarketHandler) CloseMarket(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	m, err := h.lifecycle.Close(r.Context(), pathParam(r, "id"), userID)
	if err != nil {
		fail(w, r, h.logger, "close market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type disputeRequest struct {
	Reason      string `json:"reason"`
	EvidenceURL string `json:"evidence_url"`
}

// DisputeMarket challenges a resolution on behalf of the caller.
// POST /api/markets/{id}/disputes
func (h *MarketHandler) DisputeMarket(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req disputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	m, err := h.lifecycle.Dispute(r.Context(), registry.DisputeRequest{
		MarketID:    pathParam(r, "id"),
		UserID:      userID,
		Reason:      req.Reason,
		EvidenceURL: req.EvidenceURL,
	})
	if err != nil {
		fail(w, r, h.logger, "dispute market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelMarket withdraws an OPEN market and returns its refund record.
// POST /api/markets/{id}/cancel
func (h *MarketHandler) CancelMarket(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := h.lifecycle.Cancel(r.Context(), pathParam(r, "id"), req.Reason)
	if err != nil {
		fail(w, r, h.logger, "cancel market", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
