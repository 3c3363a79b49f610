package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/boxmeout/settlement/internal/domain"
)

// CommitmentBook defines the commit-reveal operations the handler needs.
type CommitmentBook interface {
	Commit(ctx context.Context, userID, marketID, hash string, amount decimal.Decimal) (domain.Commitment, error)
	Reveal(ctx context.Context, userID, marketID string, outcome domain.Outcome, salt string) (domain.Commitment, error)
	Get(ctx context.Context, userID, marketID string) (domain.Commitment, error)
}

// CommitmentHandler serves the commit-reveal endpoints.
type CommitmentHandler struct {
	book   CommitmentBook
	logger *slog.Logger
}

// NewCommitmentHandler creates a CommitmentHandler.
func NewCommitmentHandler(book CommitmentBook, logger *slog.Logger) *CommitmentHandler {
	return &CommitmentHandler{book: book, logger: logHandler(logger, "commitment")}
}

type commitRequest struct {
	Hash   string `json:"commitment_hash"`
	Amount string `json:"amount"`
}

// Commit escrows amount behind a hidden prediction.
// POST /api/markets/{id}/commitments
func (h *CommitmentHandler) Commit(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req commitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmountField("amount", req.Amount)
	if err != nil {
		fail(w, r, h.logger, "commit", err)
		return
	}
	c, err := h.book.Commit(r.Context(), userID, pathParam(r, "id"), req.Hash, amount)
	if err != nil {
		fail(w, r, h.logger, "commit", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type revealRequest struct {
	Outcome string `json:"outcome"`
	Salt    string `json:"salt"`
}

// Reveal opens the caller's commitment.
// POST /api/markets/{id}/commitments/reveal
func (h *CommitmentHandler) Reveal(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req revealRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := domain.ParseOutcome(req.Outcome)
	if err != nil {
		fail(w, r, h.logger, "reveal", err)
		return
	}
	c, err := h.book.Reveal(r.Context(), userID, pathParam(r, "id"), outcome, req.Salt)
	if err != nil {
		fail(w, r, h.logger, "reveal", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Mine returns the caller's active commitment.
// GET /api/markets/{id}/commitments/me
func (h *CommitmentHandler) Mine(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	c, err := h.book.Get(r.Context(), userID, pathParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "get commitment", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
