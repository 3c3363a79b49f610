package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/boxmeout/settlement/internal/amm"
	"github.com/boxmeout/settlement/internal/domain"
)

// LiquidityEngine defines the AMM operations the handler needs.
type LiquidityEngine interface {
	Quote(ctx context.Context, marketID string, outcome domain.Outcome, amountIn decimal.Decimal) (domain.Quote, error)
	BuyShares(ctx context.Context, req amm.BuyRequest) (domain.Trade, error)
	SellShares(ctx context.Context, req amm.SellRequest) (domain.Trade, error)
	AddLiquidity(ctx context.Context, userID, marketID string, amount decimal.Decimal) (domain.LiquidityChange, error)
	RemoveLiquidity(ctx context.Context, userID, marketID string, lpTokens decimal.Decimal) (domain.LiquidityChange, error)
	Pool(ctx context.Context, marketID string) (amm.PoolState, error)
	Positions(ctx context.Context, marketID, userID string) ([]domain.Position, error)
	Trades(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error)
}

// AMMHandler serves trading and liquidity endpoints.
type AMMHandler struct {
	engine LiquidityEngine
	logger *slog.Logger
}

// NewAMMHandler creates an AMMHandler.
func NewAMMHandler(engine LiquidityEngine, logger *slog.Logger) *AMMHandler {
	return &AMMHandler{engine: engine, logger: logHandler(logger, "amm")}
}

// GetPool returns the pool reserves and implied odds.
// GET /api/markets/{id}/pool
func (h *AMMHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	ps, err := h.engine.Pool(r.Context(), pathParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "get pool", err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// Quote prices a buy without executing it.
// GET /api/markets/{id}/quote?outcome=YES&amount=10
func (h *AMMHandler) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	outcome, err := domain.ParseOutcome(q.Get("outcome"))
	if err != nil {
		fail(w, r, h.logger, "quote", err)
		return
	}
	amount, err := parseAmountField("amount", q.Get("amount"))
	if err != nil {
		fail(w, r, h.logger, "quote", err)
		return
	}
	quote, err := h.engine.Quote(r.Context(), pathParam(r, "id"), outcome, amount)
	if err != nil {
		fail(w, r, h.logger, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

type buyRequest struct {
	Outcome   string `json:"outcome"`
	Amount    string `json:"amount"`
	MinShares string `json:"min_shares"`
}

// Buy spends USDC on outcome shares.
// POST /api/markets/{id}/trades/buy
func (h *AMMHandler) Buy(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req buyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := domain.ParseOutcome(req.Outcome)
	if err != nil {
		fail(w, r, h.logger, "buy", err)
		return
	}
	amount, err := parseAmountField("amount", req.Amount)
	if err != nil {
		fail(w, r, h.logger, "buy", err)
		return
	}
	minShares, err := parseOptionalAmount(req.MinShares)
	if err != nil {
		fail(w, r, h.logger, "buy", err)
		return
	}
	t, err := h.engine.BuyShares(r.Context(), amm.BuyRequest{
		UserID:    userID,
		MarketID:  pathParam(r, "id"),
		Outcome:   outcome,
		Amount:    amount,
		MinShares: minShares,
	})
	if err != nil {
		fail(w, r, h.logger, "buy", err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

type sellRequest struct {
	Outcome   string `json:"outcome"`
	Shares    string `json:"shares"`
	MinPayout string `json:"min_payout"`
}

// Sell returns shares to the pool for USDC.
// POST /api/markets/{id}/trades/sell
func (h *AMMHandler) Sell(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req sellRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := domain.ParseOutcome(req.Outcome)
	if err != nil {
		fail(w, r, h.logger, "sell", err)
		return
	}
	shares, err := parseAmountField("shares", req.Shares)
	if err != nil {
		fail(w, r, h.logger, "sell", err)
		return
	}
	minPayout, err := parseOptionalAmount(req.MinPayout)
	if err != nil {
		fail(w, r, h.logger, "sell", err)
		return
	}
	t, err := h.engine.SellShares(r.Context(), amm.SellRequest{
		UserID:    userID,
		MarketID:  pathParam(r, "id"),
		Outcome:   outcome,
		Shares:    shares,
		MinPayout: minPayout,
	})
	if err != nil {
		fail(w, r, h.logger, "sell", err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// ListTrades returns the market's trades, newest first.
// GET /api/markets/{id}/trades
func (h *AMMHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.engine.Trades(r.Context(), pathParam(r, "id"), parseListOpts(r))
	if err != nil {
		fail(w, r, h.logger, "list trades", err)
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

type liquidityRequest struct {
	Amount   string `json:"amount"`
	LPTokens string `json:"lp_tokens"`
}

// AddLiquidity deposits USDC into the pool.
// POST /api/markets/{id}/liquidity/add
func (h *AMMHandler) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req liquidityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmountField("amount", req.Amount)
	if err != nil {
		fail(w, r, h.logger, "add liquidity", err)
		return
	}
	c, err := h.engine.AddLiquidity(r.Context(), userID, pathParam(r, "id"), amount)
	if err != nil {
		fail(w, r, h.logger, "add liquidity", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// RemoveLiquidity burns LP tokens for their share of the pool.
// POST /api/markets/{id}/liquidity/remove
func (h *AMMHandler) RemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req liquidityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tokens, err := parseAmountField("lp_tokens", req.LPTokens)
	if err != nil {
		fail(w, r, h.logger, "remove liquidity", err)
		return
	}
	c, err := h.engine.RemoveLiquidity(r.Context(), userID, pathParam(r, "id"), tokens)
	if err != nil {
		fail(w, r, h.logger, "remove liquidity", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// Positions returns the caller's share positions in the market.
// GET /api/markets/{id}/positions
func (h *AMMHandler) Positions(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	ps, err := h.engine.Positions(r.Context(), pathParam(r, "id"), userID)
	if err != nil {
		fail(w, r, h.logger, "list positions", err)
		return
	}
	if ps == nil {
		ps = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": ps})
}
