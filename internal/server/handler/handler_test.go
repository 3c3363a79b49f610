package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boxmeout/settlement/internal/amm"
	"github.com/boxmeout/settlement/internal/domain"
	"github.com/boxmeout/settlement/internal/registry"
	"github.com/boxmeout/settlement/internal/server/middleware"
	"github.com/boxmeout/settlement/internal/settlement"
	"github.com/boxmeout/settlement/internal/store/memory"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// do routes req through a mux holding pattern, with Identity applied.
func do(pattern string, h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, h)
	rec := httptest.NewRecorder()
	middleware.Identity(mux).ServeHTTP(rec, req)
	return rec
}

func asUser(req *http.Request, user string) *http.Request {
	req.Header.Set(middleware.HeaderUserID, user)
	return req
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrInvalidAmount, http.StatusBadRequest},
		{&domain.TransitionError{MarketID: "m", Transition: "close", From: domain.MarketResolved}, http.StatusConflict},
		{domain.ErrAlreadyClaimed, http.StatusConflict},
		{domain.ErrSlippageExceeded, http.StatusUnprocessableEntity},
		{domain.ErrCommitmentMismatch, http.StatusUnprocessableEntity},
		{domain.ErrNotParticipant, http.StatusForbidden},
		{domain.ErrLedgerUnavailable, http.StatusServiceUnavailable},
		{domain.ErrLedgerRejected, http.StatusBadGateway},
		{domain.ErrOracleTimeout, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("settlement: op: %w", tc.err)
		assert.Equal(t, tc.want, statusFor(wrapped), tc.err.Error())
	}
}

type stubLifecycle struct {
	opened registry.OpenRequest
	err    error
}

func (s *stubLifecycle) Open(_ context.Context, req registry.OpenRequest) (domain.Market, error) {
	s.opened = req
	if s.err != nil {
		return domain.Market{}, s.err
	}
	return domain.Market{ID: "m1", CreatorID: req.CreatorID, Question: req.Question, Status: domain.MarketOpen}, nil
}

func (s *stubLifecycle) Close(_ context.Context, marketID, callerID string) (domain.Market, error) {
	return domain.Market{}, s.err
}

func (s *stubLifecycle) Dispute(_ context.Context, req registry.DisputeRequest) (domain.Market, error) {
	return domain.Market{ID: req.MarketID, Status: domain.MarketDisputed}, s.err
}

func (s *stubLifecycle) Cancel(_ context.Context, marketID, reason string) (domain.SettlementRecord, error) {
	return domain.SettlementRecord{MarketID: marketID, Kind: domain.RecordCancellation}, s.err
}

func TestOpenMarketUsesCaller(t *testing.T) {
	lc := &stubLifecycle{}
	h := NewMarketHandler(lc, memory.NewMarketStore(), discard)

	body := `{"question":"Will it rain?","closing_at":"2030-01-01T00:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/api/markets", strings.NewReader(body))

	rec := do("POST /api/markets", h.OpenMarket, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = asUser(httptest.NewRequest(http.MethodPost, "/api/markets", strings.NewReader(body)), "alice")
	rec = do("POST /api/markets", h.OpenMarket, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "alice", lc.opened.CreatorID)
	assert.Equal(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), lc.opened.ClosingAt.UTC())
	assert.Contains(t, rec.Body.String(), `"creator_id":"alice"`)
}

func TestOpenMarketRejectsUnknownFields(t *testing.T) {
	h := NewMarketHandler(&stubLifecycle{}, memory.NewMarketStore(), discard)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/markets",
		strings.NewReader(`{"question":"q","creator_id":"mallory"}`)), "alice")
	rec := do("POST /api/markets", h.OpenMarket, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMarketsFiltersStatus(t *testing.T) {
	store := memory.NewMarketStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, domain.Market{ID: "a", Status: domain.MarketOpen}))
	require.NoError(t, store.Create(ctx, domain.Market{ID: "b", Status: domain.MarketResolved}))
	h := NewMarketHandler(&stubLifecycle{}, store, discard)

	rec := do("GET /api/markets", h.ListMarkets, httptest.NewRequest(http.MethodGet, "/api/markets?status=resolved", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"b"`)
	assert.NotContains(t, rec.Body.String(), `"id":"a"`)

	rec = do("GET /api/markets", h.ListMarkets, httptest.NewRequest(http.MethodGet, "/api/markets?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMarketNotFound(t *testing.T) {
	h := NewMarketHandler(&stubLifecycle{}, memory.NewMarketStore(), discard)
	rec := do("GET /api/markets/{id}", h.GetMarket, httptest.NewRequest(http.MethodGet, "/api/markets/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDisputeNeedsReason(t *testing.T) {
	lc := &stubLifecycle{}
	h := NewMarketHandler(lc, memory.NewMarketStore(), discard)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/markets/m1/disputes", strings.NewReader(`{}`)), "bob")
	rec := do("POST /api/markets/{id}/disputes", h.DisputeMarket, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	lc.err = fmt.Errorf("registry: dispute: %w", domain.ErrNotParticipant)
	req = asUser(httptest.NewRequest(http.MethodPost, "/api/markets/m1/disputes",
		strings.NewReader(`{"reason":"wrong"}`)), "bob")
	rec = do("POST /api/markets/{id}/disputes", h.DisputeMarket, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

type stubEngine struct {
	LiquidityEngine
	buy amm.BuyRequest
	err error
}

func (s *stubEngine) BuyShares(_ context.Context, req amm.BuyRequest) (domain.Trade, error) {
	s.buy = req
	return domain.Trade{ID: "t1", MarketID: req.MarketID, UserID: req.UserID}, s.err
}

func TestBuyParsesRequest(t *testing.T) {
	eng := &stubEngine{}
	h := NewAMMHandler(eng, discard)

	req := asUser(httptest.NewRequest(http.MethodPost, "/api/markets/m1/trades/buy",
		strings.NewReader(`{"outcome":"YES","amount":"10.5","min_shares":"9"}`)), "alice")
	rec := do("POST /api/markets/{id}/trades/buy", h.Buy, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "m1", eng.buy.MarketID)
	assert.Equal(t, domain.OutcomeYes, eng.buy.Outcome)
	assert.True(t, decimal.RequireFromString("10.5").Equal(eng.buy.Amount))
	assert.True(t, decimal.NewFromInt(9).Equal(eng.buy.MinShares))
}

func TestBuyValidation(t *testing.T) {
	h := NewAMMHandler(&stubEngine{}, discard)
	for _, body := range []string{
		`{"outcome":"MAYBE","amount":"1"}`,
		`{"outcome":"YES"}`,
		`{"outcome":"YES","amount":"0.0000001"}`,
	} {
		req := asUser(httptest.NewRequest(http.MethodPost, "/api/markets/m1/trades/buy", strings.NewReader(body)), "alice")
		rec := do("POST /api/markets/{id}/trades/buy", h.Buy, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestBuySlippageIsUnprocessable(t *testing.T) {
	h := NewAMMHandler(&stubEngine{err: fmt.Errorf("amm: buy: %w", domain.ErrSlippageExceeded)}, discard)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/markets/m1/trades/buy",
		strings.NewReader(`{"outcome":"NO","amount":"5"}`)), "alice")
	rec := do("POST /api/markets/{id}/trades/buy", h.Buy, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

type stubSettler struct {
	Settler
	resolved  *domain.Outcome
	oracle    bool
	consensus *domain.Outcome
	refund    settlement.Refund
	claimErr  error
}

func (s *stubSettler) Resolve(_ context.Context, id string, o domain.Outcome) (domain.SettlementRecord, error) {
	s.resolved = &o
	return domain.SettlementRecord{MarketID: id, WinningOutcome: &o}, nil
}

func (s *stubSettler) TryResolveFromOracle(_ context.Context, id string) (domain.SettlementRecord, error) {
	s.oracle = true
	if s.consensus == nil {
		return domain.SettlementRecord{}, fmt.Errorf("settlement: resolve from oracle %s: %w", id, domain.ErrNoConsensus)
	}
	return domain.SettlementRecord{MarketID: id, WinningOutcome: s.consensus}, nil
}

func (s *stubSettler) Claim(context.Context, string, string) (domain.Payout, error) {
	return domain.Payout{}, s.claimErr
}

func (s *stubSettler) CancelRefund(context.Context, string, string) (settlement.Refund, error) {
	return s.refund, nil
}

func TestResolveOutcomeOrOracle(t *testing.T) {
	st := &stubSettler{}
	h := NewSettlementHandler(st, nil, discard)

	rec := do("POST /api/markets/{id}/resolve", h.Resolve,
		httptest.NewRequest(http.MethodPost, "/api/markets/m1/resolve", strings.NewReader(`{"outcome":"NO"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, st.resolved)
	assert.Equal(t, domain.OutcomeNo, *st.resolved)

	rec = do("POST /api/markets/{id}/resolve", h.Resolve,
		httptest.NewRequest(http.MethodPost, "/api/markets/m1/resolve", strings.NewReader(`{}`)))
	assert.True(t, st.oracle)
	assert.Equal(t, http.StatusAccepted, rec.Code, "no consensus yet answers at once")
	assert.Contains(t, rec.Body.String(), "awaiting_oracle")

	yes := domain.OutcomeYes
	st.consensus = &yes
	rec = do("POST /api/markets/{id}/resolve", h.Resolve,
		httptest.NewRequest(http.MethodPost, "/api/markets/m1/resolve", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClaimLedgerUnavailableSetsRetryAfter(t *testing.T) {
	h := NewSettlementHandler(&stubSettler{claimErr: fmt.Errorf("ledger: release: %w", domain.ErrLedgerUnavailable)}, nil, discard)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/markets/m1/claim", nil), "alice")
	rec := do("POST /api/markets/{id}/claim", h.Claim, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRefundReportsTotal(t *testing.T) {
	st := &stubSettler{refund: settlement.Refund{
		MarketID:   "m1",
		UserID:     "alice",
		Commitment: decimal.NewFromInt(10),
		Payout:     &domain.Payout{UserID: "alice", Amount: decimal.NewFromInt(5)},
	}}
	h := NewSettlementHandler(st, nil, discard)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/markets/m1/refund", nil), "alice")
	rec := do("POST /api/markets/{id}/refund", h.Refund, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":"15"`)
}

func TestArchiveWithoutHistory(t *testing.T) {
	h := NewSettlementHandler(&stubSettler{}, nil, discard)
	rec := do("GET /api/markets/{id}/settlement/archive", h.ListArchived,
		httptest.NewRequest(http.MethodGet, "/api/markets/m1/settlement/archive", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListEvents(t *testing.T) {
	log := memory.NewEventLog()
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, log.Deliver(ctx, domain.NewEvent(domain.EventMarketOpened, "m1", at, nil)))
	require.NoError(t, log.Deliver(ctx, domain.NewEvent(domain.EventMarketClosed, "m1", at.Add(time.Hour), nil)))
	require.NoError(t, log.Deliver(ctx, domain.NewEvent(domain.EventMarketOpened, "m2", at, nil)))

	h := NewEventHandler(log, discard)
	rec := do("GET /api/markets/{id}/events", h.ListEvents,
		httptest.NewRequest(http.MethodGet, "/api/markets/m1/events?since=2026-03-01T12:30:00Z", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type":"MarketClosed"`)
	assert.NotContains(t, rec.Body.String(), `"type":"MarketOpened"`)
}

func TestHealthDegraded(t *testing.T) {
	h := NewHealthHandler(map[string]Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, discard)
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rec.Body.String(), `"postgres":"ok"`)
}
