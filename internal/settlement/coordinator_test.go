package settlement

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boxmeout/settlement/internal/amm"
	"github.com/boxmeout/settlement/internal/commitment"
	"github.com/boxmeout/settlement/internal/domain"
	"github.com/boxmeout/settlement/internal/ledger"
	"github.com/boxmeout/settlement/internal/ledger/ledgertest"
	"github.com/boxmeout/settlement/internal/lock"
	"github.com/boxmeout/settlement/internal/registry"
	"github.com/boxmeout/settlement/internal/store/memory"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	if len(msgAndArgs) == 0 {
		msgAndArgs = []any{"want %s, got %s", want, got}
	}
	require.True(t, d(want).Equal(got), msgAndArgs...)
}

type harness struct {
	coord  *Coordinator
	reg    *registry.Registry
	book   *commitment.Ledger
	engine *amm.Engine
	gw     *ledger.Gateway
	fake   *ledgertest.Ledger

	mu     sync.Mutex
	now    time.Time
	events []domain.Event
	funded decimal.Decimal
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(dur time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(dur)
	h.mu.Unlock()
}

func (h *harness) Publish(_ context.Context, ev domain.Event) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *harness) count(typ domain.EventType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ev := range h.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (h *harness) fund(user, amount string) {
	h.fake.Fund(user, d(amount))
	h.mu.Lock()
	h.funded = h.funded.Add(d(amount))
	h.mu.Unlock()
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{fake: ledgertest.New(), now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	locks := lock.New()
	h.reg = registry.New(memory.NewMarketStore(), locks, registry.DefaultConfig(), nil,
		registry.WithClock(h.clock), registry.WithEvents(h))
	h.gw = ledger.New(h.fake, memory.NewTransferStore(), locks,
		ledger.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Grace: time.Minute},
		nil, ledger.WithClock(h.clock))
	h.book = commitment.New(memory.NewCommitmentStore(), h.reg, h.gw, locks,
		commitment.Config{MinAmount: d("0.01")}, nil, commitment.WithClock(h.clock))
	ammCfg := amm.DefaultConfig()
	ammCfg.FeeBps = 100
	h.engine = amm.New(memory.NewAMMStore(), h.reg, h.gw, locks, ammCfg, nil, amm.WithClock(h.clock))
	opts = append([]Option{WithClock(h.clock), WithEvents(h)}, opts...)
	h.coord = New(memory.NewSettlementStore(), h.reg, h.book, h.engine, h.gw, locks, cfg, nil, opts...)

	_, err := h.coord.Open(context.Background(), registry.OpenRequest{
		ID: "m1", CreatorID: "creator", Question: "Will it rain?", ClosingAt: h.now.Add(time.Hour),
	})
	require.NoError(t, err)
	return h
}

// populate builds a market with both kinds of participation:
//
//	alice commits 60 on YES, bob 40 on NO, both reveal
//	carol commits 10 on YES and never reveals
//	lp seeds the pool with 1000; dave buys 50 of YES, erin 30 of NO
func (h *harness) populate(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for user, amt := range map[string]string{"alice": "60", "bob": "40", "carol": "10", "lp": "1000", "dave": "50", "erin": "30"} {
		h.fund(user, amt)
	}
	_, err := h.book.Commit(ctx, "alice", "m1", commitment.Hash(domain.OutcomeYes, "a-salt"), d("60"))
	require.NoError(t, err)
	_, err = h.book.Commit(ctx, "bob", "m1", commitment.Hash(domain.OutcomeNo, "b-salt"), d("40"))
	require.NoError(t, err)
	_, err = h.book.Commit(ctx, "carol", "m1", commitment.Hash(domain.OutcomeYes, "c-salt"), d("10"))
	require.NoError(t, err)

	_, err = h.engine.AddLiquidity(ctx, "lp", "m1", d("1000"))
	require.NoError(t, err)
	_, err = h.engine.BuyShares(ctx, amm.BuyRequest{UserID: "dave", MarketID: "m1", Outcome: domain.OutcomeYes, Amount: d("50")})
	require.NoError(t, err)
	_, err = h.engine.BuyShares(ctx, amm.BuyRequest{UserID: "erin", MarketID: "m1", Outcome: domain.OutcomeNo, Amount: d("30")})
	require.NoError(t, err)

	_, err = h.book.Reveal(ctx, "alice", "m1", domain.OutcomeYes, "a-salt")
	require.NoError(t, err)
	_, err = h.book.Reveal(ctx, "bob", "m1", domain.OutcomeNo, "b-salt")
	require.NoError(t, err)
}

func (h *harness) closeMarket(t *testing.T) {
	t.Helper()
	h.advance(2 * time.Hour)
	_, err := h.coord.Close(context.Background(), "m1", "")
	require.NoError(t, err)
}

// requireNothingStranded checks that every escrow was paid out and that
// the users' balances add up to what was funded.
func (h *harness) requireNothingStranded(t *testing.T) {
	t.Helper()
	requireDec(t, "0", h.fake.Held())
	total := decimal.Zero
	for _, u := range h.fake.Users() {
		total = total.Add(h.fake.Balance(u))
	}
	require.True(t, total.Equal(h.funded), "balances %s, funded %s", total, h.funded)
}

func TestResolvePaysOutEverythingHeld(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.populate(t)
	h.closeMarket(t)

	held := h.fake.Held()
	rec, err := h.coord.Resolve(ctx, "m1", domain.OutcomeYes)
	require.NoError(t, err)
	require.Equal(t, domain.RecordResolution, rec.Kind)
	require.Equal(t, 1, rec.Version)
	require.True(t, rec.TotalPayoutPool.Equal(held), "record %s, held %s", rec.TotalPayoutPool, held)

	// Revealed pool is 100; 10% fee leaves 90 for the only YES revealer.
	requireDec(t, "90", rec.Payouts["alice"].Amount)
	requireDec(t, "90", rec.Payouts["alice"].Components.Commitment)
	requireDec(t, "10", rec.CommitmentFee)
	requireDec(t, "10", rec.Forfeited)
	require.NotContains(t, rec.Payouts, "bob")
	require.NotContains(t, rec.Payouts, "carol")
	require.NotContains(t, rec.Payouts, "erin", "losing shares redeem at zero")
	require.True(t, rec.Payouts["dave"].Components.Shares.IsPositive())
	require.True(t, rec.Payouts["creator"].Components.Fees.IsPositive())
	require.True(t, rec.Payouts["lp"].Components.Liquidity.IsPositive())

	c, err := h.book.Get(ctx, "alice", "m1")
	require.NoError(t, err)
	require.Equal(t, domain.CommitmentSettled, c.Status)

	// Claims open as soon as the market resolves.
	for _, user := range rec.Accounts() {
		p, err := h.coord.Claim(ctx, user, "m1")
		require.NoError(t, err, user)
		require.Equal(t, domain.FundsSettled, p.FundsState)
	}
	_, err = h.coord.Claim(ctx, "bob", "m1")
	require.ErrorIs(t, err, domain.ErrNothingToClaim)
	_, err = h.coord.Claim(ctx, "alice", "m1")
	require.ErrorIs(t, err, domain.ErrAlreadyClaimed)

	requireDec(t, "90", h.fake.Balance("alice"))
	h.requireNothingStranded(t)
	require.Equal(t, len(rec.Payouts), h.count(domain.EventWinningsClaimed))
}

func TestRequireFinalityHoldsClaimsUntilDisputeWindowEnds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequireFinality = true
	h := newHarness(t, cfg)
	ctx := context.Background()
	h.populate(t)
	h.closeMarket(t)
	_, err := h.coord.Resolve(ctx, "m1", domain.OutcomeYes)
	require.NoError(t, err)

	_, err = h.coord.Claim(ctx, "alice", "m1")
	require.ErrorIs(t, err, domain.ErrClaimsPaused, "dispute window still open")

	h.advance(8 * 24 * time.Hour)
	p, err := h.coord.Claim(ctx, "alice", "m1")
	require.NoError(t, err)
	requireDec(t, "90", p.Amount)
}

func TestResolveIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.populate(t)
	h.closeMarket(t)

	first, err := h.coord.Resolve(ctx, "m1", domain.OutcomeNo)
	require.NoError(t, err)
	second, err := h.coord.Resolve(ctx, "m1", domain.OutcomeNo)
	require.NoError(t, err)
	require.True(t, first.SameDistribution(second))
	require.Equal(t, 1, second.Version)
	require.Equal(t, 1, h.count(domain.EventMarketResolved))

	_, err = h.coord.Resolve(ctx, "m1", domain.OutcomeYes)
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	stored, err := h.coord.Record(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, 1, stored.Version)
	require.Equal(t, domain.OutcomeNo, *stored.WinningOutcome)
}

func TestResolveRequiresClosedMarket(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, err := h.coord.Resolve(context.Background(), "m1", domain.OutcomeYes)
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	require.Equal(t, domain.MarketOpen, te.From)

	_, err = h.coord.Record(context.Background(), "m1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConcurrentClaimsPayOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.populate(t)
	h.closeMarket(t)
	_, err := h.coord.Resolve(ctx, "m1", domain.OutcomeYes)
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.coord.Claim(ctx, "alice", "m1")
			if err == nil {
				ok.Add(1)
				return
			}
			assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), ok.Load())
	requireDec(t, "90", h.fake.Balance("alice"))
	rec, err := h.coord.Record(ctx, "m1")
	require.NoError(t, err)
	require.True(t, rec.Claimed().LessThanOrEqual(rec.TotalPayoutPool))
}

func TestDisputePausesClaimsUntilReResolved(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.populate(t)
	h.closeMarket(t)
	_, err := h.coord.Resolve(ctx, "m1", domain.OutcomeYes)
	require.NoError(t, err)

	_, err = h.coord.Dispute(ctx, registry.DisputeRequest{MarketID: "m1", UserID: "zed", Reason: "?"})
	require.ErrorIs(t, err, domain.ErrNotParticipant)

	m, err := h.coord.Dispute(ctx, registry.DisputeRequest{
		MarketID: "m1", UserID: "erin", Reason: "source says NO", EvidenceURL: "https://example.org/result",
	})
	require.NoError(t, err)
	require.Equal(t, domain.MarketDisputed, m.Status)
	_, err = h.coord.Dispute(ctx, registry.DisputeRequest{MarketID: "m1", UserID: "lp", Reason: "agree"})
	require.NoError(t, err)

	_, err = h.coord.Claim(ctx, "alice", "m1")
	require.ErrorIs(t, err, domain.ErrClaimsPaused)

	rec, err := h.coord.ReResolve(ctx, "m1", domain.OutcomeNo)
	require.NoError(t, err)
	require.Equal(t, 2, rec.Version)
	require.Equal(t, domain.OutcomeNo, *rec.WinningOutcome)
	require.NotContains(t, rec.Payouts, "alice")
	requireDec(t, "90", rec.Payouts["bob"].Amount)

	// Re-resolution is final, so claims open immediately.
	p, err := h.coord.Claim(ctx, "bob", "m1")
	require.NoError(t, err)
	requireDec(t, "90", p.Amount)

	_, err = h.coord.Dispute(ctx, registry.DisputeRequest{MarketID: "m1", UserID: "dave", Reason: "again"})
	require.ErrorIs(t, err, domain.ErrDisputeWindowClosed)
}

func TestReResolveRefusedAfterPayouts(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.populate(t)
	h.closeMarket(t)
	_, err := h.coord.Resolve(ctx, "m1", domain.OutcomeYes)
	require.NoError(t, err)
	_, err = h.coord.Claim(ctx, "alice", "m1")
	require.NoError(t, err)

	_, err = h.coord.Dispute(ctx, registry.DisputeRequest{MarketID: "m1", UserID: "bob", Reason: "wrong"})
	require.NoError(t, err)

	_, err = h.coord.ReResolve(ctx, "m1", domain.OutcomeNo)
	require.ErrorIs(t, err, domain.ErrPayoutsStarted)
	m, err := h.reg.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, domain.MarketDisputed, m.Status)

	rec, err := h.coord.ReResolve(ctx, "m1", domain.OutcomeYes)
	require.NoError(t, err)
	require.Equal(t, 1, rec.Version)
	require.True(t, rec.Payouts["alice"].Claimed)
}

func TestCancelRefundsEveryUnit(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.populate(t)

	// dave sells part of his position first
	pos, err := h.engine.Positions(ctx, "m1", "dave")
	require.NoError(t, err)
	_, err = h.engine.SellShares(ctx, amm.SellRequest{
		UserID: "dave", MarketID: "m1", Outcome: domain.OutcomeYes, Shares: domain.DivFloor(pos[0].Quantity, d("4")),
	})
	require.NoError(t, err)
	pos, err = h.engine.Positions(ctx, "m1", "dave")
	require.NoError(t, err)
	dave := pos[0]
	pos, err = h.engine.Positions(ctx, "m1", "erin")
	require.NoError(t, err)
	erin := pos[0]

	s, err := h.coord.snapshot(ctx, "m1")
	require.NoError(t, err)
	daveValue := s.pool.MarkValue(dave.Outcome, dave.Quantity)
	erinValue := s.pool.MarkValue(erin.Outcome, erin.Quantity)

	rec, err := h.coord.Cancel(ctx, "m1", "question withdrawn")
	require.NoError(t, err)
	require.Equal(t, domain.RecordCancellation, rec.Kind)
	requireDec(t, "110", rec.CommitmentPool)
	require.True(t, rec.TotalPayoutPool.Add(rec.CommitmentPool).Equal(h.fake.Held()))
	requireDec(t, daveValue.String(), rec.Payouts["dave"].Amount)
	requireDec(t, erinValue.String(), rec.Payouts["erin"].Amount)
	require.False(t, rec.Payouts["dave"].Amount.Equal(dave.CostBasis), "refund follows the odds, not the basis")

	_, err = h.engine.BuyShares(ctx, amm.BuyRequest{UserID: "erin", MarketID: "m1", Outcome: domain.OutcomeNo, Amount: d("1")})
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	users := map[string]bool{"alice": true, "bob": true, "carol": true}
	for _, id := range rec.Accounts() {
		users[id] = true
	}
	for user := range users {
		_, err := h.coord.CancelRefund(ctx, user, "m1")
		require.NoError(t, err, user)
	}

	requireDec(t, "60", h.fake.Balance("alice"))
	requireDec(t, "40", h.fake.Balance("bob"))
	requireDec(t, "10", h.fake.Balance("carol"), "unrevealed escrow comes back on cancel")
	requireDec(t, erinValue.String(), h.fake.Balance("erin"))
	h.requireNothingStranded(t)

	_, err = h.coord.CancelRefund(ctx, "alice", "m1")
	require.ErrorIs(t, err, domain.ErrNothingToClaim)
	_, err = h.coord.CancelRefund(ctx, "erin", "m1")
	require.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	_, err = h.coord.Claim(ctx, "erin", "m1")
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestClaimPendingUntilReconciled(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.populate(t)
	h.closeMarket(t)
	_, err := h.coord.Resolve(ctx, "m1", domain.OutcomeYes)
	require.NoError(t, err)

	h.fake.FailNext(ledgertest.OpRelease, ledgertest.Unavailable(2)...)
	p, err := h.coord.Claim(ctx, "alice", "m1")
	require.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	require.True(t, domain.Retryable(err))
	require.True(t, p.Claimed)
	require.Equal(t, domain.FundsPending, p.FundsState)

	_, err = h.coord.Claim(ctx, "alice", "m1")
	require.ErrorIs(t, err, domain.ErrAlreadyClaimed)

	h.advance(5 * time.Minute)
	_, err = h.gw.Reconcile(ctx)
	require.NoError(t, err)
	p, err = h.coord.Payout(ctx, "m1", "alice")
	require.NoError(t, err)
	require.Equal(t, domain.FundsSettled, p.FundsState)
	requireDec(t, "90", h.fake.Balance("alice"))
}

func TestRejectedClaimIsDrivenAgain(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.populate(t)
	h.closeMarket(t)
	_, err := h.coord.Resolve(ctx, "m1", domain.OutcomeYes)
	require.NoError(t, err)

	h.fake.FailNext(ledgertest.OpRelease, fmt.Errorf("%w: account frozen", domain.ErrLedgerRejected))
	p, err := h.coord.Claim(ctx, "alice", "m1")
	require.ErrorIs(t, err, domain.ErrLedgerRejected)
	require.False(t, domain.Retryable(err))
	require.Equal(t, domain.FundsRejected, p.FundsState)

	p, err = h.coord.Claim(ctx, "alice", "m1")
	require.NoError(t, err)
	require.Equal(t, domain.FundsSettled, p.FundsState)
	requireDec(t, "90", h.fake.Balance("alice"))
}

func TestCloseRules(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.fund("alice", "5")
	_, err := h.book.Commit(ctx, "alice", "m1", commitment.Hash(domain.OutcomeYes, "s"), d("5"))
	require.NoError(t, err)

	_, err = h.coord.Close(ctx, "m1", "alice")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = h.coord.Close(ctx, "m1", "creator")
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition, "commitment still unrevealed")

	_, err = h.book.Reveal(ctx, "alice", "m1", domain.OutcomeYes, "s")
	require.NoError(t, err)
	m, err := h.coord.Close(ctx, "m1", "creator")
	require.NoError(t, err)
	require.Equal(t, domain.MarketClosed, m.Status)
}

func TestCloseExpired(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	n, err := h.coord.CloseExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	h.advance(time.Hour + time.Second)
	n, err = h.coord.CloseExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	m, err := h.reg.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, domain.MarketClosed, m.Status)
}

type stubOracle struct {
	calls   atomic.Int32
	readyAt int32
	outcome domain.Outcome
}

func (o *stubOracle) ConsensusOutcome(context.Context, string) (domain.Outcome, bool, error) {
	n := o.calls.Add(1)
	if o.readyAt > 0 && n >= o.readyAt {
		return o.outcome, true, nil
	}
	return 0, false, nil
}

func TestResolveFromOracle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OraclePoll = time.Millisecond
	cfg.OracleTimeout = 5 * time.Second
	oracle := &stubOracle{readyAt: 3, outcome: domain.OutcomeNo}
	h := newHarness(t, cfg, WithOracle(oracle))
	ctx := context.Background()
	h.populate(t)
	h.closeMarket(t)

	rec, err := h.coord.ResolveFromOracle(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeNo, *rec.WinningOutcome)
	require.GreaterOrEqual(t, oracle.calls.Load(), int32(3))
}

func TestAwaitOracleTimesOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OraclePoll = time.Millisecond
	cfg.OracleTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg, WithOracle(&stubOracle{}))

	_, err := h.coord.AwaitOracle(context.Background(), "m1")
	require.ErrorIs(t, err, domain.ErrOracleTimeout)
}

func TestTryResolveFromOracleAsksOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OracleTimeout = time.Hour
	oracle := &stubOracle{readyAt: 2, outcome: domain.OutcomeYes}
	h := newHarness(t, cfg, WithOracle(oracle))
	ctx := context.Background()
	h.populate(t)
	h.closeMarket(t)

	_, err := h.coord.TryResolveFromOracle(ctx, "m1")
	require.ErrorIs(t, err, domain.ErrNoConsensus)
	require.Equal(t, int32(1), oracle.calls.Load())
	m, err := h.reg.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, domain.MarketClosed, m.Status)

	rec, err := h.coord.TryResolveFromOracle(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeYes, *rec.WinningOutcome)
}

func TestPollOracleResolvesClosedMarkets(t *testing.T) {
	h := newHarness(t, DefaultConfig(), WithOracle(&stubOracle{readyAt: 1, outcome: domain.OutcomeYes}))
	ctx := context.Background()
	h.populate(t)

	n, err := h.coord.PollOracle(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "open markets are not resolved")

	h.closeMarket(t)
	n, err = h.coord.PollOracle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	m, err := h.reg.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, domain.MarketResolved, m.Status)
}

// A provider joining a pool that has already sold shares pays for its cut
// of them at the pool's odds: whichever way the market resolves, the
// expected payout at those odds is the deposit and no outcome pays both.
func TestLateProviderHasNoRisklessGain(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.fund("early", "2000")
	h.fund("trader", "9000")

	_, err := h.engine.AddLiquidity(ctx, "early", "m1", d("2000"))
	require.NoError(t, err)
	_, err = h.engine.BuyShares(ctx, amm.BuyRequest{UserID: "trader", MarketID: "m1", Outcome: domain.OutcomeYes, Amount: d("9000")})
	require.NoError(t, err)

	before, err := h.engine.Pool(ctx, "m1")
	require.NoError(t, err)
	deposit := before.TotalLiquidity
	h.fund("late", deposit.String())
	_, err = h.engine.AddLiquidity(ctx, "late", "m1", deposit)
	require.NoError(t, err)

	s, err := h.coord.snapshot(ctx, "m1")
	require.NoError(t, err)
	payYes := h.coord.cfg.resolution(s, domain.OutcomeYes, h.clock()).Payouts["late"].Amount
	payNo := h.coord.cfg.resolution(s, domain.OutcomeNo, h.clock()).Payouts["late"].Amount

	require.False(t, payYes.GreaterThan(deposit) && payNo.GreaterThan(deposit),
		"late provider gains either way: deposit %s, YES %s, NO %s", deposit, payYes, payNo)

	p := s.pool
	probYes := p.ReserveNo.Div(p.Value())
	expected := payYes.Mul(probYes).Add(payNo.Mul(decimal.NewFromInt(1).Sub(probYes)))
	assert.True(t, expected.Sub(deposit).Abs().LessThan(d("0.01")),
		"expected payout %s, deposit %s", expected, deposit)
}
