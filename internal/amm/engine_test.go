package amm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boxmeout/settlement/internal/domain"
	"github.com/boxmeout/settlement/internal/ledger"
	"github.com/boxmeout/settlement/internal/ledger/ledgertest"
	"github.com/boxmeout/settlement/internal/lock"
	"github.com/boxmeout/settlement/internal/registry"
	"github.com/boxmeout/settlement/internal/store/memory"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, d(want).Equal(got), "want %s, got %s", want, got)
}

type harness struct {
	engine *Engine
	reg    *registry.Registry
	fake   *ledgertest.Ledger
	store  *memory.AMMStore
	mu     sync.Mutex
	now    time.Time
	events []domain.Event
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) Publish(_ context.Context, ev domain.Event) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		fake:  ledgertest.New(),
		store: memory.NewAMMStore(),
		now:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	locks := lock.New()
	h.reg = registry.New(memory.NewMarketStore(), locks, registry.DefaultConfig(), nil, registry.WithClock(h.clock))
	gw := ledger.New(h.fake, memory.NewTransferStore(), locks,
		ledger.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Grace: time.Minute},
		nil, ledger.WithClock(h.clock))
	h.engine = New(h.store, h.reg, gw, locks, cfg, nil, WithClock(h.clock), WithEvents(h))

	_, err := h.reg.Open(context.Background(), registry.OpenRequest{
		ID: "m1", CreatorID: "creator", Question: "Will it rain?", ClosingAt: h.now.Add(time.Hour),
	})
	require.NoError(t, err)
	return h
}

// seeded returns a harness whose market has reserves of 1000/1000 at a 1%
// fee.
func seeded(t *testing.T) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.FeeBps = 100
	h := newHarness(t, cfg)
	h.fake.Fund("lp", d("2000"))
	c, err := h.engine.AddLiquidity(context.Background(), "lp", "m1", d("2000"))
	require.NoError(t, err)
	requireDec(t, "2000", c.LPTokens)
	return h
}

func (h *harness) pool(t *testing.T) domain.LiquidityPool {
	t.Helper()
	p, err := h.store.GetPool(context.Background(), "m1")
	require.NoError(t, err)
	return p
}

func requireCollateralBacked(t *testing.T, p domain.LiquidityPool) {
	t.Helper()
	sum := p.ReserveYes.Add(p.ReserveNo).Add(p.OutstandingYes).Add(p.OutstandingNo)
	require.True(t, p.Collateral.Equal(sum), "collateral %s != reserves+outstanding %s", p.Collateral, sum)
}

func TestBuyPriceImpact(t *testing.T) {
	h := seeded(t)
	ctx := context.Background()
	h.fake.Fund("alice", d("200"))

	p := h.pool(t)
	requireDec(t, "1000", p.ReserveYes)
	requireDec(t, "1000", p.ReserveNo)

	first, err := h.engine.BuyShares(ctx, BuyRequest{UserID: "alice", MarketID: "m1", Outcome: domain.OutcomeYes, Amount: d("100")})
	require.NoError(t, err)
	// 1000 - ceil(1e6 / 1099)
	requireDec(t, "90.081892", first.Shares)
	requireDec(t, "1", first.Fee)
	assert.True(t, first.Shares.GreaterThan(d("90.08")) && first.Shares.LessThan(d("90.09")))

	second, err := h.engine.BuyShares(ctx, BuyRequest{UserID: "alice", MarketID: "m1", Outcome: domain.OutcomeYes, Amount: d("100")})
	require.NoError(t, err)
	require.True(t, second.Shares.LessThan(first.Shares), "second buy %s should get fewer than %s", second.Shares, first.Shares)

	pos, err := h.engine.Positions(ctx, "m1", "alice")
	require.NoError(t, err)
	require.Len(t, pos, 1)
	require.True(t, pos[0].Quantity.Equal(first.Shares.Add(second.Shares)))
	requireDec(t, "200", pos[0].CostBasis)
	requireDec(t, "0", h.fake.Balance("alice"))

	m, err := h.reg.Get(ctx, "m1")
	require.NoError(t, err)
	requireDec(t, "200", m.TotalVolume)
	requireDec(t, "2", m.FeesCollected)
	requireCollateralBacked(t, h.pool(t))
}

func TestQuoteThenBuyWithQuotedMinimumSucceeds(t *testing.T) {
	h := seeded(t)
	ctx := context.Background()
	h.fake.Fund("alice", d("1000"))

	for _, amount := range []string{"3.5", "250", "0.01", "77.777777"} {
		for _, o := range []domain.Outcome{domain.OutcomeYes, domain.OutcomeNo} {
			q, err := h.engine.Quote(ctx, "m1", o, d(amount))
			require.NoError(t, err)
			tr, err := h.engine.BuyShares(ctx, BuyRequest{
				UserID: "alice", MarketID: "m1", Outcome: o, Amount: d(amount), MinShares: q.SharesOut,
			})
			require.NoError(t, err, "amount %s outcome %s", amount, o)
			require.True(t, tr.Shares.Equal(q.SharesOut))
		}
	}
}

func TestConstantProductNeverDecreasesOnTrades(t *testing.T) {
	h := seeded(t)
	ctx := context.Background()
	h.fake.Fund("alice", d("500"))
	h.fake.Fund("bob", d("500"))

	k := h.pool(t).K()
	step := func(name string, fn func() error) {
		require.NoError(t, fn(), name)
		p := h.pool(t)
		require.True(t, p.K().GreaterThanOrEqual(k), "%s: k fell from %s to %s", name, k, p.K())
		requireCollateralBacked(t, p)
		k = p.K()
	}

	var aliceYes decimal.Decimal
	step("alice buys yes", func() error {
		tr, err := h.engine.BuyShares(ctx, BuyRequest{UserID: "alice", MarketID: "m1", Outcome: domain.OutcomeYes, Amount: d("123.456789")})
		aliceYes = tr.Shares
		return err
	})
	step("bob buys no", func() error {
		_, err := h.engine.BuyShares(ctx, BuyRequest{UserID: "bob", MarketID: "m1", Outcome: domain.OutcomeNo, Amount: d("300")})
		return err
	})
	step("alice sells part", func() error {
		_, err := h.engine.SellShares(ctx, SellRequest{UserID: "alice", MarketID: "m1", Outcome: domain.OutcomeYes, Shares: domain.DivFloor(aliceYes, d("3"))})
		return err
	})
	step("alice buys no", func() error {
		_, err := h.engine.BuyShares(ctx, BuyRequest{UserID: "alice", MarketID: "m1", Outcome: domain.OutcomeNo, Amount: d("0.5")})
		return err
	})
}

func TestSlippageLeavesStateUnchanged(t *testing.T) {
	h := seeded(t)
	ctx := context.Background()
	h.fake.Fund("alice", d("100"))
	before := h.pool(t)

	_, err := h.engine.BuyShares(ctx, BuyRequest{
		UserID: "alice", MarketID: "m1", Outcome: domain.OutcomeYes, Amount: d("100"), MinShares: d("90.09"),
	})
	require.ErrorIs(t, err, domain.ErrSlippageExceeded)

	require.Equal(t, before, h.pool(t))
	requireDec(t, "100", h.fake.Balance("alice"))
	pos, err := h.engine.Positions(ctx, "m1", "alice")
	require.NoError(t, err)
	require.Empty(t, pos)
	require.Equal(t, 1, h.fake.Calls(ledgertest.OpEscrow), "only the seed deposit was escrowed")
}

func TestSellReducesCostBasisProportionally(t *testing.T) {
	h := seeded(t)
	ctx := context.Background()
	h.fake.Fund("alice", d("100"))

	buy, err := h.engine.BuyShares(ctx, BuyRequest{UserID: "alice", MarketID: "m1", Outcome: domain.OutcomeYes, Amount: d("100")})
	require.NoError(t, err)

	half := domain.DivFloor(buy.Shares, d("2"))
	sell, err := h.engine.SellShares(ctx, SellRequest{UserID: "alice", MarketID: "m1", Outcome: domain.OutcomeYes, Shares: half})
	require.NoError(t, err)
	require.True(t, sell.Net.IsPositive())
	require.True(t, h.fake.Balance("alice").Equal(sell.Net))

	pos, err := h.engine.Positions(ctx, "m1", "alice")
	require.NoError(t, err)
	require.Len(t, pos, 1)
	portion := domain.ProRata(d("100"), half, buy.Shares)
	require.True(t, pos[0].Quantity.Equal(buy.Shares.Sub(half)))
	require.True(t, pos[0].CostBasis.Equal(d("100").Sub(portion)))
	require.True(t, pos[0].RealizedPnL.Equal(sell.Net.Sub(portion)))

	_, err = h.engine.SellShares(ctx, SellRequest{UserID: "alice", MarketID: "m1", Outcome: domain.OutcomeYes, Shares: buy.Shares})
	require.ErrorIs(t, err, domain.ErrInsufficientPosition)

	rest, err := h.engine.SellShares(ctx, SellRequest{UserID: "alice", MarketID: "m1", Outcome: domain.OutcomeYes, Shares: pos[0].Quantity})
	require.NoError(t, err)
	roundTrip := sell.Net.Add(rest.Net)
	require.True(t, roundTrip.LessThan(d("100")), "round trip loses the fees, got %s back", roundTrip)
	require.True(t, h.fake.Balance("alice").Equal(roundTrip))
	pos, err = h.engine.Positions(ctx, "m1", "alice")
	require.NoError(t, err)
	require.True(t, pos[0].Quantity.IsZero())
	require.True(t, pos[0].CostBasis.IsZero(), "basis resets with the position")
	requireCollateralBacked(t, h.pool(t))
}

func TestSellSlippageAndPendingPayout(t *testing.T) {
	h := seeded(t)
	ctx := context.Background()
	h.fake.Fund("alice", d("100"))
	buy, err := h.engine.BuyShares(ctx, BuyRequest{UserID: "alice", MarketID: "m1", Outcome: domain.OutcomeNo, Amount: d("100")})
	require.NoError(t, err)

	before := h.pool(t)
	_, err = h.engine.SellShares(ctx, SellRequest{UserID: "alice", MarketID: "m1", Outcome: domain.OutcomeNo, Shares: buy.Shares, MinPayout: d("100")})
	require.ErrorIs(t, err, domain.ErrSlippageExceeded)
	require.Equal(t, before, h.pool(t))

	h.fake.FailNext(ledgertest.OpRelease, ledgertest.Unavailable(2)...)
	sell, err := h.engine.SellShares(ctx, SellRequest{UserID: "alice", MarketID: "m1", Outcome: domain.OutcomeNo, Shares: buy.Shares})
	require.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	require.NotEmpty(t, sell.TransferID, "trade is recorded while the payout is pending")
	requireDec(t, "0", h.fake.Balance("alice"))
	requireCollateralBacked(t, h.pool(t))
}

func TestLiquidityAddKeepsPriceAndMintsProportionally(t *testing.T) {
	h := seeded(t)
	ctx := context.Background()
	h.fake.Fund("alice", d("100"))
	h.fake.Fund("bob", d("1000"))

	_, err := h.engine.BuyShares(ctx, BuyRequest{UserID: "alice", MarketID: "m1", Outcome: domain.OutcomeYes, Amount: d("100")})
	require.NoError(t, err)
	before := h.pool(t)
	oddsBefore, err := h.engine.Odds(ctx, "m1")
	require.NoError(t, err)

	c, err := h.engine.AddLiquidity(ctx, "bob", "m1", d("1000"))
	require.NoError(t, err)
	claim := lpClaim(before, DefaultConfig().LPFeeBps)
	require.True(t, claim.GreaterThan(before.Value()), "sold shares and fees add to the providers' claim")
	require.True(t, c.LPTokens.Equal(domain.DivFloor(before.LPTotalSupply.Mul(d("1000")), claim)))

	after := h.pool(t)
	oddsAfter, err := h.engine.Odds(ctx, "m1")
	require.NoError(t, err)
	assert.InDelta(t, oddsBefore.Yes, oddsAfter.Yes, 1)
	require.True(t, after.LPBalance("bob").Equal(c.LPTokens))
	requireCollateralBacked(t, after)

	// minted / (supply + minted) == amount / (claim + amount), to rounding
	lhs := c.LPTokens.Div(after.LPTotalSupply)
	rhs := d("1000").Div(claim.Add(d("1000")))
	require.True(t, lhs.Sub(rhs).Abs().LessThan(d("0.000001")), "%s vs %s", lhs, rhs)
}

func TestRemoveLiquidityPaysProportionalReserves(t *testing.T) {
	h := seeded(t)
	ctx := context.Background()
	h.fake.Fund("bob", d("500"))
	_, err := h.engine.AddLiquidity(ctx, "bob", "m1", d("500"))
	require.NoError(t, err)
	before := h.pool(t)

	_, err = h.engine.RemoveLiquidity(ctx, "bob", "m1", d("501"))
	require.ErrorIs(t, err, domain.ErrInsufficientPosition)

	c, err := h.engine.RemoveLiquidity(ctx, "bob", "m1", d("250"))
	require.NoError(t, err)
	requireDec(t, "250", c.Amount)
	requireDec(t, "250", h.fake.Balance("bob"))

	after := h.pool(t)
	requireDec(t, "2250", after.LPTotalSupply)
	requireDec(t, "250", after.LPBalance("bob"))
	require.True(t, after.ReserveYes.Equal(before.ReserveYes.Sub(d("125"))))
	require.True(t, after.ReserveNo.Equal(before.ReserveNo.Sub(d("125"))))
	requireCollateralBacked(t, after)
}

func TestLastProviderCanWithdrawAfterClose(t *testing.T) {
	h := seeded(t)
	ctx := context.Background()
	h.fake.Fund("alice", d("50"))
	buy, err := h.engine.BuyShares(ctx, BuyRequest{UserID: "alice", MarketID: "m1", Outcome: domain.OutcomeYes, Amount: d("50")})
	require.NoError(t, err)

	h.mu.Lock()
	h.now = h.now.Add(2 * time.Hour)
	h.mu.Unlock()
	_, err = h.reg.Close(ctx, "m1", "", 0)
	require.NoError(t, err)

	_, err = h.engine.BuyShares(ctx, BuyRequest{UserID: "alice", MarketID: "m1", Outcome: domain.OutcomeYes, Amount: d("1")})
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	c, err := h.engine.RemoveLiquidity(ctx, "lp", "m1", d("2000"))
	require.NoError(t, err)
	p := h.pool(t)
	require.True(t, p.ReserveYes.IsZero() && p.ReserveNo.IsZero())
	require.True(t, p.Collateral.Equal(buy.Shares), "outstanding shares stay fully backed")
	require.True(t, h.fake.Balance("lp").Equal(c.Amount))
}

func TestLiquidityCapAndEmptyPool(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxLiquidity = d("1500")
	h := newHarness(t, cfg)
	ctx := context.Background()
	h.fake.Fund("lp", d("5000"))

	odds, err := h.engine.Odds(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, domain.Odds{Yes: 5000, No: 5000}, odds)

	_, err = h.engine.Quote(ctx, "m1", domain.OutcomeYes, d("10"))
	require.ErrorIs(t, err, domain.ErrInsufficientLiquidity)

	_, err = h.engine.AddLiquidity(ctx, "lp", "m1", d("1000"))
	require.NoError(t, err)
	_, err = h.engine.AddLiquidity(ctx, "lp", "m1", d("600"))
	require.ErrorIs(t, err, domain.ErrLiquidityCap)
	// the capped deposit is handed back
	requireDec(t, "4000", h.fake.Balance("lp"))
}

func TestOddsAlwaysSumToWhole(t *testing.T) {
	h := seeded(t)
	ctx := context.Background()
	h.fake.Fund("alice", d("1000"))
	for _, amt := range []string{"1", "33.333333", "400"} {
		_, err := h.engine.BuyShares(ctx, BuyRequest{UserID: "alice", MarketID: "m1", Outcome: domain.OutcomeYes, Amount: d(amt)})
		require.NoError(t, err)
		o, err := h.engine.Odds(ctx, "m1")
		require.NoError(t, err)
		require.Equal(t, domain.BpsDenominator, o.Yes+o.No)
		require.Greater(t, o.Yes, 5000, "buying YES raises its price")
	}
}

func TestConcurrentTradesSerializePerMarket(t *testing.T) {
	h := seeded(t)
	ctx := context.Background()
	users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}
	for _, u := range users {
		h.fake.Fund(u, d("10"))
	}

	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			o := domain.Outcome(i % 2)
			_, err := h.engine.BuyShares(ctx, BuyRequest{UserID: u, MarketID: "m1", Outcome: o, Amount: d("10")})
			assert.NoError(t, err)
		}(i, u)
	}
	wg.Wait()

	p := h.pool(t)
	requireCollateralBacked(t, p)
	positions, err := h.engine.Positions(ctx, "m1", "")
	require.NoError(t, err)
	require.Len(t, positions, len(users))
	yes, no := decimal.Zero, decimal.Zero
	for _, pos := range positions {
		if pos.Outcome == domain.OutcomeYes {
			yes = yes.Add(pos.Quantity)
		} else {
			no = no.Add(pos.Quantity)
		}
	}
	require.True(t, p.OutstandingYes.Equal(yes))
	require.True(t, p.OutstandingNo.Equal(no))

	trades, err := h.engine.Trades(ctx, "m1", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, trades, len(users))
}
