package commitment

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/boxmeout/settlement/internal/domain"
	"github.com/boxmeout/settlement/internal/ledger"
	"github.com/boxmeout/settlement/internal/ledger/ledgertest"
	"github.com/boxmeout/settlement/internal/lock"
	"github.com/boxmeout/settlement/internal/registry"
	"github.com/boxmeout/settlement/internal/store/memory"
)

type harness struct {
	reg    *registry.Registry
	book   *Ledger
	fake   *ledgertest.Ledger
	gw     *ledger.Gateway
	mu     sync.Mutex
	now    time.Time
	events []domain.Event
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *harness) Publish(_ context.Context, ev domain.Event) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{fake: ledgertest.New(), now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	locks := lock.New()
	h.reg = registry.New(memory.NewMarketStore(), locks, registry.DefaultConfig(), nil,
		registry.WithClock(h.clock), registry.WithEvents(h))
	h.gw = ledger.New(h.fake, memory.NewTransferStore(), locks,
		ledger.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Grace: time.Minute},
		nil, ledger.WithClock(h.clock))
	h.book = New(memory.NewCommitmentStore(), h.reg, h.gw, locks,
		Config{MinAmount: decimal.RequireFromString("0.01")}, nil, WithClock(h.clock), WithEvents(h))

	_, err := h.reg.Open(context.Background(), registry.OpenRequest{
		ID: "m1", CreatorID: "creator", Question: "Will it rain?", ClosingAt: h.now.Add(time.Hour),
	})
	require.NoError(t, err)
	return h
}

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestHashIsDeterministicKeccak(t *testing.T) {
	h := Hash(domain.OutcomeYes, "saltABC")
	require.Equal(t, h, Hash(domain.OutcomeYes, "saltABC"))
	require.NotEqual(t, h, Hash(domain.OutcomeNo, "saltABC"))
	require.NotEqual(t, h, Hash(domain.OutcomeYes, "saltABD"))
	require.Len(t, h, 66)

	norm, err := normalizeHash("  0X" + strings.ToUpper(h[2:]) + " ")
	require.NoError(t, err)
	require.Equal(t, h, norm)

	_, err = normalizeHash("0x1234")
	require.ErrorIs(t, err, domain.ErrInvalidCommitment)
}

func TestCommitRevealScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.Fund("alice", amt("100"))

	c, err := h.book.Commit(ctx, "alice", "m1", Hash(domain.OutcomeYes, "saltABC"), amt("50"))
	require.NoError(t, err)
	require.Equal(t, domain.CommitmentCommitted, c.Status)
	require.Equal(t, "50", h.fake.Balance("alice").String())

	// Wrong outcome: mismatch, commitment untouched.
	_, err = h.book.Reveal(ctx, "alice", "m1", domain.OutcomeNo, "saltABC")
	require.ErrorIs(t, err, domain.ErrCommitmentMismatch)
	after, err := h.book.Get(ctx, "alice", "m1")
	require.NoError(t, err)
	require.Equal(t, c, after)

	// Wrong salt: same.
	_, err = h.book.Reveal(ctx, "alice", "m1", domain.OutcomeYes, "saltABD")
	require.ErrorIs(t, err, domain.ErrCommitmentMismatch)

	revealed, err := h.book.Reveal(ctx, "alice", "m1", domain.OutcomeYes, "saltABC")
	require.NoError(t, err)
	require.Equal(t, domain.CommitmentRevealed, revealed.Status)
	require.Equal(t, domain.OutcomeYes, *revealed.RevealedOutcome)
	require.Equal(t, c.Hash, revealed.Hash)

	// Revealed outcome is write-once.
	_, err = h.book.Reveal(ctx, "alice", "m1", domain.OutcomeYes, "saltABC")
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestCommitIsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.Fund("alice", amt("100"))

	_, err := h.book.Commit(ctx, "alice", "m1", Hash(domain.OutcomeYes, "s1"), amt("10"))
	require.NoError(t, err)
	_, err = h.book.Commit(ctx, "alice", "m1", Hash(domain.OutcomeNo, "s2"), amt("10"))
	require.ErrorIs(t, err, domain.ErrDuplicateCommitment)
	require.Equal(t, "90", h.fake.Balance("alice").String(), "duplicate is rejected before escrow")

	n, err := h.book.PendingCount(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	m, err := h.reg.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, 1, m.ParticipantCount)
}

func TestConcurrentCommitsEscrowOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.Fund("alice", amt("100"))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.book.Commit(ctx, "alice", "m1", Hash(domain.OutcomeYes, "s"), amt("10"))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, domain.ErrDuplicateCommitment)
	}
	require.Equal(t, 1, ok)
	require.Equal(t, "90", h.fake.Balance("alice").String(), "losing racers get their hold back")
	require.Equal(t, "10", h.fake.Held().String())
}

func TestCommitRequiresOpenMarketAndValidInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.Fund("alice", amt("100"))

	_, err := h.book.Commit(ctx, "alice", "m1", Hash(domain.OutcomeYes, "s"), amt("0"))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = h.book.Commit(ctx, "alice", "m1", "not-a-hash", amt("1"))
	require.ErrorIs(t, err, domain.ErrInvalidCommitment)
	_, err = h.book.Commit(ctx, "alice", "missing", Hash(domain.OutcomeYes, "s"), amt("1"))
	require.ErrorIs(t, err, domain.ErrNotFound)

	h.advance(2 * time.Hour)
	_, err = h.reg.Close(ctx, "m1", "", 0)
	require.NoError(t, err)
	_, err = h.book.Commit(ctx, "alice", "m1", Hash(domain.OutcomeYes, "s"), amt("1"))
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	require.Equal(t, "100", h.fake.Balance("alice").String())
}

func TestCommitRejectedByLedger(t *testing.T) {
	h := newHarness(t)
	h.fake.Fund("alice", amt("5"))

	_, err := h.book.Commit(context.Background(), "alice", "m1", Hash(domain.OutcomeYes, "s"), amt("50"))
	require.ErrorIs(t, err, domain.ErrLedgerRejected)
	_, err = h.book.Get(context.Background(), "alice", "m1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRevealAllowedWhileClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.Fund("alice", amt("10"))
	_, err := h.book.Commit(ctx, "alice", "m1", Hash(domain.OutcomeNo, "pepper"), amt("10"))
	require.NoError(t, err)

	h.advance(2 * time.Hour)
	_, err = h.reg.Close(ctx, "m1", "", 1)
	require.NoError(t, err)

	c, err := h.book.Reveal(ctx, "alice", "m1", domain.OutcomeNo, "pepper")
	require.NoError(t, err)
	require.Equal(t, domain.CommitmentRevealed, c.Status)
}

func TestVoidRefundsOnlyWhenCancelled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.Fund("alice", amt("10"))
	_, err := h.book.Commit(ctx, "alice", "m1", Hash(domain.OutcomeNo, "pepper"), amt("10"))
	require.NoError(t, err)

	_, err = h.book.Void(ctx, "alice", "m1")
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	_, err = h.reg.Cancel(ctx, "m1", "source withdrawn")
	require.NoError(t, err)

	c, err := h.book.Void(ctx, "alice", "m1")
	require.NoError(t, err)
	require.Equal(t, domain.CommitmentVoid, c.Status)
	require.Equal(t, domain.FundsSettled, c.FundsState)
	require.Equal(t, "10", h.fake.Balance("alice").String())

	_, err = h.book.Void(ctx, "alice", "m1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestVoidPendingRefundIsReconciled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.Fund("alice", amt("10"))
	_, err := h.book.Commit(ctx, "alice", "m1", Hash(domain.OutcomeNo, "pepper"), amt("10"))
	require.NoError(t, err)
	_, err = h.reg.Cancel(ctx, "m1", "")
	require.NoError(t, err)

	h.fake.FailNext(ledgertest.OpRefund, ledgertest.Unavailable(2)...)
	c, err := h.book.Void(ctx, "alice", "m1")
	require.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	require.Equal(t, domain.CommitmentVoid, c.Status)
	require.Equal(t, domain.FundsPending, c.FundsState)

	h.advance(5 * time.Minute)
	_, err = h.gw.Reconcile(ctx)
	require.NoError(t, err)

	all, err := h.book.ListByMarket(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, domain.FundsSettled, all[0].FundsState)
	require.Equal(t, "10", h.fake.Balance("alice").String())
}
