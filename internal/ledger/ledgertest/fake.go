// Package ledgertest provides an in-memory LedgerClient with balances,
// idempotency and failure injection for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/boxmeout/settlement/internal/domain"
)

var _ domain.LedgerClient = (*Ledger)(nil)

// Op names a LedgerClient method for failure injection.
type Op string

const (
	OpEscrow  Op = "escrow"
	OpRelease Op = "release"
	OpRefund  Op = "refund"
)

type hold struct {
	owner     string
	remaining decimal.Decimal
}

// Ledger is a fake ledger that tracks user balances and escrow receipts.
// Escrow and Release are idempotent per key, Refund per receipt.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	holds    map[string]*hold
	escrows  map[string]string // key -> receipt
	releases map[string]bool
	failures map[Op][]error
	calls    map[Op]int
	seq      int
}

// New returns an empty fake ledger.
func New() *Ledger {
	return &Ledger{
		balances: make(map[string]decimal.Decimal),
		holds:    make(map[string]*hold),
		escrows:  make(map[string]string),
		releases: make(map[string]bool),
		failures: make(map[Op][]error),
		calls:    make(map[Op]int),
	}
}

// Fund credits userID with amount.
func (l *Ledger) Fund(userID string, amount decimal.Decimal) {
	l.mu.Lock()
	l.balances[userID] = l.balances[userID].Add(amount)
	l.mu.Unlock()
}

// Balance returns the free balance of userID.
func (l *Ledger) Balance(userID string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

// Held returns the sum of all outstanding holds.
func (l *Ledger) Held() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, h := range l.holds {
		total = total.Add(h.remaining)
	}
	return total
}

// Total returns free balances plus holds; it only changes through Fund.
func (l *Ledger) Total() decimal.Decimal {
	l.mu.Lock()
	total := decimal.Zero
	for _, b := range l.balances {
		total = total.Add(b)
	}
	l.mu.Unlock()
	return total.Add(l.Held())
}

// Users returns every account with a balance entry, sorted.
func (l *Ledger) Users() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.balances))
	for u := range l.balances {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// FailNext makes the next calls to op fail with errs, in order. Pass
// errors wrapping domain.ErrLedgerUnavailable or domain.ErrLedgerRejected.
func (l *Ledger) FailNext(op Op, errs ...error) {
	l.mu.Lock()
	l.failures[op] = append(l.failures[op], errs...)
	l.mu.Unlock()
}

// Unavailable returns n retryable failures for use with FailNext.
func Unavailable(n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = fmt.Errorf("fake: timeout: %w", domain.ErrLedgerUnavailable)
	}
	return out
}

// Calls returns how many times op was invoked, failures included.
func (l *Ledger) Calls(op Op) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

func (l *Ledger) injected(op Op) error {
	l.calls[op]++
	q := l.failures[op]
	if len(q) == 0 {
		return nil
	}
	l.failures[op] = q[1:]
	return q[0]
}

// Escrow implements domain.LedgerClient.
func (l *Ledger) Escrow(_ context.Context, key, userID string, amount decimal.Decimal) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected(OpEscrow); err != nil {
		return "", err
	}
	if receipt, ok := l.escrows[key]; ok {
		return receipt, nil
	}
	if l.balances[userID].LessThan(amount) {
		return "", fmt.Errorf("fake: %s has %s, needs %s: %w", userID, l.balances[userID], amount, domain.ErrLedgerRejected)
	}
	l.seq++
	receipt := fmt.Sprintf("rcpt-%d", l.seq)
	l.balances[userID] = l.balances[userID].Sub(amount)
	l.holds[receipt] = &hold{owner: userID, remaining: amount}
	l.escrows[key] = receipt
	return receipt, nil
}

// Release implements domain.LedgerClient.
func (l *Ledger) Release(_ context.Context, key, receiptID, toUserID string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected(OpRelease); err != nil {
		return err
	}
	if l.releases[key] {
		return nil
	}
	h, ok := l.holds[receiptID]
	if !ok {
		return fmt.Errorf("fake: unknown receipt %s: %w", receiptID, domain.ErrLedgerRejected)
	}
	if h.remaining.LessThan(amount) {
		return fmt.Errorf("fake: receipt %s holds %s, release %s: %w", receiptID, h.remaining, amount, domain.ErrLedgerRejected)
	}
	h.remaining = h.remaining.Sub(amount)
	l.balances[toUserID] = l.balances[toUserID].Add(amount)
	l.releases[key] = true
	return nil
}

// Refund implements domain.LedgerClient.
func (l *Ledger) Refund(_ context.Context, receiptID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected(OpRefund); err != nil {
		return err
	}
	h, ok := l.holds[receiptID]
	if !ok {
		return fmt.Errorf("fake: unknown receipt %s: %w", receiptID, domain.ErrLedgerRejected)
	}
	l.balances[h.owner] = l.balances[h.owner].Add(h.remaining)
	h.remaining = decimal.Zero
	return nil
}
