package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketFilter narrows MarketStore.List.
type MarketFilter struct {
	Statuses      []MarketStatus
	ClosingBefore *time.Time
	ListOpts
}

// MarketStore persists markets.
type MarketStore interface {
	Create(ctx context.Context, m Market) error
	Update(ctx context.Context, m Market) error
	Get(ctx context.Context, id string) (Market, error)
	List(ctx context.Context, f MarketFilter) ([]Market, error)
}

// CommitmentStore persists commitments. Create returns ErrAlreadyExists when
// an active (non-VOID) commitment exists for the same (user, market).
type CommitmentStore interface {
	Create(ctx context.Context, c Commitment) error
	Update(ctx context.Context, c Commitment) error
	GetActive(ctx context.Context, marketID, userID string) (Commitment, error)
	ListByMarket(ctx context.Context, marketID string) ([]Commitment, error)
}

// AMMStore persists pools, positions and trade history. ApplyTrade and
// ApplyLiquidity write all their arguments atomically.
type AMMStore interface {
	GetPool(ctx context.Context, marketID string) (LiquidityPool, error)
	SavePool(ctx context.Context, p LiquidityPool) error
	GetPosition(ctx context.Context, key PositionKey) (Position, error)
	ListPositions(ctx context.Context, marketID string) ([]Position, error)
	ApplyTrade(ctx context.Context, p LiquidityPool, pos Position, t Trade) error
	ApplyLiquidity(ctx context.Context, p LiquidityPool, c LiquidityChange) error
	ListTrades(ctx context.Context, marketID string, opts ListOpts) ([]Trade, error)
}

// SettlementStore persists settlement records, one per market.
type SettlementStore interface {
	Get(ctx context.Context, marketID string) (SettlementRecord, error)
	Save(ctx context.Context, r SettlementRecord) error
}

// TransferStore is the ledger transfer journal.
type TransferStore interface {
	Save(ctx context.Context, t Transfer) error
	Get(ctx context.Context, id string) (Transfer, error)
	ListByMarket(ctx context.Context, marketID string) ([]Transfer, error)
	// ListPending returns PENDING transfers last updated before cutoff,
	// oldest first.
	ListPending(ctx context.Context, before time.Time) ([]Transfer, error)
	// ListUnattached returns confirmed escrows never bound to a core record
	// and created before cutoff.
	ListUnattached(ctx context.Context, before time.Time) ([]Transfer, error)
}

// EventLog is the audit trail of published events.
type EventLog interface {
	List(ctx context.Context, marketID string, opts ListOpts) ([]Event, error)
}
