package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/boxmeout/settlement/internal/domain"
)

// TransferStore implements domain.TransferStore, the ledger journal.
type TransferStore struct {
	pool *pgxpool.Pool
}

// NewTransferStore creates a TransferStore.
func NewTransferStore(pool *pgxpool.Pool) *TransferStore {
	return &TransferStore{pool: pool}
}

// Save upserts a transfer.
func (s *TransferStore) Save(ctx context.Context, t domain.Transfer) error {
	data, err := encode(t)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO transfers (id, market_id, kind, state, attached, created_at, updated_at, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state, attached = EXCLUDED.attached,
			updated_at = EXCLUDED.updated_at, data = EXCLUDED.data`
	_, err = s.pool.Exec(ctx, query,
		t.ID, t.MarketID, string(t.Kind), string(t.State), t.Attached, t.CreatedAt, t.UpdatedAt, data)
	if err != nil {
		return fmt.Errorf("postgres: save transfer %s: %w", t.ID, err)
	}
	return nil
}

// Get returns a transfer by id.
func (s *TransferStore) Get(ctx context.Context, id string) (domain.Transfer, error) {
	t, err := one[domain.Transfer](s.pool.QueryRow(ctx, `SELECT data FROM transfers WHERE id = $1`, id))
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("postgres: get transfer %s: %w", id, err)
	}
	return t, nil
}

// ListByMarket returns the transfers of marketID, oldest first.
func (s *TransferStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Transfer, error) {
	return s.list(ctx, "list transfers",
		`SELECT data FROM transfers WHERE market_id = $1 ORDER BY created_at, id`, marketID)
}

// ListPending returns PENDING transfers last updated before cutoff.
func (s *TransferStore) ListPending(ctx context.Context, before time.Time) ([]domain.Transfer, error) {
	return s.list(ctx, "list pending transfers",
		`SELECT data FROM transfers WHERE state = 'PENDING' AND updated_at < $1 ORDER BY created_at, id`, before)
}

// ListUnattached returns confirmed escrows that never reached core state.
func (s *TransferStore) ListUnattached(ctx context.Context, before time.Time) ([]domain.Transfer, error) {
	const query = `
		SELECT data FROM transfers
		WHERE kind = 'ESCROW' AND state = 'CONFIRMED' AND NOT attached AND created_at < $1
		ORDER BY created_at, id`
	return s.list(ctx, "list unattached transfers", query, before)
}

func (s *TransferStore) list(ctx context.Context, op, query string, args ...any) ([]domain.Transfer, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	out, err := collect[domain.Transfer](rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return out, nil
}

var _ domain.TransferStore = (*TransferStore)(nil)
