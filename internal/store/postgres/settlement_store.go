package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/boxmeout/settlement/internal/domain"
)

// SettlementStore implements domain.SettlementStore, one row per market.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a SettlementStore.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// Get returns the record of marketID.
func (s *SettlementStore) Get(ctx context.Context, marketID string) (domain.SettlementRecord, error) {
	r, err := one[domain.SettlementRecord](s.pool.QueryRow(ctx,
		`SELECT data FROM settlement_records WHERE market_id = $1`, marketID))
	if err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("postgres: get settlement %s: %w", marketID, err)
	}
	if r.Payouts == nil {
		r.Payouts = make(map[string]domain.Payout)
	}
	return r, nil
}

// Save upserts a record.
func (s *SettlementStore) Save(ctx context.Context, r domain.SettlementRecord) error {
	data, err := encode(r)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO settlement_records (market_id, kind, version, data, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (market_id) DO UPDATE SET
			kind = EXCLUDED.kind, version = EXCLUDED.version,
			data = EXCLUDED.data, updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, r.MarketID, string(r.Kind), r.Version, data); err != nil {
		return fmt.Errorf("postgres: save settlement %s: %w", r.MarketID, err)
	}
	return nil
}

var _ domain.SettlementStore = (*SettlementStore)(nil)
