package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/boxmeout/settlement/internal/domain"
)

// AMMStore implements domain.AMMStore using PostgreSQL.
type AMMStore struct {
	pool *pgxpool.Pool
}

// NewAMMStore creates an AMMStore backed by the given connection pool.
func NewAMMStore(pool *pgxpool.Pool) *AMMStore {
	return &AMMStore{pool: pool}
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// GetPool returns the pool of marketID.
func (s *AMMStore) GetPool(ctx context.Context, marketID string) (domain.LiquidityPool, error) {
	p, err := one[domain.LiquidityPool](s.pool.QueryRow(ctx,
		`SELECT data FROM amm_pools WHERE market_id = $1`, marketID))
	if err != nil {
		return domain.LiquidityPool{}, fmt.Errorf("postgres: get pool %s: %w", marketID, err)
	}
	if p.LPBalances == nil {
		p.LPBalances = make(map[string]decimal.Decimal)
	}
	return p, nil
}

// SavePool upserts a pool.
func (s *AMMStore) SavePool(ctx context.Context, p domain.LiquidityPool) error {
	if err := savePool(ctx, s.pool, p); err != nil {
		return fmt.Errorf("postgres: save pool %s: %w", p.MarketID, err)
	}
	return nil
}

func savePool(ctx context.Context, db execer, p domain.LiquidityPool) error {
	data, err := encode(p)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO amm_pools (market_id, data, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (market_id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`
	_, err = db.Exec(ctx, query, p.MarketID, data)
	return err
}

// GetPosition returns the position identified by key.
func (s *AMMStore) GetPosition(ctx context.Context, key domain.PositionKey) (domain.Position, error) {
	const query = `
		SELECT data FROM positions
		WHERE market_id = $1 AND user_id = $2 AND outcome = $3`
	pos, err := one[domain.Position](s.pool.QueryRow(ctx, query, key.MarketID, key.UserID, int16(key.Outcome)))
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s/%s/%s: %w",
			key.MarketID, key.UserID, key.Outcome, err)
	}
	return pos, nil
}

// ListPositions returns every position in marketID ordered by user then
// outcome.
func (s *AMMStore) ListPositions(ctx context.Context, marketID string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM positions WHERE market_id = $1 ORDER BY user_id, outcome`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions %s: %w", marketID, err)
	}
	out, err := collect[domain.Position](rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions %s: %w", marketID, err)
	}
	return out, nil
}

// ApplyTrade writes the pool, position and trade in one transaction.
func (s *AMMStore) ApplyTrade(ctx context.Context, p domain.LiquidityPool, pos domain.Position, t domain.Trade) error {
	posData, err := encode(pos)
	if err != nil {
		return err
	}
	tradeData, err := encode(t)
	if err != nil {
		return err
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := savePool(ctx, tx, p); err != nil {
			return err
		}
		const upsertPosition = `
			INSERT INTO positions (market_id, user_id, outcome, data, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (market_id, user_id, outcome) DO UPDATE SET
				data = EXCLUDED.data, updated_at = NOW()`
		if _, err := tx.Exec(ctx, upsertPosition, pos.MarketID, pos.UserID, int16(pos.Outcome), posData); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO trades (id, market_id, user_id, created_at, data) VALUES ($1, $2, $3, $4, $5)`,
			t.ID, t.MarketID, t.UserID, t.CreatedAt, tradeData)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: apply trade %s: %w", t.ID, err)
	}
	return nil
}

// ApplyLiquidity writes the pool and the liquidity change in one
// transaction.
func (s *AMMStore) ApplyLiquidity(ctx context.Context, p domain.LiquidityPool, c domain.LiquidityChange) error {
	data, err := encode(c)
	if err != nil {
		return err
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := savePool(ctx, tx, p); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO liquidity_changes (id, market_id, user_id, created_at, data) VALUES ($1, $2, $3, $4, $5)`,
			c.ID, c.MarketID, c.UserID, c.CreatedAt, data)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: apply liquidity %s: %w", c.ID, err)
	}
	return nil
}

// ListTrades returns the trades of marketID, newest first.
func (s *AMMStore) ListTrades(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT data FROM trades WHERE market_id = $1`
	args := []any{marketID}
	query, args = timeRange(query, args, "created_at", opts.Since, opts.Until)
	query += " ORDER BY created_at DESC, id DESC"
	query, args = pageClause(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades %s: %w", marketID, err)
	}
	out, err := collect[domain.Trade](rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades %s: %w", marketID, err)
	}
	return out, nil
}

func timeRange(query string, args []any, col string, since, until *time.Time) (string, []any) {
	if since != nil {
		args = append(args, *since)
		query += fmt.Sprintf(" AND %s >= $%d", col, len(args))
	}
	if until != nil {
		args = append(args, *until)
		query += fmt.Sprintf(" AND %s < $%d", col, len(args))
	}
	return query, args
}

var _ domain.AMMStore = (*AMMStore)(nil)
