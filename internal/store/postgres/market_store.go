package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/boxmeout/settlement/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

// marketDoc is the stored form of a market. Participants are not part of
// the market's public JSON, so they are carried alongside it.
type marketDoc struct {
	domain.Market
	Participants []string `json:"participants"`
}

func (d marketDoc) market() domain.Market {
	m := d.Market
	m.Participants = d.Participants
	return m
}

// Create inserts a new market. It returns domain.ErrAlreadyExists when the
// id is taken.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	data, err := encode(marketDoc{Market: m, Participants: m.Participants})
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO markets (id, creator_id, status, closing_at, created_at, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`
	_, err = s.pool.Exec(ctx, query, m.ID, m.CreatorID, string(m.Status), m.ClosingAt, m.CreatedAt, data)
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: create market %s: %w", m.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

// Update replaces an existing market.
func (s *MarketStore) Update(ctx context.Context, m domain.Market) error {
	data, err := encode(marketDoc{Market: m, Participants: m.Participants})
	if err != nil {
		return err
	}
	const query = `
		UPDATE markets
		SET status = $2, closing_at = $3, data = $4, updated_at = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, m.ID, string(m.Status), m.ClosingAt, data)
	if err != nil {
		return fmt.Errorf("postgres: update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update market %s: %w", m.ID, domain.ErrNotFound)
	}
	return nil
}

// Get returns a market by id.
func (s *MarketStore) Get(ctx context.Context, id string) (domain.Market, error) {
	doc, err := one[marketDoc](s.pool.QueryRow(ctx, `SELECT data FROM markets WHERE id = $1`, id))
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return doc.market(), nil
}

// List returns markets matching f ordered by creation time, then id.
func (s *MarketStore) List(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	query := `SELECT data FROM markets WHERE 1=1`
	var args []any

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if f.ClosingBefore != nil {
		args = append(args, *f.ClosingBefore)
		query += fmt.Sprintf(" AND closing_at < $%d", len(args))
	}
	query, args = timeRange(query, args, "created_at", f.Since, f.Until)
	query += " ORDER BY created_at, id"
	query, args = pageClause(query, args, f.ListOpts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	docs, err := collect[marketDoc](rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	markets := make([]domain.Market, len(docs))
	for i, d := range docs {
		markets[i] = d.market()
	}
	return markets, nil
}

var _ domain.MarketStore = (*MarketStore)(nil)
