package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/boxmeout/settlement/internal/domain"
)

// CommitmentStore implements domain.CommitmentStore. The partial unique
// index uq_commitments_active enforces one live commitment per user and
// market.
type CommitmentStore struct {
	pool *pgxpool.Pool
}

// NewCommitmentStore creates a CommitmentStore.
func NewCommitmentStore(pool *pgxpool.Pool) *CommitmentStore {
	return &CommitmentStore{pool: pool}
}

// Create inserts c, returning domain.ErrAlreadyExists if the user already
// holds an active commitment in the market.
func (s *CommitmentStore) Create(ctx context.Context, c domain.Commitment) error {
	data, err := encode(c)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO commitments (id, market_id, user_id, status, committed_at, data)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = s.pool.Exec(ctx, query, c.ID, c.MarketID, c.UserID, string(c.Status), c.CommittedAt, data)
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: create commitment %s/%s: %w", c.MarketID, c.UserID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: create commitment %s: %w", c.ID, err)
	}
	return nil
}

// Update replaces a commitment.
func (s *CommitmentStore) Update(ctx context.Context, c domain.Commitment) error {
	data, err := encode(c)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE commitments SET status = $2, data = $3 WHERE id = $1`,
		c.ID, string(c.Status), data)
	if err != nil {
		return fmt.Errorf("postgres: update commitment %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update commitment %s: %w", c.ID, domain.ErrNotFound)
	}
	return nil
}

// GetActive returns the non-VOID commitment of userID in marketID.
func (s *CommitmentStore) GetActive(ctx context.Context, marketID, userID string) (domain.Commitment, error) {
	const query = `
		SELECT data FROM commitments
		WHERE market_id = $1 AND user_id = $2 AND status <> 'VOID'`
	c, err := one[domain.Commitment](s.pool.QueryRow(ctx, query, marketID, userID))
	if err != nil {
		return domain.Commitment{}, fmt.Errorf("postgres: get commitment %s/%s: %w", marketID, userID, err)
	}
	return c, nil
}

// ListByMarket returns every commitment in marketID, VOID included, ordered
// by commit time then id.
func (s *CommitmentStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Commitment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM commitments WHERE market_id = $1 ORDER BY committed_at, id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list commitments %s: %w", marketID, err)
	}
	cs, err := collect[domain.Commitment](rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list commitments %s: %w", marketID, err)
	}
	return cs, nil
}

var _ domain.CommitmentStore = (*CommitmentStore)(nil)
