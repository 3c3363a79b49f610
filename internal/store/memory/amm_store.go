package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/boxmeout/settlement/internal/domain"
)

// AMMStore implements domain.AMMStore.
type AMMStore struct {
	mu        sync.RWMutex
	pools     map[string]domain.LiquidityPool
	positions map[domain.PositionKey]domain.Position
	trades    map[string][]domain.Trade
	changes   map[string][]domain.LiquidityChange
}

// NewAMMStore creates an empty AMMStore.
func NewAMMStore() *AMMStore {
	return &AMMStore{
		pools:     make(map[string]domain.LiquidityPool),
		positions: make(map[domain.PositionKey]domain.Position),
		trades:    make(map[string][]domain.Trade),
		changes:   make(map[string][]domain.LiquidityChange),
	}
}

// GetPool returns the pool of marketID.
func (s *AMMStore) GetPool(_ context.Context, marketID string) (domain.LiquidityPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[marketID]
	if !ok {
		return domain.LiquidityPool{}, fmt.Errorf("memory: get pool %s: %w", marketID, domain.ErrNotFound)
	}
	return p.Clone(), nil
}

// SavePool upserts a pool.
func (s *AMMStore) SavePool(_ context.Context, p domain.LiquidityPool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[p.MarketID] = p.Clone()
	return nil
}

// GetPosition returns the position identified by key.
func (s *AMMStore) GetPosition(_ context.Context, key domain.PositionKey) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[key]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: get position %s/%s/%s: %w",
			key.MarketID, key.UserID, key.Outcome, domain.ErrNotFound)
	}
	return pos, nil
}

// ListPositions returns every position in marketID ordered by user then
// outcome.
func (s *AMMStore) ListPositions(_ context.Context, marketID string) ([]domain.Position, error) {
	s.mu.RLock()
	var out []domain.Position
	for k, pos := range s.positions {
		if k.MarketID == marketID {
			out = append(out, pos)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Outcome < out[j].Outcome
	})
	return out, nil
}

// ApplyTrade writes the pool, position and trade in one step.
func (s *AMMStore) ApplyTrade(_ context.Context, p domain.LiquidityPool, pos domain.Position, t domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[p.MarketID] = p.Clone()
	s.positions[pos.Key()] = pos
	s.trades[t.MarketID] = append(s.trades[t.MarketID], t)
	return nil
}

// ApplyLiquidity writes the pool and the liquidity change in one step.
func (s *AMMStore) ApplyLiquidity(_ context.Context, p domain.LiquidityPool, c domain.LiquidityChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[p.MarketID] = p.Clone()
	s.changes[c.MarketID] = append(s.changes[c.MarketID], c)
	return nil
}

// ListTrades returns the trades of marketID, newest first.
func (s *AMMStore) ListTrades(_ context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	s.mu.RLock()
	src := s.trades[marketID]
	out := make([]domain.Trade, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		t := src[i]
		if opts.Since != nil && t.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !t.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, t)
	}
	s.mu.RUnlock()
	return paginate(out, opts), nil
}
