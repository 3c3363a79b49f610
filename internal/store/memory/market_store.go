// Package memory provides in-process implementations of the domain stores.
// They back the test suites and the "memory" storage mode. Every read and
// write copies the value so callers never share mutable state with the
// store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/boxmeout/settlement/internal/domain"
)

// Compile-time interface checks.
var (
	_ domain.MarketStore     = (*MarketStore)(nil)
	_ domain.CommitmentStore = (*CommitmentStore)(nil)
	_ domain.AMMStore        = (*AMMStore)(nil)
	_ domain.SettlementStore = (*SettlementStore)(nil)
	_ domain.TransferStore   = (*TransferStore)(nil)
)

// MarketStore implements domain.MarketStore.
type MarketStore struct {
	mu      sync.RWMutex
	markets map[string]domain.Market
}

// NewMarketStore creates an empty MarketStore.
func NewMarketStore() *MarketStore {
	return &MarketStore{markets: make(map[string]domain.Market)}
}

// Create inserts a new market.
func (s *MarketStore) Create(_ context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("memory: create market %s: %w", m.ID, domain.ErrAlreadyExists)
	}
	s.markets[m.ID] = m.Clone()
	return nil
}

// Update replaces an existing market.
func (s *MarketStore) Update(_ context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; !ok {
		return fmt.Errorf("memory: update market %s: %w", m.ID, domain.ErrNotFound)
	}
	s.markets[m.ID] = m.Clone()
	return nil
}

// Get returns a market by id.
func (s *MarketStore) Get(_ context.Context, id string) (domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, fmt.Errorf("memory: get market %s: %w", id, domain.ErrNotFound)
	}
	return m.Clone(), nil
}

// List returns markets matching f ordered by creation time, then id.
func (s *MarketStore) List(_ context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	s.mu.RLock()
	out := make([]domain.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if !matchMarket(m, f) {
			continue
		}
		out = append(out, m.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, f.ListOpts), nil
}

func matchMarket(m domain.Market, f domain.MarketFilter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if m.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ClosingBefore != nil && !m.ClosingAt.Before(*f.ClosingBefore) {
		return false
	}
	if f.Since != nil && m.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !m.CreatedAt.Before(*f.Until) {
		return false
	}
	return true
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return items[:0]
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}
