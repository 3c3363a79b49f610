package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/boxmeout/settlement/internal/domain"
)

// SettlementStore implements domain.SettlementStore.
type SettlementStore struct {
	mu      sync.RWMutex
	records map[string]domain.SettlementRecord
}

// NewSettlementStore creates an empty SettlementStore.
func NewSettlementStore() *SettlementStore {
	return &SettlementStore{records: make(map[string]domain.SettlementRecord)}
}

// Get returns the record of marketID.
func (s *SettlementStore) Get(_ context.Context, marketID string) (domain.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[marketID]
	if !ok {
		return domain.SettlementRecord{}, fmt.Errorf("memory: get settlement %s: %w", marketID, domain.ErrNotFound)
	}
	return r.Clone(), nil
}

// Save upserts a record.
func (s *SettlementStore) Save(_ context.Context, r domain.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.MarketID] = r.Clone()
	return nil
}

// TransferStore implements domain.TransferStore.
type TransferStore struct {
	mu        sync.RWMutex
	transfers map[string]domain.Transfer
}

// NewTransferStore creates an empty TransferStore.
func NewTransferStore() *TransferStore {
	return &TransferStore{transfers: make(map[string]domain.Transfer)}
}

// Save upserts a transfer.
func (s *TransferStore) Save(_ context.Context, t domain.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers[t.ID] = t.Clone()
	return nil
}

// Get returns a transfer by id.
func (s *TransferStore) Get(_ context.Context, id string) (domain.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[id]
	if !ok {
		return domain.Transfer{}, fmt.Errorf("memory: get transfer %s: %w", id, domain.ErrNotFound)
	}
	return t.Clone(), nil
}

// ListByMarket returns the transfers of marketID, oldest first.
func (s *TransferStore) ListByMarket(_ context.Context, marketID string) ([]domain.Transfer, error) {
	return s.filter(func(t domain.Transfer) bool { return t.MarketID == marketID }), nil
}

// ListPending returns PENDING transfers last updated before cutoff.
func (s *TransferStore) ListPending(_ context.Context, before time.Time) ([]domain.Transfer, error) {
	return s.filter(func(t domain.Transfer) bool {
		return t.State == domain.TransferPending && t.UpdatedAt.Before(before)
	}), nil
}

// ListUnattached returns confirmed escrows that never reached core state.
func (s *TransferStore) ListUnattached(_ context.Context, before time.Time) ([]domain.Transfer, error) {
	return s.filter(func(t domain.Transfer) bool {
		return t.Kind == domain.TransferEscrow && t.State == domain.TransferConfirmed &&
			!t.Attached && t.CreatedAt.Before(before)
	}), nil
}

func (s *TransferStore) filter(keep func(domain.Transfer) bool) []domain.Transfer {
	s.mu.RLock()
	var out []domain.Transfer
	for _, t := range s.transfers {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
