package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/boxmeout/settlement/internal/domain"
)

// CommitmentStore implements domain.CommitmentStore.
type CommitmentStore struct {
	mu   sync.RWMutex
	byID map[string]domain.Commitment
}

// NewCommitmentStore creates an empty CommitmentStore.
func NewCommitmentStore() *CommitmentStore {
	return &CommitmentStore{byID: make(map[string]domain.Commitment)}
}

// Create inserts c, rejecting a second active commitment for the same
// (user, market).
func (s *CommitmentStore) Create(_ context.Context, c domain.Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[c.ID]; ok {
		return fmt.Errorf("memory: create commitment %s: %w", c.ID, domain.ErrAlreadyExists)
	}
	for _, existing := range s.byID {
		if existing.MarketID == c.MarketID && existing.UserID == c.UserID && existing.Active() {
			return fmt.Errorf("memory: create commitment %s/%s: %w", c.MarketID, c.UserID, domain.ErrAlreadyExists)
		}
	}
	s.byID[c.ID] = c.Clone()
	return nil
}

// Update replaces an existing commitment.
func (s *CommitmentStore) Update(_ context.Context, c domain.Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[c.ID]; !ok {
		return fmt.Errorf("memory: update commitment %s: %w", c.ID, domain.ErrNotFound)
	}
	s.byID[c.ID] = c.Clone()
	return nil
}

// GetActive returns the non-VOID commitment of userID in marketID.
func (s *CommitmentStore) GetActive(_ context.Context, marketID, userID string) (domain.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.byID {
		if c.MarketID == marketID && c.UserID == userID && c.Active() {
			return c.Clone(), nil
		}
	}
	return domain.Commitment{}, fmt.Errorf("memory: get commitment %s/%s: %w", marketID, userID, domain.ErrNotFound)
}

// ListByMarket returns every commitment in marketID, VOID included, ordered
// by commit time then id.
func (s *CommitmentStore) ListByMarket(_ context.Context, marketID string) ([]domain.Commitment, error) {
	s.mu.RLock()
	var out []domain.Commitment
	for _, c := range s.byID {
		if c.MarketID == marketID {
			out = append(out, c.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CommittedAt.Equal(out[j].CommittedAt) {
			return out[i].CommittedAt.Before(out[j].CommittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
