// Package registry owns the lifecycle of every market and enforces which
// transitions are legal from which state.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/boxmeout/settlement/internal/domain"
	"github.com/boxmeout/settlement/internal/lock"
	"github.com/boxmeout/settlement/internal/metrics"
)

// Config holds the lifecycle parameters.
type Config struct {
	// DisputeWindow is how long after resolution a participant may dispute.
	DisputeWindow time.Duration
	// MinClosingLead is the minimum distance between creation and closingAt.
	MinClosingLead time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{DisputeWindow: 7 * 24 * time.Hour, MinClosingLead: time.Minute}
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithEvents sets the publisher for lifecycle events.
func WithEvents(p domain.EventPublisher) Option {
	return func(r *Registry) {
		if p != nil {
			r.events = p
		}
	}
}

// WithMetrics records transitions to m.
func WithMetrics(m *metrics.SettlementMetrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry is the MarketRegistry. Every mutation runs under the market's
// entry in the shared keyed lock and persists a modified copy, so a failed
// operation leaves the stored market untouched.
type Registry struct {
	store   domain.MarketStore
	locks   *lock.Keyed
	cfg     Config
	events  domain.EventPublisher
	metrics *metrics.SettlementMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Registry.
func New(store domain.MarketStore, locks *lock.Keyed, cfg Config, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:  store,
		locks:  locks,
		cfg:    cfg,
		events: domain.NopPublisher{},
		logger: logger.With(slog.String("component", "registry")),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OpenRequest describes a new market.
type OpenRequest struct {
	ID        string
	CreatorID string
	Category  string
	Question  string
	Outcomes  [2]string
	ClosingAt time.Time
}

// Open creates a market in OPEN state. closingAt must lie strictly in the
// future, at least MinClosingLead ahead.
func (r *Registry) Open(ctx context.Context, req OpenRequest) (domain.Market, error) {
	now := r.now()
	var problems []string
	if strings.TrimSpace(req.CreatorID) == "" {
		problems = append(problems, "creator is required")
	}
	if strings.TrimSpace(req.Question) == "" {
		problems = append(problems, "question is required")
	}
	if !req.ClosingAt.After(now.Add(r.cfg.MinClosingLead)) {
		problems = append(problems, fmt.Sprintf("closing_at %s must be after %s",
			req.ClosingAt.UTC().Format(time.RFC3339), now.Add(r.cfg.MinClosingLead).Format(time.RFC3339)))
	}
	if len(problems) > 0 {
		return domain.Market{}, fmt.Errorf("registry: open: %w: %s", domain.ErrInvalidMarket, strings.Join(problems, "; "))
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Outcomes == ([2]string{}) {
		req.Outcomes = [2]string{"NO", "YES"}
	}
	m := domain.Market{
		ID:            req.ID,
		CreatorID:     req.CreatorID,
		Category:      req.Category,
		Question:      req.Question,
		Outcomes:      req.Outcomes,
		Status:        domain.MarketOpen,
		ClosingAt:     req.ClosingAt.UTC(),
		TotalVolume:   decimal.Zero,
		FeesCollected: decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	ctx, unlock, err := r.locks.Lock(ctx, m.ID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("registry: open %s: %w", m.ID, err)
	}
	defer unlock()

	err = r.store.Create(ctx, m)
	r.metrics.RecordTransition("open", err)
	if err != nil {
		return domain.Market{}, fmt.Errorf("registry: open %s: %w", m.ID, err)
	}

	r.logger.InfoContext(ctx, "registry: market opened",
		slog.String("market_id", m.ID),
		slog.String("creator_id", m.CreatorID),
		slog.Time("closing_at", m.ClosingAt),
	)
	r.events.Publish(ctx, domain.NewEvent(domain.EventMarketOpened, m.ID, now, map[string]any{
		"creator_id": m.CreatorID,
		"category":   m.Category,
		"closing_at": m.ClosingAt.Format(time.RFC3339),
	}))
	return m, nil
}

// Close moves an OPEN market to CLOSED. It is allowed once closingAt has
// passed, or earlier when callerID is the creator and pendingCommitments
// (committed but unrevealed) is zero.
func (r *Registry) Close(ctx context.Context, marketID, callerID string, pendingCommitments int) (domain.Market, error) {
	m, err := r.mutate(ctx, marketID, "close", func(m *domain.Market, now time.Time) error {
		if m.Status != domain.MarketOpen {
			return transition(m, "close")
		}
		if now.Before(m.ClosingAt) {
			if callerID == "" || callerID != m.CreatorID {
				return fmt.Errorf("market closes at %s, only the creator may close early: %w",
					m.ClosingAt.Format(time.RFC3339), domain.ErrUnauthorized)
			}
			if pendingCommitments > 0 {
				return fmt.Errorf("%d commitments still unrevealed: %w",
					pendingCommitments, domain.ErrInvalidStateTransition)
			}
		}
		m.Status = domain.MarketClosed
		m.ClosedAt = &now
		return nil
	})
	if err != nil {
		return domain.Market{}, err
	}
	r.events.Publish(ctx, domain.NewEvent(domain.EventMarketClosed, m.ID, *m.ClosedAt, map[string]any{
		"closed_by": callerID,
	}))
	return m, nil
}

// Resolve moves a CLOSED market to RESOLVED with outcome and opens the
// dispute window. Resolving an already RESOLVED market with the same
// outcome returns it unchanged so callers can retry safely; a different
// outcome is an invalid transition.
func (r *Registry) Resolve(ctx context.Context, marketID string, outcome domain.Outcome) (domain.Market, error) {
	if !outcome.Valid() {
		return domain.Market{}, fmt.Errorf("registry: resolve %s: %w", marketID, domain.ErrInvalidOutcome)
	}
	changed := false
	m, err := r.mutate(ctx, marketID, "resolve", func(m *domain.Market, now time.Time) error {
		if m.Status == domain.MarketResolved && m.ResolvedOutcome != nil && *m.ResolvedOutcome == outcome {
			return nil
		}
		if m.Status != domain.MarketClosed {
			return transition(m, "resolve")
		}
		deadline := now.Add(r.cfg.DisputeWindow)
		m.Status = domain.MarketResolved
		m.ResolvedOutcome = &outcome
		m.ResolvedAt = &now
		m.DisputeDeadline = &deadline
		m.ResolutionRound = 1
		changed = true
		return nil
	})
	if err != nil {
		return domain.Market{}, err
	}
	if changed {
		r.events.Publish(ctx, domain.NewEvent(domain.EventMarketResolved, m.ID, *m.ResolvedAt, map[string]any{
			"outcome":          int(outcome),
			"round":            m.ResolutionRound,
			"dispute_deadline": m.DisputeDeadline.Format(time.RFC3339),
		}))
	}
	return m, nil
}

// DisputeRequest is a participant's challenge of a resolution.
type DisputeRequest struct {
	MarketID    string
	UserID      string
	Reason      string
	EvidenceURL string
}

// Dispute records a dispute and moves a RESOLVED market to DISPUTED. It is
// only legal inside the dispute window and for participants, which the
// caller attests through participant. Further disputes on a DISPUTED market
// accumulate without another transition; a repeat from the same user in
// the same round is a no-op.
func (r *Registry) Dispute(ctx context.Context, req DisputeRequest, participant bool) (domain.Market, error) {
	transitioned := false
	m, err := r.mutate(ctx, req.MarketID, "dispute", func(m *domain.Market, now time.Time) error {
		if m.Status != domain.MarketResolved && m.Status != domain.MarketDisputed {
			return transition(m, "dispute")
		}
		if m.DisputeDeadline == nil || !now.Before(*m.DisputeDeadline) {
			return domain.ErrDisputeWindowClosed
		}
		if !participant {
			return fmt.Errorf("user %s: %w", req.UserID, domain.ErrNotParticipant)
		}
		if m.DisputedBy(req.UserID) {
			return nil
		}
		m.Disputes = append(m.Disputes, domain.Dispute{
			UserID:      req.UserID,
			Reason:      req.Reason,
			EvidenceURL: req.EvidenceURL,
			CreatedAt:   now,
		})
		if m.Status == domain.MarketResolved {
			m.Status = domain.MarketDisputed
			transitioned = true
		}
		return nil
	})
	if err != nil {
		return domain.Market{}, err
	}
	if transitioned {
		r.events.Publish(ctx, domain.NewEvent(domain.EventMarketDisputed, m.ID, m.UpdatedAt, map[string]any{
			"user_id": req.UserID,
			"reason":  req.Reason,
		}))
	} else {
		r.logger.InfoContext(ctx, "registry: dispute recorded",
			slog.String("market_id", m.ID),
			slog.String("user_id", req.UserID),
			slog.Int("disputes", len(m.Disputes)),
		)
	}
	return m, nil
}

// ReResolve settles a dispute by moving a DISPUTED market back to RESOLVED
// with outcome, which may equal the original one. The new resolution is
// final: its dispute window is already over.
func (r *Registry) ReResolve(ctx context.Context, marketID string, outcome domain.Outcome) (domain.Market, error) {
	if !outcome.Valid() {
		return domain.Market{}, fmt.Errorf("registry: re-resolve %s: %w", marketID, domain.ErrInvalidOutcome)
	}
	var previous domain.Outcome
	m, err := r.mutate(ctx, marketID, "re-resolve", func(m *domain.Market, now time.Time) error {
		if m.Status != domain.MarketDisputed {
			return transition(m, "re-resolve")
		}
		if m.ResolvedOutcome != nil {
			previous = *m.ResolvedOutcome
		}
		m.Status = domain.MarketResolved
		m.ResolvedOutcome = &outcome
		m.ResolvedAt = &now
		final := now
		m.DisputeDeadline = &final
		m.ResolutionRound++
		return nil
	})
	if err != nil {
		return domain.Market{}, err
	}
	r.events.Publish(ctx, domain.NewEvent(domain.EventMarketResolved, m.ID, *m.ResolvedAt, map[string]any{
		"outcome":  int(outcome),
		"previous": int(previous),
		"round":    m.ResolutionRound,
		"final":    true,
	}))
	return m, nil
}

// Cancel moves an OPEN market to CANCELLED.
func (r *Registry) Cancel(ctx context.Context, marketID, reason string) (domain.Market, error) {
	m, err := r.mutate(ctx, marketID, "cancel", func(m *domain.Market, now time.Time) error {
		if m.Status != domain.MarketOpen {
			return transition(m, "cancel")
		}
		m.Status = domain.MarketCancelled
		m.CancelledAt = &now
		m.CancelReason = reason
		return nil
	})
	if err != nil {
		return domain.Market{}, err
	}
	r.events.Publish(ctx, domain.NewEvent(domain.EventMarketCancelled, m.ID, *m.CancelledAt, map[string]any{
		"reason": reason,
	}))
	return m, nil
}

// Get returns a market.
func (r *Registry) Get(ctx context.Context, marketID string) (domain.Market, error) {
	m, err := r.store.Get(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("registry: get %s: %w", marketID, err)
	}
	return m, nil
}

// List returns markets matching f.
func (r *Registry) List(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	ms, err := r.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	return ms, nil
}

// Require returns the market when its status is one of allowed, and a
// TransitionError naming action otherwise. Components call it under the
// market lock before mutating their own state.
func (r *Registry) Require(ctx context.Context, marketID, action string, allowed ...domain.MarketStatus) (domain.Market, error) {
	m, err := r.Get(ctx, marketID)
	if err != nil {
		return domain.Market{}, err
	}
	for _, st := range allowed {
		if m.Status == st {
			return m, nil
		}
	}
	return domain.Market{}, transition(&m, action)
}

// RecordTrade adds volume and fees to the market's running totals and
// registers userID as a participant.
func (r *Registry) RecordTrade(ctx context.Context, marketID, userID string, volume, fee decimal.Decimal) error {
	_, err := r.mutate(ctx, marketID, "", func(m *domain.Market, _ time.Time) error {
		m.TotalVolume = m.TotalVolume.Add(volume)
		m.FeesCollected = m.FeesCollected.Add(fee)
		if userID != "" {
			m.AddParticipant(userID)
		}
		return nil
	})
	return err
}

// TouchParticipant registers userID as a participant of marketID.
func (r *Registry) TouchParticipant(ctx context.Context, marketID, userID string) error {
	m, err := r.Get(ctx, marketID)
	if err != nil {
		return err
	}
	if m.HasParticipant(userID) {
		return nil
	}
	_, err = r.mutate(ctx, marketID, "", func(m *domain.Market, _ time.Time) error {
		m.AddParticipant(userID)
		return nil
	})
	return err
}

// IsFinal reports whether the market is CANCELLED, or RESOLVED with its
// dispute window over.
func (r *Registry) IsFinal(ctx context.Context, marketID string) (bool, error) {
	m, err := r.Get(ctx, marketID)
	if err != nil {
		return false, err
	}
	return m.Final(r.now()), nil
}

// Now returns the registry clock reading.
func (r *Registry) Now() time.Time { return r.now() }

// mutate loads the market under its lock, applies fn to a copy and
// persists the copy only if fn succeeds. An empty name skips transition
// metrics.
func (r *Registry) mutate(ctx context.Context, marketID, name string, fn func(m *domain.Market, now time.Time) error) (domain.Market, error) {
	ctx, unlock, err := r.locks.Lock(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("registry: %s %s: %w", opName(name), marketID, err)
	}
	defer unlock()

	m, err := r.store.Get(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("registry: %s %s: %w", opName(name), marketID, err)
	}
	before := m.Status
	next := m.Clone()
	now := r.now()
	if err := fn(&next, now); err != nil {
		if name != "" {
			r.metrics.RecordTransition(name, err)
		}
		return domain.Market{}, fmt.Errorf("registry: %s %s: %w", opName(name), marketID, err)
	}
	next.UpdatedAt = now
	if err := r.store.Update(ctx, next); err != nil {
		return domain.Market{}, fmt.Errorf("registry: %s %s: %w", opName(name), marketID, err)
	}
	if name != "" {
		r.metrics.RecordTransition(name, nil)
		if before != next.Status {
			r.logger.InfoContext(ctx, "registry: market transitioned",
				slog.String("market_id", marketID),
				slog.String("transition", name),
				slog.String("from", string(before)),
				slog.String("to", string(next.Status)),
			)
		}
	}
	return next, nil
}

func transition(m *domain.Market, name string) error {
	return &domain.TransitionError{MarketID: m.ID, Transition: name, From: m.Status}
}

func opName(name string) string {
	if name == "" {
		return "update"
	}
	return name
}
