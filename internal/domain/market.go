package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketOpen      MarketStatus = "OPEN"
	MarketClosed    MarketStatus = "CLOSED"
	MarketResolved  MarketStatus = "RESOLVED"
	MarketDisputed  MarketStatus = "DISPUTED"
	MarketCancelled MarketStatus = "CANCELLED"
)

// Valid reports whether s is a known status.
func (s MarketStatus) Valid() bool {
	switch s {
	case MarketOpen, MarketClosed, MarketResolved, MarketDisputed, MarketCancelled:
		return true
	}
	return false
}

// Outcome identifies one side of a binary market.
type Outcome uint8

const (
	OutcomeNo  Outcome = 0
	OutcomeYes Outcome = 1
)

// Valid reports whether o is one of the two binary outcomes.
func (o Outcome) Valid() bool { return o == OutcomeNo || o == OutcomeYes }

// Opposite returns the other outcome.
func (o Outcome) Opposite() Outcome { return 1 - o }

func (o Outcome) String() string {
	switch o {
	case OutcomeNo:
		return "NO"
	case OutcomeYes:
		return "YES"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// ParseOutcome accepts "0"/"1" or "NO"/"YES" in any case.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "0", "NO":
		return OutcomeNo, nil
	case "1", "YES":
		return OutcomeYes, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidOutcome, s)
}

// Dispute is a participant's challenge to a declared resolution.
type Dispute struct {
	UserID      string    `json:"user_id"`
	Reason      string    `json:"reason"`
	EvidenceURL string    `json:"evidence_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Market is a binary prediction market and its lifecycle state.
type Market struct {
	ID               string          `json:"id"`
	CreatorID        string          `json:"creator_id"`
	Category         string          `json:"category"`
	Question         string          `json:"question"`
	Outcomes         [2]string       `json:"outcomes"` // indexed by Outcome
	Status           MarketStatus    `json:"status"`
	ClosingAt        time.Time       `json:"closing_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
	ResolvedOutcome  *Outcome        `json:"resolved_outcome,omitempty"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	DisputeDeadline  *time.Time      `json:"dispute_deadline,omitempty"`
	ResolutionRound  int             `json:"resolution_round"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty"`
	CancelReason     string          `json:"cancel_reason,omitempty"`
	TotalVolume      decimal.Decimal `json:"total_volume"`
	FeesCollected    decimal.Decimal `json:"fees_collected"`
	ParticipantCount int             `json:"participant_count"`
	Participants     []string        `json:"-"` // sorted, distinct
	Disputes         []Dispute       `json:"disputes,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate it without affecting the
// stored original.
func (m Market) Clone() Market {
	out := m
	out.ClosedAt = cloneTime(m.ClosedAt)
	out.ResolvedAt = cloneTime(m.ResolvedAt)
	out.DisputeDeadline = cloneTime(m.DisputeDeadline)
	out.CancelledAt = cloneTime(m.CancelledAt)
	if m.ResolvedOutcome != nil {
		o := *m.ResolvedOutcome
		out.ResolvedOutcome = &o
	}
	if m.Participants != nil {
		out.Participants = append([]string(nil), m.Participants...)
	}
	if m.Disputes != nil {
		out.Disputes = append([]Dispute(nil), m.Disputes...)
	}
	return out
}

// HasParticipant reports whether userID has been recorded as a participant.
func (m Market) HasParticipant(userID string) bool {
	i := sort.SearchStrings(m.Participants, userID)
	return i < len(m.Participants) && m.Participants[i] == userID
}

// AddParticipant records userID, keeping Participants sorted and distinct.
// It reports whether the set changed.
func (m *Market) AddParticipant(userID string) bool {
	i := sort.SearchStrings(m.Participants, userID)
	if i < len(m.Participants) && m.Participants[i] == userID {
		return false
	}
	m.Participants = append(m.Participants, "")
	copy(m.Participants[i+1:], m.Participants[i:])
	m.Participants[i] = userID
	m.ParticipantCount = len(m.Participants)
	return true
}

// DisputedBy reports whether userID has already filed a dispute in the
// current resolution round.
func (m Market) DisputedBy(userID string) bool {
	for _, d := range m.Disputes {
		if d.UserID == userID && m.ResolvedAt != nil && !d.CreatedAt.Before(*m.ResolvedAt) {
			return true
		}
	}
	return false
}

// Final reports whether no further lifecycle transition can happen and
// payouts are settled: CANCELLED, or RESOLVED with the dispute window over.
func (m Market) Final(now time.Time) bool {
	switch m.Status {
	case MarketCancelled:
		return true
	case MarketResolved:
		return m.DisputeDeadline == nil || !now.Before(*m.DisputeDeadline)
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
