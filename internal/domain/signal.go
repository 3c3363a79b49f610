package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names a domain event.
type EventType string

const (
	EventMarketOpened        EventType = "MarketOpened"
	EventMarketClosed        EventType = "MarketClosed"
	EventPredictionCommitted EventType = "PredictionCommitted"
	EventPredictionRevealed  EventType = "PredictionRevealed"
	EventSharesTraded        EventType = "SharesTraded"
	EventLiquidityChanged    EventType = "LiquidityChanged"
	EventMarketResolved      EventType = "MarketResolved"
	EventMarketDisputed      EventType = "MarketDisputed"
	EventMarketCancelled     EventType = "MarketCancelled"
	EventWinningsClaimed     EventType = "WinningsClaimed"
	EventTransferStuck       EventType = "TransferStuck"
)

// Event is a domain event. ID is a UUID consumers use to drop duplicates,
// since delivery is at-least-once. Attributes hold JSON-compatible values
// only (strings, numbers, bools).
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	MarketID   string         `json:"market_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// NewEvent stamps a new event with a fresh id.
func NewEvent(t EventType, marketID string, at time.Time, attrs map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		MarketID:   marketID,
		OccurredAt: at.UTC(),
		Attributes: attrs,
	}
}

// EventPublisher accepts events for asynchronous delivery. Publish never
// fails the caller's operation.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event)
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(context.Context, Event) {}
