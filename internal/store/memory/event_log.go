package memory

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/boxmeout/settlement/internal/domain"
)

var _ domain.EventLog = (*EventLog)(nil)

// EventLog keeps every delivered event in process. Redelivering an event id
// is a no-op.
type EventLog struct {
	mu       sync.RWMutex
	seen     map[string]struct{}
	byMarket map[string][]domain.Event
}

// NewEventLog creates an empty EventLog.
func NewEventLog() *EventLog {
	return &EventLog{
		seen:     make(map[string]struct{}),
		byMarket: make(map[string][]domain.Event),
	}
}

// Name identifies the log as an event sink.
func (l *EventLog) Name() string { return "memory" }

// Deliver appends ev.
func (l *EventLog) Deliver(_ context.Context, ev domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[ev.ID]; ok {
		return nil
	}
	l.seen[ev.ID] = struct{}{}
	ev.Attributes = maps.Clone(ev.Attributes)
	l.byMarket[ev.MarketID] = append(l.byMarket[ev.MarketID], ev)
	return nil
}

// List returns the events of marketID in occurrence order.
func (l *EventLog) List(_ context.Context, marketID string, opts domain.ListOpts) ([]domain.Event, error) {
	l.mu.RLock()
	out := make([]domain.Event, 0, len(l.byMarket[marketID]))
	for _, ev := range l.byMarket[marketID] {
		if opts.Since != nil && ev.OccurredAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !ev.OccurredAt.Before(*opts.Until) {
			continue
		}
		ev.Attributes = maps.Clone(ev.Attributes)
		out = append(out, ev)
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, opts), nil
}
