package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/boxmeout/settlement/internal/domain"
)

// EventLog keeps an append-only copy of every published domain event for
// audit. Appending the same event id twice is a no-op, so redelivery is
// harmless.
type EventLog struct {
	pool *pgxpool.Pool
}

// NewEventLog creates an EventLog backed by the given connection pool.
func NewEventLog(pool *pgxpool.Pool) *EventLog {
	return &EventLog{pool: pool}
}

// Name identifies the log as an event sink.
func (l *EventLog) Name() string { return "postgres" }

// Deliver appends ev.
func (l *EventLog) Deliver(ctx context.Context, ev domain.Event) error {
	attrs, err := json.Marshal(ev.Attributes)
	if err != nil {
		return fmt.Errorf("postgres: marshal event attributes: %w", err)
	}
	const query = `
		INSERT INTO event_log (id, type, market_id, occurred_at, attributes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`
	if _, err := l.pool.Exec(ctx, query, ev.ID, string(ev.Type), ev.MarketID, ev.OccurredAt, attrs); err != nil {
		return fmt.Errorf("postgres: log event %s: %w", ev.Type, err)
	}
	return nil
}

// List returns the events of marketID in occurrence order.
func (l *EventLog) List(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Event, error) {
	query := `SELECT id, type, market_id, occurred_at, attributes FROM event_log WHERE market_id = $1`
	args := []any{marketID}
	query, args = timeRange(query, args, "occurred_at", opts.Since, opts.Until)
	query += " ORDER BY occurred_at, id"
	query, args = pageClause(query, args, opts)

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events %s: %w", marketID, err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			ev    domain.Event
			typ   string
			attrs []byte
		)
		if err := rows.Scan(&ev.ID, &typ, &ev.MarketID, &ev.OccurredAt, &attrs); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.Type = domain.EventType(typ)
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &ev.Attributes); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal event attributes: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	return events, nil
}
var _ domain.EventLog = (*EventLog)(nil)
