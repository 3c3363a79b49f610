// Package notify forwards selected domain events to operator chat channels
// (Telegram, Discord).
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/boxmeout/settlement/internal/domain"
	"github.com/boxmeout/settlement/internal/events"
)

// DefaultEvents are the event types operators are alerted on when none are
// configured.
var DefaultEvents = []string{
	string(domain.EventMarketDisputed),
	string(domain.EventMarketCancelled),
	string(domain.EventTransferStuck),
}

// Sender delivers one message to a channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier is an events.Sink that formats allowed events and hands them to
// every sender.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list selects
// DefaultEvents; "*" allows every type.
func NewNotifier(senders []Sender, eventTypes []string, logger *slog.Logger) *Notifier {
	if len(eventTypes) == 0 {
		eventTypes = DefaultEvents
	}
	allowed := make(map[domain.EventType]bool, len(eventTypes))
	for _, e := range eventTypes {
		allowed[domain.EventType(strings.TrimSpace(e))] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Name implements events.Sink.
func (n *Notifier) Name() string { return "notify" }

// Deliver implements events.Sink. Filtered events are acknowledged without
// sending. A sender rejecting the message outright is not retried.
func (n *Notifier) Deliver(ctx context.Context, ev domain.Event) error {
	if !n.allows(ev.Type) {
		return nil
	}
	title, message := Format(ev)
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) allows(t domain.EventType) bool {
	return n.events["*"] || n.events[t]
}

// dispatch sends to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var (
		errs      []error
		permanent = true
	)
	for _, s := range n.senders {
		err := s.Send(ctx, title, message)
		if err == nil {
			n.logger.DebugContext(ctx, "notify: sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
			continue
		}
		n.logger.ErrorContext(ctx, "notify: sender failed",
			slog.String("sender", s.Name()),
			slog.String("error", err.Error()),
		)
		var se *StatusError
		if !errors.As(err, &se) || !se.Permanent() {
			permanent = false
		}
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil
	}
	err := fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	if permanent {
		return events.Permanent(err)
	}
	return err
}

// Format renders ev as a title and a body of sorted key=value lines.
func Format(ev domain.Event) (string, string) {
	title := fmt.Sprintf("%s %s", ev.Type, ev.MarketID)

	keys := make([]string, 0, len(ev.Attributes))
	for k := range ev.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v\n", k, ev.Attributes[k])
	}
	fmt.Fprintf(&b, "at %s", ev.OccurredAt.Format("2006-01-02 15:04:05Z07:00"))
	return title, b.String()
}

// StatusError is a non-2xx reply from a chat API.
type StatusError struct {
	Sender string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Sender, e.Code, e.Body)
}

// Permanent reports a client error other than rate limiting.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != 429
}

var _ events.Sink = (*Notifier)(nil)
