// Package events delivers domain events to their sinks.
//
// Every sink has its own FIFO backlog and worker, so a sink that is down
// only delays itself. Publish never blocks on a sink and never discards an
// event: failed deliveries are retried with capped exponential backoff until
// they succeed, fail permanently or the process stops. A journal sink, when
// set, is written inline by Publish so the durable record exists before the
// operation returns; if that write fails the event joins the journal's
// backlog like any other. Delivery is at-least-once; consumers drop
// duplicates by event id.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/boxmeout/settlement/internal/domain"
	"github.com/boxmeout/settlement/internal/metrics"
)

// Sink receives events. Deliver must be idempotent for the same event id.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev domain.Event) error
}

// Permanent marks a delivery error that retrying cannot fix. The event is
// logged and skipped for that sink only.
func Permanent(err error) error { return backoff.Permanent(err) }

// Config tunes backlogs and retries.
type Config struct {
	// BufferSize is the per-sink backlog above which the dispatcher warns.
	// Backlogs are not capped.
	BufferSize     int
	InitialBackoff time.Duration
	// MaxBackoff caps the wait between attempts. Retrying never stops on
	// its own.
	MaxBackoff time.Duration
	// JournalTimeout bounds the inline journal write in Publish.
	JournalTimeout time.Duration
	// DrainTimeout bounds delivery of backlogged events after Run's context
	// ends.
	DrainTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:     1024,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JournalTimeout: 2 * time.Second,
		DrainTimeout:   5 * time.Second,
	}
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithJournal makes s the durable record of every event. It is written
// before Publish returns and is delivered to ahead of the other sinks.
func WithJournal(s Sink) Option {
	return func(d *Dispatcher) {
		if s == nil {
			return
		}
		d.journal = newBacklog(s)
		d.queues = append([]*backlog{d.journal}, d.queues...)
	}
}

// backlog is the FIFO of events not yet delivered to one sink. The event
// at the front stays queued until its delivery is settled.
type backlog struct {
	sink   Sink
	wake   chan struct{}
	mu     sync.Mutex
	events []domain.Event
}

func newBacklog(s Sink) *backlog {
	return &backlog{sink: s, wake: make(chan struct{}, 1)}
}

func (b *backlog) push(ev domain.Event) int {
	b.mu.Lock()
	b.events = append(b.events, ev)
	n := len(b.events)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return n
}

func (b *backlog) front() (domain.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return domain.Event{}, false
	}
	return b.events[0], true
}

// shift removes the front event and returns how many remain.
func (b *backlog) shift() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[0] = domain.Event{}
	b.events = b.events[1:]
	return len(b.events)
}

func (b *backlog) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Dispatcher is a domain.EventPublisher that fans events out to sinks.
type Dispatcher struct {
	cfg     Config
	journal *backlog
	queues  []*backlog
	metrics *metrics.SettlementMetrics
	logger  *slog.Logger
}

// New creates a Dispatcher. Events are queued from the start; they are
// delivered once Run is called.
func New(cfg Config, m *metrics.SettlementMetrics, logger *slog.Logger, sinks []Sink, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.InitialBackoff)
	}
	if cfg.JournalTimeout <= 0 {
		cfg.JournalTimeout = def.JournalTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	d := &Dispatcher{
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "events")),
	}
	for _, s := range sinks {
		d.queues = append(d.queues, newBacklog(s))
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Publish hands ev to every sink. The journal is written inline unless it
// already has a backlog, in which case ev queues behind it to keep order.
func (d *Dispatcher) Publish(ctx context.Context, ev domain.Event) {
	for _, q := range d.queues {
		if q == d.journal && q.len() == 0 && d.writeJournal(ctx, ev) {
			continue
		}
		d.enqueue(ctx, q, ev)
	}
}

func (d *Dispatcher) writeJournal(ctx context.Context, ev domain.Event) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.JournalTimeout)
	defer cancel()
	err := d.journal.sink.Deliver(ctx, ev)
	d.metrics.RecordEventDelivery(d.journal.sink.Name(), err)
	if err != nil {
		d.logger.WarnContext(ctx, "events: journal write failed, queued for retry",
			slog.String("sink", d.journal.sink.Name()),
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (d *Dispatcher) enqueue(ctx context.Context, q *backlog, ev domain.Event) {
	n := q.push(ev)
	d.metrics.SetEventBacklog(q.sink.Name(), n)
	if n == d.cfg.BufferSize+1 {
		d.logger.WarnContext(ctx, "events: sink backlog growing",
			slog.String("sink", q.sink.Name()),
			slog.Int("backlog", n),
		)
	}
}

// Pending returns how many deliveries are still outstanding across all
// sinks.
func (d *Dispatcher) Pending() int {
	n := 0
	for _, q := range d.queues {
		n += q.len()
	}
	return n
}

// Run delivers backlogged events until ctx ends, then drains what is left
// within DrainTimeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "events: dispatcher started", slog.Int("sinks", len(d.queues)))
	var wg sync.WaitGroup
	for _, q := range d.queues {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx, q)
		}()
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) work(ctx context.Context, q *backlog) {
	for {
		ev, ok := q.front()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				d.drain(q)
				return
			}
		}
		if !d.deliver(ctx, q, ev) {
			d.drain(q)
			return
		}
	}
}

func (d *Dispatcher) drain(q *backlog) {
	if q.len() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DrainTimeout)
	defer cancel()
	for {
		ev, ok := q.front()
		if !ok {
			return
		}
		if !d.deliver(ctx, q, ev) {
			d.logger.Error("events: undelivered at shutdown",
				slog.String("sink", q.sink.Name()),
				slog.Int("remaining", q.len()),
			)
			return
		}
	}
}

// deliver settles the front event of q. It reports false, leaving the
// event queued, when ctx ends first.
func (d *Dispatcher) deliver(ctx context.Context, q *backlog, ev domain.Event) bool {
	err := d.retry(ctx, q.sink, ev)
	if err != nil && ctx.Err() != nil {
		return false
	}
	if err != nil {
		d.logger.ErrorContext(ctx, "events: delivery rejected, event skipped",
			slog.String("sink", q.sink.Name()),
			slog.String("event_id", ev.ID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
	d.metrics.SetEventBacklog(q.sink.Name(), q.shift())
	return true
}

func (d *Dispatcher) retry(ctx context.Context, s Sink, ev domain.Event) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.cfg.InitialBackoff
	eb.MaxInterval = d.cfg.MaxBackoff
	eb.MaxElapsedTime = 0

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := s.Deliver(ctx, ev)
		d.metrics.RecordEventDelivery(s.Name(), err)
		return err
	}, backoff.WithContext(eb, ctx), func(err error, wait time.Duration) {
		level := slog.LevelDebug
		if attempt == 1 || attempt%10 == 0 {
			level = slog.LevelWarn
		}
		d.logger.Log(ctx, level, "events: delivery failed, retrying",
			slog.String("sink", s.Name()),
			slog.String("event_id", ev.ID),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})
}

var _ domain.EventPublisher = (*Dispatcher)(nil)
