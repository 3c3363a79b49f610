package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boxmeout/settlement/internal/domain"
)

type recordingSink struct {
	name string
	// gate, when set, holds every delivery until it is closed.
	gate chan struct{}

	mu       sync.Mutex
	failures int
	perm     bool
	calls    int
	got      []domain.Event
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(ctx context.Context, ev domain.Event) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		if s.perm {
			return Permanent(errors.New("bad payload"))
		}
		return errors.New("connection reset")
	}
	s.got = append(s.got, ev)
	return nil
}

func (s *recordingSink) snapshot() (int, []domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]domain.Event(nil), s.got...)
}

func (s *recordingSink) delivered() int {
	_, got := s.snapshot()
	return len(got)
}

func testConfig() Config {
	return Config{
		BufferSize:     4,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		JournalTimeout: 100 * time.Millisecond,
		DrainTimeout:   time.Second,
	}
}

func event(typ domain.EventType) domain.Event {
	return domain.NewEvent(typ, "m1", time.Now(), map[string]any{"k": "v"})
}

// start runs d until the returned stop function is called.
func start(t *testing.T, d *Dispatcher) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func ids(evs []domain.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.ID
	}
	return out
}

func TestDispatcherDeliversToEverySinkWithRetry(t *testing.T) {
	flaky := &recordingSink{name: "flaky", failures: 2}
	steady := &recordingSink{name: "steady"}
	d := New(testConfig(), nil, nil, []Sink{flaky, steady})

	ev := event(domain.EventMarketOpened)
	d.Publish(context.Background(), ev)
	stop := start(t, d)

	require.Eventually(t, func() bool { return flaky.delivered() == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	calls, got := flaky.snapshot()
	require.Equal(t, 3, calls)
	require.Equal(t, ev.ID, got[0].ID)
	require.Equal(t, 1, steady.delivered())
	require.Zero(t, d.Pending())
}

func TestDispatcherSkipsPermanentErrorsOnlyForThatSink(t *testing.T) {
	bad := &recordingSink{name: "bad", failures: 1, perm: true}
	good := &recordingSink{name: "good"}
	d := New(testConfig(), nil, nil, []Sink{bad, good})
	d.Publish(context.Background(), event(domain.EventMarketClosed))
	stop := start(t, d)

	require.Eventually(t, func() bool { return d.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
	stop()

	calls, got := bad.snapshot()
	require.Equal(t, 1, calls)
	require.Empty(t, got)
	require.Equal(t, 1, good.delivered())
}

// A sink that is down neither loses events nor holds up the others, even
// with more events queued than the buffer size.
func TestOutageNeitherDropsNorBlocks(t *testing.T) {
	down := &recordingSink{name: "redis", gate: make(chan struct{}), failures: 5}
	up := &recordingSink{name: "log"}
	cfg := testConfig()
	cfg.BufferSize = 1
	d := New(cfg, nil, nil, []Sink{down, up})

	var published []domain.Event
	for i := 0; i < 3; i++ {
		ev := event(domain.EventSharesTraded)
		published = append(published, ev)
		d.Publish(context.Background(), ev)
	}
	stop := start(t, d)
	defer stop()

	require.Eventually(t, func() bool { return up.delivered() == 3 }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return d.Pending() == 3 }, time.Second, 2*time.Millisecond)
	require.Zero(t, down.delivered())

	close(down.gate)
	require.Eventually(t, func() bool { return down.delivered() == 3 }, 2*time.Second, 2*time.Millisecond)
	_, got := down.snapshot()
	require.Equal(t, ids(published), ids(got), "per-sink order is kept")
	require.Zero(t, d.Pending())
}

func TestJournalIsWrittenBeforePublishReturns(t *testing.T) {
	journal := &recordingSink{name: "journal"}
	stalled := &recordingSink{name: "notify", gate: make(chan struct{})}
	d := New(testConfig(), nil, nil, []Sink{stalled}, WithJournal(journal))

	ev := event(domain.EventMarketResolved)
	d.Publish(context.Background(), ev)

	_, got := journal.snapshot()
	require.Equal(t, []string{ev.ID}, ids(got), "journal written without a running dispatcher")
	require.Equal(t, 1, d.Pending(), "only the other sink waits")
	close(stalled.gate)
}

func TestFailedJournalWriteIsRetriedInOrder(t *testing.T) {
	journal := &recordingSink{name: "journal", failures: 1}
	d := New(testConfig(), nil, nil, nil, WithJournal(journal))

	first := event(domain.EventMarketOpened)
	second := event(domain.EventMarketClosed)
	d.Publish(context.Background(), first)
	d.Publish(context.Background(), second)
	require.Equal(t, 2, d.Pending(), "second event queues behind the failed one")

	stop := start(t, d)
	require.Eventually(t, func() bool { return journal.delivered() == 2 }, 2*time.Second, 2*time.Millisecond)
	stop()

	_, got := journal.snapshot()
	require.Equal(t, []string{first.ID, second.ID}, ids(got))
}

func TestRunDrainsBacklogOnShutdown(t *testing.T) {
	sink := &recordingSink{name: "s"}
	d := New(testConfig(), nil, nil, []Sink{sink})
	for i := 0; i < 6; i++ {
		d.Publish(context.Background(), event(domain.EventSharesTraded))
	}
	require.Equal(t, 6, d.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
	require.Equal(t, 6, sink.delivered())
	require.Zero(t, d.Pending())
}
