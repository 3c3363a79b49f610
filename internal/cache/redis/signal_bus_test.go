package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boxmeout/settlement/internal/domain"
)

type memBus struct {
	published map[string][][]byte
	streams   map[string][][]byte
	failAt    string
}

func newMemBus() *memBus {
	return &memBus{published: map[string][][]byte{}, streams: map[string][][]byte{}}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	if channel == b.failAt {
		return errors.New("connection refused")
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestEventSinkFansOut(t *testing.T) {
	bus := newMemBus()
	sink := NewEventSink(bus)
	ev := domain.NewEvent(domain.EventMarketResolved, "m1", time.Now(), map[string]any{"outcome": 1})

	require.NoError(t, sink.Deliver(context.Background(), ev))
	require.Len(t, bus.streams[EventStream], 1)
	require.Len(t, bus.published["ch:market:m1"], 1)
	require.Len(t, bus.published[AllEventsChannel], 1)

	var got domain.Event
	require.NoError(t, json.Unmarshal(bus.streams[EventStream][0], &got))
	require.Equal(t, ev.ID, got.ID)
	require.Equal(t, domain.EventMarketResolved, got.Type)
}

func TestEventSinkReportsPublishFailure(t *testing.T) {
	bus := newMemBus()
	bus.failAt = AllEventsChannel
	err := NewEventSink(bus).Deliver(context.Background(), domain.NewEvent(domain.EventMarketClosed, "m1", time.Now(), nil))
	require.Error(t, err)
}

func TestNamespacedKeys(t *testing.T) {
	require.Equal(t, "lock:x", NewFromClient(nil, "").key("lock:x"))
	require.Equal(t, "prod:lock:x", NewFromClient(nil, "prod").key("lock:x"))
}
