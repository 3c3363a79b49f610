package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedSerializesSameKey(t *testing.T) {
	k := New()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, unlock, err := k.Lock(context.Background(), "m1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxSeen)
	require.Empty(t, k.locks)
}

func TestKeyedIndependentKeys(t *testing.T) {
	k := New()
	_, unlockA, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, unlockB, err := k.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyedReentrantThroughContext(t *testing.T) {
	k := New()
	ctx, unlock, err := k.Lock(context.Background(), "m1")
	require.NoError(t, err)
	require.True(t, k.Held(ctx, "m1"))

	inner, innerUnlock, err := k.Lock(ctx, "m1")
	require.NoError(t, err)
	innerUnlock()
	require.True(t, k.Held(inner, "m1"), "inner unlock must not release the outer hold")

	unlock()
	unlock()
	require.False(t, k.Held(ctx, "m1"))

	// A released holder context acquires normally again.
	_, again, err := k.Lock(ctx, "m1")
	require.NoError(t, err)
	again()
}

func TestKeyedHonoursCancellation(t *testing.T) {
	k := New()
	_, unlock, err := k.Lock(context.Background(), "m1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = k.Lock(ctx, "m1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
