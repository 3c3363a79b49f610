// Package lock provides the per-market single-writer lock shared by every
// component that mutates market state.
package lock

import (
	"context"
	"sync"
	"sync/atomic"
)

// Keyed is a set of exclusive locks indexed by key. Acquisition honours
// context cancellation, and a context returned by Lock re-enters the same
// key without blocking so that one operation can call into several
// components while holding a single lock.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

type holderKey struct {
	k   *Keyed
	key string
}

type holder struct {
	released atomic.Bool
}

// New returns an empty Keyed lock set.
func New() *Keyed {
	return &Keyed{locks: make(map[string]*entry)}
}

// Lock acquires the lock for key. The returned context marks the caller as
// holder; pass it to nested calls. unlock is idempotent. If ctx already
// holds key, Lock returns immediately with a no-op unlock.
func (k *Keyed) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	if h, ok := ctx.Value(holderKey{k, key}).(*holder); ok && !h.released.Load() {
		return ctx, func() {}, nil
	}

	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.drop(key, e)
		return nil, nil, ctx.Err()
	}

	h := &holder{}
	unlock := func() {
		if h.released.Swap(true) {
			return
		}
		<-e.sem
		k.drop(key, e)
	}
	return context.WithValue(ctx, holderKey{k, key}, h), unlock, nil
}

// Held reports whether ctx currently holds key.
func (k *Keyed) Held(ctx context.Context, key string) bool {
	h, ok := ctx.Value(holderKey{k, key}).(*holder)
	return ok && !h.released.Load()
}

func (k *Keyed) drop(key string, e *entry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
