package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket is one server-defined rate limit counter. A limit of zero means the
// server has reported neither a limit nor a remaining count yet, and requests
// are not held back.
type Bucket struct {
	// gate serializes requests: it is held from the wait until the
	// response has been reconciled.
	gate chan struct{}

	mu         sync.Mutex
	key        string
	limit      int
	remaining  int
	reset      time.Time
	resetAfter time.Duration
}

// BucketState is a point in time copy of a bucket.
type BucketState struct {
	Key        string
	Limit      int
	Remaining  int
	Reset      time.Time
	ResetAfter time.Duration
}

func newBucket(key string) *Bucket {
	return &Bucket{
		gate: make(chan struct{}, 1),
		key:  key,
	}
}

func (b *Bucket) lock(ctx context.Context) error {
	select {
	case b.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bucket) unlock() {
	<-b.gate
}

// delay returns how long a request must wait, refilling the bucket when its
// reset passed.
func (b *Bucket) delay(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limit == 0 || b.remaining > 0 {
		return 0
	}
	if !now.Before(b.reset) {
		b.remaining = b.limit
		return 0
	}
	return b.reset.Sub(now)
}

func (b *Bucket) take() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limit > 0 && b.remaining > 0 {
		b.remaining--
	}
}

// update applies the server reported state.
func (b *Bucket) update(limit, remaining int, reset time.Time, resetAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit > 0 {
		b.limit = limit
	}
	if remaining >= 0 {
		b.remaining = remaining
		// A remaining count without a limit still binds the bucket.
		if b.limit == 0 {
			b.limit = max(remaining, 1)
		}
	}
	if !reset.IsZero() {
		b.reset = reset
	}
	if resetAfter > 0 {
		b.resetAfter = resetAfter
	}
}

// block empties the bucket until the given time.
func (b *Bucket) block(until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limit == 0 {
		b.limit = 1
	}
	b.remaining = 0
	if until.After(b.reset) {
		b.reset = until
	}
}

func (b *Bucket) setKey(key string) {
	b.mu.Lock()
	b.key = key
	b.mu.Unlock()
}

// State returns a copy of the bucket.
func (b *Bucket) State() BucketState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BucketState{
		Key:        b.key,
		Limit:      b.limit,
		Remaining:  b.remaining,
		Reset:      b.reset,
		ResetAfter: b.resetAfter,
	}
}

// global is the limit shared by every bucket.
type global struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	remaining int
	reset     time.Time
	blocked   time.Time
}

// take consumes one global slot if available and returns zero, otherwise
// it returns how long to wait.
func (g *global) take(now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	wait := g.delayLocked(now)
	if wait == 0 && g.limit > 0 {
		g.remaining--
	}
	return wait
}

func (g *global) delay(now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delayLocked(now)
}

func (g *global) delayLocked(now time.Time) time.Duration {
	if now.Before(g.blocked) {
		return g.blocked.Sub(now)
	}
	if g.limit == 0 {
		return 0
	}
	if !now.Before(g.reset) {
		g.remaining = g.limit
		g.reset = now.Add(g.window)
	}
	if g.remaining > 0 {
		return 0
	}
	return g.reset.Sub(now)
}

// block stops every request until the given time.
func (g *global) block(until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if until.After(g.blocked) {
		g.blocked = until
	}
}

func (g *global) clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remaining = g.limit
	g.reset = time.Time{}
	g.blocked = time.Time{}
}
