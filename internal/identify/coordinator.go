// Package identify coordinates session starts across all shards of a process.
package identify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/remedy/internal/metrics"
)

// Limit is the session start window reported by the bootstrap endpoint.
type Limit struct {
	Total          int
	Remaining      int
	ResetAfter     time.Duration
	MaxConcurrency int
}

// Fetcher loads the current Limit from the bootstrap endpoint.
type Fetcher func(ctx context.Context) (Limit, error)

// Config configures a Coordinator.
type Config struct {
	// Hold keeps a permit for at least this long after it was granted,
	// spacing identifies that share a concurrency slot.
	Hold time.Duration
	// RefreshInterval is how often Run reloads the window from Fetch.
	RefreshInterval time.Duration
	Fetch           Fetcher
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

// DefaultConfig returns the platform's identify spacing and a five minute refresh.
func DefaultConfig() *Config {
	return &Config{
		Hold:            5 * time.Second,
		RefreshInterval: 5 * time.Minute,
	}
}

// Coordinator grants identify permits. At most MaxConcurrency permits are
// outstanding, and a permit is only granted while the window has remaining
// session starts. Exhaustion is never an error: Acquire waits for the window
// to reset.
type Coordinator struct {
	mu          sync.RWMutex
	limit       Limit
	windowEnd   time.Time
	outstanding int
	changed     chan struct{}
	// held are released permits still inside their hold.
	held    map[*Permit]*time.Timer
	stopped bool

	hold     time.Duration
	interval time.Duration
	fetch    Fetcher
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a Coordinator starting from limit.
func New(limit Limit, cfg *Config) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		changed:  make(chan struct{}),
		held:     make(map[*Permit]*time.Timer),
		hold:     cfg.Hold,
		interval: cfg.RefreshInterval,
		fetch:    cfg.Fetch,
		logger:   logger.Named("identify"),
		metrics:  cfg.Metrics,
		now:      time.Now,
	}
	c.set(limit)
	return c
}

// Permit is one granted identify slot.
type Permit struct {
	once    sync.Once
	c       *Coordinator
	shardID int
	granted time.Time
}

// Release returns the slot. It is safe to call more than once; only the
// first call has an effect. With a hold configured the slot is freed once
// the hold elapsed, or when Run stops, whichever comes first.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() { p.c.release(p) })
}

// Acquire blocks until an identify permit is available for shardID or ctx
// is done.
func (c *Coordinator) Acquire(ctx context.Context, shardID int) (*Permit, error) {
	for {
		c.mu.Lock()
		now := c.now()
		c.replenishLocked(now)

		if c.outstanding < c.limit.MaxConcurrency && c.limit.Remaining > 0 {
			c.outstanding++
			c.limit.Remaining--
			c.report()
			c.mu.Unlock()

			c.logger.Debug("identify permit granted", zap.Int("shard", shardID))
			return &Permit{c: c, shardID: shardID, granted: now}, nil
		}

		var wait time.Duration
		if c.limit.Remaining <= 0 && !c.windowEnd.IsZero() {
			wait = c.windowEnd.Sub(now)
			if wait <= 0 {
				wait = time.Millisecond
			}
			c.logger.Info("session starts exhausted, waiting for window reset",
				zap.Int("shard", shardID), zap.Duration("wait", wait))
		}
		changed := c.changed
		c.mu.Unlock()

		if err := c.sleep(ctx, changed, wait); err != nil {
			return nil, err
		}
	}
}

func (c *Coordinator) sleep(ctx context.Context, changed <-chan struct{}, wait time.Duration) error {
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
	case <-timeout:
	}
	return nil
}

func (c *Coordinator) release(p *Permit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wait := c.hold - c.now().Sub(p.granted)
	if wait <= 0 || c.stopped {
		c.releaseLocked(p.shardID)
		return
	}
	c.held[p] = time.AfterFunc(wait, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.held[p]; !ok {
			return
		}
		delete(c.held, p)
		c.releaseLocked(p.shardID)
	})
}

func (c *Coordinator) releaseLocked(shardID int) {
	if c.outstanding > 0 {
		c.outstanding--
	}
	c.report()
	c.broadcastLocked()
	c.logger.Debug("identify permit released", zap.Int("shard", shardID))
}

// stop frees every held permit and makes later releases immediate.
func (c *Coordinator) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	for p, timer := range c.held {
		timer.Stop()
		delete(c.held, p)
		c.releaseLocked(p.shardID)
	}
}

// replenishLocked refills the window once it elapsed.
func (c *Coordinator) replenishLocked(now time.Time) {
	if c.windowEnd.IsZero() || now.Before(c.windowEnd) {
		return
	}
	c.limit.Remaining = c.limit.Total
	c.windowEnd = now.Add(c.limit.ResetAfter)
	c.report()
}

func (c *Coordinator) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Update replaces the window with authoritative values, typically from the
// bootstrap endpoint.
func (c *Coordinator) Update(limit Limit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.set(limit)
	c.broadcastLocked()
}

func (c *Coordinator) set(limit Limit) {
	if limit.MaxConcurrency < 1 {
		limit.MaxConcurrency = 1
	}
	if limit.Remaining > limit.Total {
		limit.Total = limit.Remaining
	}
	if limit.Remaining < 0 {
		limit.Remaining = 0
	}
	c.limit = limit
	c.windowEnd = time.Time{}
	if limit.ResetAfter > 0 {
		c.windowEnd = c.now().Add(limit.ResetAfter)
	}
	c.report()
}

// Snapshot returns the current window.
func (c *Coordinator) Snapshot() Limit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limit
}

// Outstanding returns the number of permits currently held.
func (c *Coordinator) Outstanding() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.outstanding
}

// Available reports whether Acquire would grant a permit right now.
func (c *Coordinator) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.outstanding < c.limit.MaxConcurrency &&
		(c.limit.Remaining > 0 || (!c.windowEnd.IsZero() && !c.now().Before(c.windowEnd)))
}

// Refresh reloads the window through the configured Fetcher.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if c.fetch == nil {
		return errors.New("identify: no fetcher configured")
	}
	limit, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	c.Update(limit)
	c.logger.Debug("session start limit refreshed",
		zap.Int("total", limit.Total),
		zap.Int("remaining", limit.Remaining),
		zap.Duration("reset_after", limit.ResetAfter),
		zap.Int("max_concurrency", limit.MaxConcurrency))
	return nil
}

// Run refreshes the window periodically and whenever it elapses, until ctx
// is done. Failed refreshes keep the local window. Permits still inside
// their hold are freed before Run returns.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.stop()

	if c.fetch == nil || c.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	timer := time.NewTimer(c.nextRefresh())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("failed to refresh session start limit", zap.Error(err))
			}
			timer.Reset(c.nextRefresh())
		}
	}
}

func (c *Coordinator) nextRefresh() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	next := c.interval
	if !c.windowEnd.IsZero() {
		if untilReset := c.windowEnd.Sub(c.now()); untilReset > 0 && untilReset < next {
			next = untilReset
		}
	}
	if next < time.Second {
		next = time.Second
	}
	return next
}

func (c *Coordinator) report() {
	c.metrics.IdentifyState(c.limit.Remaining, c.outstanding)
}
