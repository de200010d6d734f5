// Package ratelimit schedules REST requests against per-bucket and global
// rate limits reported by the server.
package ratelimit

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/luciancaetano/remedy"
	"github.com/luciancaetano/remedy/internal/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Rate limit response headers.
const (
	HeaderBucket     = "X-RateLimit-Bucket"
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderResetAfter = "X-RateLimit-Reset-After"
	HeaderGlobal     = "X-RateLimit-Global"
	HeaderScope      = "X-RateLimit-Scope"
	HeaderRetryAfter = "Retry-After"
)

// Sender performs one HTTP attempt. It is called again for a retry, so it
// must rebuild the request body on each call.
type Sender func(ctx context.Context) (*http.Response, error)

// Config configures a Dispatcher.
type Config struct {
	// GlobalLimit is the number of requests allowed per GlobalWindow across
	// every bucket. Zero disables the local global limit; server reported
	// global 429s are honoured regardless.
	GlobalLimit  int
	GlobalWindow time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// DefaultConfig returns the platform's global limit of 50 requests per second.
func DefaultConfig() *Config {
	return &Config{
		GlobalLimit:  50,
		GlobalWindow: time.Second,
	}
}

// Dispatcher serializes requests per bucket and paces them so that no
// bucket and no global counter is overrun.
type Dispatcher struct {
	mu      sync.Mutex
	routes  map[string]string
	buckets map[string]*Bucket
	global  *global

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Dispatcher.
func New(cfg *Config) *Dispatcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	window := cfg.GlobalWindow
	if window <= 0 {
		window = time.Second
	}
	return &Dispatcher{
		routes:  make(map[string]string),
		buckets: make(map[string]*Bucket),
		global:  &global{limit: cfg.GlobalLimit, window: window, remaining: cfg.GlobalLimit},
		logger:  logger.Named("ratelimit"),
		metrics: cfg.Metrics,
		now:     time.Now,
	}
}

// Do waits for the bucket of method and path, performs send and reconciles
// the limits with the response headers. A 429 is retried once after the
// advertised delay; a second 429 is returned as *remedy.RateLimitError.
func (d *Dispatcher) Do(ctx context.Context, method, path string, send Sender) (*http.Response, error) {
	route := Route(method, path)
	maj := major(path)
	b := d.bucket(route)

	if err := b.lock(ctx); err != nil {
		return nil, err
	}
	defer b.unlock()

	for attempt := 0; ; attempt++ {
		if err := d.wait(ctx, b); err != nil {
			return nil, err
		}

		resp, err := send(ctx)
		if err != nil {
			return nil, err
		}
		b = d.reconcile(route, maj, b, resp.Header)

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		retryAfter, isGlobal, scope := d.parseTooMany(resp)
		resp.Body.Close()

		until := d.now().Add(retryAfter)
		if isGlobal {
			d.global.block(until)
		} else {
			b.block(until)
		}
		d.metrics.RateLimited(scope)

		if attempt >= 1 {
			return nil, &remedy.RateLimitError{
				Method:     method,
				Route:      route,
				Bucket:     b.State().Key,
				RetryAfter: retryAfter,
				Global:     isGlobal,
			}
		}

		d.logger.Warn("rate limited, retrying",
			zap.String("route", route),
			zap.String("scope", scope),
			zap.Duration("retry_after", retryAfter))

		if err := sleep(ctx, retryAfter); err != nil {
			return nil, err
		}
	}
}

// wait blocks until both the bucket and the global limit have room and
// consumes one slot of each.
func (d *Dispatcher) wait(ctx context.Context, b *Bucket) error {
	start := d.now()
	for {
		now := d.now()
		wait := b.delay(now)
		if wait == 0 {
			if wait = d.global.take(now); wait == 0 {
				b.take()
				if waited := d.now().Sub(start); waited > 0 {
					d.metrics.RateLimitWait(waited)
				}
				return nil
			}
		} else if gw := d.global.delay(now); gw > 0 && gw < wait {
			wait = gw
		}

		d.logger.Debug("waiting for rate limit",
			zap.String("bucket", b.State().Key),
			zap.Duration("wait", wait))
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// bucket returns the bucket a route currently maps to, creating one keyed
// by the route signature when the server has not named it yet.
func (d *Dispatcher) bucket(route string) *Bucket {
	d.mu.Lock()
	defer d.mu.Unlock()

	if key, ok := d.routes[route]; ok {
		if b, ok := d.buckets[key]; ok {
			return b
		}
	}
	b, ok := d.buckets[route]
	if !ok {
		b = newBucket(route)
		d.buckets[route] = b
	}
	return b
}

// reconcile applies response headers to b. When the server names the
// bucket, the route is remapped to the hash and, if another route already
// shares that hash, the shared bucket takes over.
func (d *Dispatcher) reconcile(route, maj string, b *Bucket, h http.Header) *Bucket {
	now := d.now()

	limit := headerInt(h, HeaderLimit, 0)
	remaining := headerInt(h, HeaderRemaining, -1)
	var reset time.Time
	resetAfter := headerSeconds(h, HeaderResetAfter)
	if resetAfter > 0 {
		reset = now.Add(resetAfter)
	} else if epoch := h.Get(HeaderReset); epoch != "" {
		if f, err := strconv.ParseFloat(epoch, 64); err == nil {
			reset = time.Unix(0, int64(f*float64(time.Second)))
		}
	}

	target := b
	if hash := h.Get(HeaderBucket); hash != "" {
		target = d.bind(route, hash+":"+maj, b)
	}
	if limit > 0 || remaining >= 0 {
		target.update(limit, remaining, reset, resetAfter)
		if target != b {
			b.update(limit, remaining, reset, resetAfter)
		}
	}
	return b
}

func (d *Dispatcher) bind(route, key string, b *Bucket) *Bucket {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.routes[route] = key
	if existing, ok := d.buckets[key]; ok {
		return existing
	}
	d.buckets[key] = b
	if d.buckets[route] == b {
		delete(d.buckets, route)
	}
	b.setKey(key)
	d.logger.Debug("bucket discovered", zap.String("route", route), zap.String("bucket", key))
	return b
}

type tooManyRequests struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

func (d *Dispatcher) parseTooMany(resp *http.Response) (time.Duration, bool, string) {
	var body tooManyRequests
	if data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); err == nil && len(data) > 0 {
		_ = json.Unmarshal(data, &body)
	}

	isGlobal := body.Global || strings.EqualFold(resp.Header.Get(HeaderGlobal), "true")
	scope := resp.Header.Get(HeaderScope)
	if scope == "" {
		scope = "user"
		if isGlobal {
			scope = "global"
		}
	}

	retryAfter := time.Duration(body.RetryAfter * float64(time.Second))
	if retryAfter <= 0 {
		retryAfter = headerSeconds(resp.Header, HeaderRetryAfter)
	}
	if retryAfter <= 0 {
		retryAfter = headerSeconds(resp.Header, HeaderResetAfter)
	}
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	return retryAfter, isGlobal, scope
}

// Reset drops every known bucket and route mapping and clears the global
// counter.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.routes = make(map[string]string)
	d.buckets = make(map[string]*Bucket)
	d.mu.Unlock()
	d.global.clear()
}

// Buckets returns a snapshot of every known bucket.
func (d *Dispatcher) Buckets() []BucketState {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]BucketState, 0, len(d.buckets))
	for _, b := range d.buckets {
		out = append(out, b.State())
	}
	return out
}

func headerInt(h http.Header, key string, def int) int {
	v := h.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func headerSeconds(h http.Header, key string) time.Duration {
	v := h.Get(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
