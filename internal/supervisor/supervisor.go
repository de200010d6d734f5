// Package supervisor owns the shards of a process and restarts them when
// they crash.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luciancaetano/remedy"
	"github.com/luciancaetano/remedy/internal/metrics"
	"github.com/luciancaetano/remedy/internal/protocol"
	"github.com/luciancaetano/remedy/internal/shard"
)

var (
	ErrAlreadyRunning = errors.New(remedy.ErrBotAlreadyRunning)
	ErrNotRunning     = errors.New(remedy.ErrBotNotRunning)
	ErrShardNotFound  = errors.New(remedy.ErrShardNotFound)
)

// Runner is one shard as seen by the supervisor. *shard.Shard implements it.
type Runner interface {
	ID() int
	Run(ctx context.Context) error
	State() shard.State
	ResumeState() *shard.ResumeState
	Latency() (time.Duration, bool)
	Send(ctx context.Context, op protocol.Opcode, data any) error
}

// Factory builds the shard with the given id. resume is nil for the first
// start and carries the crashed instance's session on a restart.
type Factory func(id int, resume *shard.ResumeState) (Runner, error)

// Config configures a Supervisor.
type Config struct {
	// Count is the total number of shards of the application.
	Count int
	// ShardIDs are the shards run by this process. Empty means all of them.
	ShardIDs []int
	Factory  Factory

	// MinRestart and MaxRestart bound the delay before a crashed shard is
	// started again.
	MinRestart time.Duration
	MaxRestart time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Supervisor runs a fixed set of shards.
type Supervisor struct {
	count      int
	ids        []int
	factory    Factory
	minRestart time.Duration
	maxRestart time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu      sync.RWMutex
	shards  map[int]Runner
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	errs    chan *remedy.ShardError
	fatal   *multierror.Error
}

// New validates cfg and creates a Supervisor.
func New(cfg *Config) (*Supervisor, error) {
	if cfg == nil || cfg.Factory == nil {
		return nil, errors.New("supervisor: a shard factory is required")
	}
	if cfg.Count < 1 {
		return nil, fmt.Errorf("supervisor: invalid shard count %d", cfg.Count)
	}

	ids := cfg.ShardIDs
	if len(ids) == 0 {
		ids = make([]int, cfg.Count)
		for i := range ids {
			ids[i] = i
		}
	}
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if id < 0 || id >= cfg.Count {
			return nil, fmt.Errorf("supervisor: shard id %d out of range for %d shards", id, cfg.Count)
		}
		if seen[id] {
			return nil, fmt.Errorf("supervisor: duplicate shard id %d", id)
		}
		seen[id] = true
	}

	minRestart, maxRestart := cfg.MinRestart, cfg.MaxRestart
	if minRestart <= 0 {
		minRestart = time.Second
	}
	if maxRestart < minRestart {
		maxRestart = 30 * time.Second
		if maxRestart < minRestart {
			maxRestart = minRestart
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Supervisor{
		count:      cfg.Count,
		ids:        append([]int(nil), ids...),
		factory:    cfg.Factory,
		minRestart: minRestart,
		maxRestart: maxRestart,
		logger:     logger.Named("supervisor"),
		metrics:    cfg.Metrics,
		shards:     make(map[int]Runner, len(ids)),
	}, nil
}

// Start creates every shard and runs them until Stop is called, ctx is
// done or an account level failure stops all of them.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	shards := make(map[int]Runner, len(s.ids))
	for _, id := range s.ids {
		r, err := s.factory(id, nil)
		if err != nil {
			return fmt.Errorf("create shard %d: %w", id, err)
		}
		shards[id] = r
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	s.shards = shards
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.errs = make(chan *remedy.ShardError, len(s.ids))
	s.fatal = nil

	for _, id := range s.ids {
		id := id
		g.Go(func() error { return s.supervise(gctx, id) })
	}

	done, errs := s.done, s.errs
	go func() {
		if err := g.Wait(); err != nil {
			s.logger.Error("all shards stopped", zap.Error(err))
		}
		cancel()

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()

		close(errs)
		close(done)
	}()

	s.logger.Info("shards started", zap.Ints("shards", s.ids), zap.Int("count", s.count))
	return nil
}

// supervise keeps one shard running. A fatal shard error stops only that
// shard, except for an account level failure which stops all of them.
func (s *Supervisor) supervise(ctx context.Context, id int) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.minRestart
	bo.MaxInterval = s.maxRestart
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		r := s.get(id)
		err := runSafe(ctx, r)
		if ctx.Err() != nil {
			return nil
		}

		var shardErr *remedy.ShardError
		if errors.As(err, &shardErr) {
			s.report(shardErr)
			if shardErr.AccountLevel() {
				return shardErr
			}
			return nil
		}

		resume := r.ResumeState()
		delay := bo.NextBackOff()
		s.logger.Warn("shard crashed, restarting",
			zap.Int("shard", id),
			zap.Duration("delay", delay),
			zap.Bool("resume", resume != nil),
			zap.Error(err))
		s.metrics.ShardRestarted(id)

		if err := sleep(ctx, delay); err != nil {
			return nil
		}

		next, err := s.factory(id, resume)
		if err != nil {
			s.report(&remedy.ShardError{ShardID: id, Reason: "restart failed", Err: err})
			return nil
		}
		s.set(id, next)
	}
}

// runSafe runs r and turns a panic into an error so the shard can be
// restarted.
func runSafe(ctx context.Context, r Runner) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("shard %d panicked: %v", r.ID(), p)
		}
	}()
	if err := r.Run(ctx); err != nil {
		return err
	}
	return errors.New("shard returned unexpectedly")
}

func (s *Supervisor) report(err *remedy.ShardError) {
	s.logger.Error("shard failed", zap.Int("shard", err.ShardID), zap.Error(err))

	s.mu.Lock()
	s.fatal = multierror.Append(s.fatal, err)
	errs := s.errs
	s.mu.Unlock()

	select {
	case errs <- err:
	default:
	}
}

func (s *Supervisor) get(id int) Runner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shards[id]
}

func (s *Supervisor) set(id int, r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shards[id] = r
}

// Stop stops every shard and waits until all of them released their
// connections, or ctx is done.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.RLock()
	cancel, done := s.cancel, s.done
	s.mu.RUnlock()

	if cancel == nil {
		return ErrNotRunning
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every shard stopped and returns the fatal shard
// errors combined, or nil.
func (s *Supervisor) Wait() error {
	s.mu.RLock()
	done := s.done
	s.mu.RUnlock()

	if done == nil {
		return ErrNotRunning
	}
	<-done

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fatal.ErrorOrNil()
}

// Errors delivers fatal shard errors. It is closed once every shard stopped.
func (s *Supervisor) Errors() <-chan *remedy.ShardError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errs
}

// Count returns the total shard count.
func (s *Supervisor) Count() int {
	return s.count
}

// IDs returns the shard ids run by this supervisor.
func (s *Supervisor) IDs() []int {
	return append([]int(nil), s.ids...)
}

// States returns a snapshot of every shard.
func (s *Supervisor) States() map[int]shard.State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int]shard.State, len(s.shards))
	for id, r := range s.shards {
		out[id] = r.State()
	}
	return out
}

// Latency returns the last heartbeat round trip of a shard.
func (s *Supervisor) Latency(id int) (time.Duration, bool) {
	r := s.get(id)
	if r == nil {
		return 0, false
	}
	return r.Latency()
}

// Latencies returns the last heartbeat round trip of every shard that
// received an acknowledgement.
func (s *Supervisor) Latencies() map[int]time.Duration {
	s.mu.RLock()
	ids := make([]int, 0, len(s.shards))
	for id := range s.shards {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make(map[int]time.Duration, len(ids))
	for _, id := range ids {
		if l, ok := s.Latency(id); ok {
			out[id] = l
		}
	}
	return out
}

// Send writes an application command to a shard.
func (s *Supervisor) Send(ctx context.Context, id int, op protocol.Opcode, data any) error {
	r := s.get(id)
	if r == nil {
		return fmt.Errorf("%w: %d", ErrShardNotFound, id)
	}
	return r.Send(ctx, op, data)
}

// ShardFor returns the shard responsible for a guild.
func (s *Supervisor) ShardFor(guildID uint64) int {
	return ShardFor(guildID, s.count)
}

// ShardFor returns the shard responsible for guildID out of count shards.
func ShardFor(guildID uint64, count int) int {
	if count < 1 {
		return 0
	}
	return int((guildID >> 22) % uint64(count))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
