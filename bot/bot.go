// Package bot is the entry point of the library. It bootstraps the gateway
// from the REST API, runs every shard of the process and exposes the rate
// limited REST client.
package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luciancaetano/remedy"
	"github.com/luciancaetano/remedy/internal/identify"
	"github.com/luciancaetano/remedy/internal/metrics"
	"github.com/luciancaetano/remedy/internal/protocol"
	"github.com/luciancaetano/remedy/internal/ratelimit"
	"github.com/luciancaetano/remedy/internal/rest"
	"github.com/luciancaetano/remedy/internal/shard"
	"github.com/luciancaetano/remedy/internal/supervisor"
)

var (
	ErrAlreadyRunning    = supervisor.ErrAlreadyRunning
	ErrNotRunning        = supervisor.ErrNotRunning
	ErrCommandNotAllowed = shard.ErrCommandNotAllowed
)

// Config configures a Bot. Zero durations and limits fall back to the
// defaults of the component they configure.
type Config struct {
	Token string

	// ShardCount is the total number of shards. Zero uses the count
	// recommended by the bootstrap endpoint.
	ShardCount int
	// ShardIDs are the shards run by this process. Empty runs all of them.
	ShardIDs []int

	Intents        int
	LargeThreshold int
	Presence       any
	Compress       bool

	// APIBaseURL is the versioned REST root.
	APIBaseURL string
	// GatewayURL overrides the URL returned by the bootstrap endpoint.
	GatewayURL string
	Version    int

	// IdentifyHold keeps an identify slot busy for this long after a grant.
	IdentifyHold    time.Duration
	IdentifyRefresh time.Duration

	// MinBackoff and MaxBackoff bound a shard's reconnect delay.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// MinRestart and MaxRestart bound the delay before a crashed shard is
	// started again.
	MinRestart time.Duration
	MaxRestart time.Duration

	// GlobalRateLimit is the number of REST requests allowed per second
	// across all routes.
	GlobalRateLimit int
	HTTPClient      *http.Client

	Logger *zap.Logger
	// Registerer receives the Prometheus collectors. Nil disables metrics.
	Registerer prometheus.Registerer
}

// DefaultConfig returns a Config for token with compression enabled.
func DefaultConfig(token string) *Config {
	return &Config{
		Token:           token,
		Compress:        true,
		LargeThreshold:  250,
		APIBaseURL:      rest.DefaultBaseURL,
		Version:         protocol.DefaultVersion,
		IdentifyHold:    5 * time.Second,
		IdentifyRefresh: 5 * time.Minute,
		MinBackoff:      time.Second,
		MaxBackoff:      2 * time.Minute,
		MinRestart:      time.Second,
		MaxRestart:      30 * time.Second,
		GlobalRateLimit: 50,
	}
}

// Bot runs the shards of one process.
type Bot struct {
	cfg      Config
	consumer remedy.Consumer
	rest     *rest.Client
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu         sync.RWMutex
	running    bool
	sup        *supervisor.Supervisor
	coord      *identify.Coordinator
	cancel     context.CancelFunc
	coordDone  chan struct{}
	gateway    string
	shardCount int
}

var _ remedy.Bot = (*Bot)(nil)

// New creates a Bot delivering events to consumer. It does not connect
// until Start is called.
func New(cfg *Config, consumer remedy.Consumer) (*Bot, error) {
	if cfg == nil {
		return nil, errors.New("bot: nil config")
	}
	if cfg.Token == "" {
		return nil, &remedy.EnvironmentVariableError{Name: "REMEDY_TOKEN"}
	}
	if cfg.ShardCount < 0 {
		return nil, fmt.Errorf("bot: invalid shard count %d", cfg.ShardCount)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var m *metrics.Metrics
	if cfg.Registerer != nil {
		m = metrics.New(cfg.Registerer)
	}

	rl := ratelimit.DefaultConfig()
	if cfg.GlobalRateLimit > 0 {
		rl.GlobalLimit = cfg.GlobalRateLimit
	}
	rl.Logger = logger
	rl.Metrics = m

	restCfg := rest.DefaultConfig(cfg.Token)
	if cfg.APIBaseURL != "" {
		restCfg.BaseURL = cfg.APIBaseURL
	}
	restCfg.HTTPClient = cfg.HTTPClient
	restCfg.Dispatcher = ratelimit.New(rl)
	restCfg.Logger = logger
	restCfg.Metrics = m

	client, err := rest.New(restCfg)
	if err != nil {
		return nil, err
	}

	return &Bot{
		cfg:      *cfg,
		consumer: consumer,
		rest:     client,
		logger:   logger,
		metrics:  m,
	}, nil
}

// Start fetches the gateway bootstrap information, starts the identify
// coordinator and connects every configured shard. ctx bounds the
// bootstrap request only; the shards run until Stop is called.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return ErrAlreadyRunning
	}

	gb, err := b.rest.GatewayBot(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap gateway: %w", err)
	}

	gateway := gb.URL
	if b.cfg.GatewayURL != "" {
		gateway = b.cfg.GatewayURL
	}
	count := b.cfg.ShardCount
	if count == 0 {
		count = gb.Shards
	}
	if count < 1 {
		count = 1
	}

	coord := identify.New(gb.SessionStartLimit.Limit(), &identify.Config{
		Hold:            b.cfg.IdentifyHold,
		RefreshInterval: b.cfg.IdentifyRefresh,
		Fetch:           b.rest.SessionStartFetcher(),
		Logger:          b.logger,
		Metrics:         b.metrics,
	})

	sup, err := supervisor.New(&supervisor.Config{
		Count:      count,
		ShardIDs:   b.cfg.ShardIDs,
		Factory:    b.factory(gateway, count, coord),
		MinRestart: b.cfg.MinRestart,
		MaxRestart: b.cfg.MaxRestart,
		Logger:     b.logger,
		Metrics:    b.metrics,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		if err := coord.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn("identify coordinator stopped", zap.Error(err))
		}
	}()

	if err := sup.Start(runCtx); err != nil {
		cancel()
		<-coordDone
		return err
	}

	b.running = true
	b.sup = sup
	b.coord = coord
	b.cancel = cancel
	b.coordDone = coordDone
	b.gateway = gateway
	b.shardCount = count

	go func() {
		_ = sup.Wait()
		cancel()
		<-coordDone

		b.mu.Lock()
		if b.sup == sup {
			b.running = false
		}
		b.mu.Unlock()
	}()

	b.logger.Info("bot started",
		zap.String("gateway", gateway),
		zap.Int("shards", count),
		zap.Int("session_starts_remaining", gb.SessionStartLimit.Remaining))
	return nil
}

func (b *Bot) factory(gateway string, count int, permits shard.Permits) supervisor.Factory {
	token := strings.TrimPrefix(b.cfg.Token, "Bot ")

	return func(id int, resume *shard.ResumeState) (supervisor.Runner, error) {
		cfg := shard.DefaultConfig()
		cfg.ID = id
		cfg.Count = count
		cfg.Token = token
		cfg.Intents = b.cfg.Intents
		cfg.Presence = b.cfg.Presence
		cfg.Gateway = gateway
		cfg.Compress = b.cfg.Compress
		cfg.Resume = resume
		cfg.Permits = permits
		cfg.Consumer = b.consumer
		cfg.Logger = b.logger
		cfg.Metrics = b.metrics
		if b.cfg.LargeThreshold > 0 {
			cfg.LargeThreshold = b.cfg.LargeThreshold
		}
		if b.cfg.Version > 0 {
			cfg.Version = b.cfg.Version
		}
		if b.cfg.MinBackoff > 0 {
			cfg.MinBackoff = b.cfg.MinBackoff
		}
		if b.cfg.MaxBackoff > 0 {
			cfg.MaxBackoff = b.cfg.MaxBackoff
		}
		return shard.New(cfg)
	}
}

func (b *Bot) supervisor() (*supervisor.Supervisor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.sup == nil {
		return nil, ErrNotRunning
	}
	return b.sup, nil
}

// Stop closes every shard and waits until all of them released their
// connections and identify permits, or ctx expires.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.RLock()
	sup, cancel, coordDone, running := b.sup, b.cancel, b.coordDone, b.running
	b.mu.RUnlock()

	if sup == nil || !running {
		return ErrNotRunning
	}

	err := sup.Stop(ctx)
	cancel()

	select {
	case <-coordDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.logger.Info("bot stopped")
	return err
}

// Wait blocks until every shard stopped and returns the fatal shard errors
// combined, or nil.
func (b *Bot) Wait() error {
	sup, err := b.supervisor()
	if err != nil {
		return err
	}
	return sup.Wait()
}

// Errors delivers fatal per-shard errors. It is nil before Start.
func (b *Bot) Errors() <-chan *remedy.ShardError {
	sup, err := b.supervisor()
	if err != nil {
		return nil
	}
	return sup.Errors()
}

// Send writes an application command to a shard.
func (b *Bot) Send(ctx context.Context, shardID int, op int, data any) error {
	if !protocol.Opcode(op).ApplicationCommand() {
		return fmt.Errorf("%w: %s", ErrCommandNotAllowed, protocol.Opcode(op))
	}
	sup, err := b.supervisor()
	if err != nil {
		return err
	}
	return sup.Send(ctx, shardID, protocol.Opcode(op), data)
}

// ShardFor returns the shard responsible for a guild.
func (b *Bot) ShardFor(guildID uint64) int {
	return supervisor.ShardFor(guildID, b.NumShards())
}

// REST returns the rate limited REST client.
func (b *Bot) REST() remedy.Requester {
	return b.rest
}

// Latency returns the last heartbeat round trip of a shard.
func (b *Bot) Latency(shardID int) (time.Duration, bool) {
	sup, err := b.supervisor()
	if err != nil {
		return 0, false
	}
	return sup.Latency(shardID)
}

// Latencies returns the last heartbeat round trip of every shard that
// received an acknowledgement.
func (b *Bot) Latencies() map[int]time.Duration {
	sup, err := b.supervisor()
	if err != nil {
		return map[int]time.Duration{}
	}
	return sup.Latencies()
}

// States returns a snapshot of every shard run by this process.
func (b *Bot) States() map[int]shard.State {
	sup, err := b.supervisor()
	if err != nil {
		return map[int]shard.State{}
	}
	return sup.States()
}

// IdentifyLimit returns the session start window as last seen by the
// coordinator.
func (b *Bot) IdentifyLimit() (identify.Limit, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.coord == nil {
		return identify.Limit{}, false
	}
	return b.coord.Snapshot(), true
}

// NumShards returns the total shard count in use, or 0 before Start.
func (b *Bot) NumShards() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.shardCount
}

// Gateway returns the gateway URL obtained from the bootstrap endpoint.
func (b *Bot) Gateway() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.gateway
}
