// Package shard implements one gateway shard: a connection, its session and
// the protocol state machine that keeps both alive.
package shard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/remedy"
	"github.com/luciancaetano/remedy/internal/identify"
	"github.com/luciancaetano/remedy/internal/metrics"
	"github.com/luciancaetano/remedy/internal/protocol"
	"github.com/luciancaetano/remedy/internal/websocket"
	"github.com/luciancaetano/remedy/internal/zlibstream"
)

var (
	// ErrNotReady is returned by Send while the shard has no ready session.
	ErrNotReady = errors.New(remedy.ErrShardNotReady)
	// ErrCommandNotAllowed is returned by Send for opcodes owned by the shard.
	ErrCommandNotAllowed = errors.New(remedy.ErrCommandNotAllowed)
)

// Status is the lifecycle state of a shard.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusAwaitingHello
	StatusIdentifying
	StatusResuming
	StatusReady
	StatusDegraded
	StatusReconnecting
)

var statusNames = [...]string{
	StatusDisconnected:  "disconnected",
	StatusConnecting:    "connecting",
	StatusAwaitingHello: "awaiting_hello",
	StatusIdentifying:   "identifying",
	StatusResuming:      "resuming",
	StatusReady:         "ready",
	StatusDegraded:      "degraded",
	StatusReconnecting:  "reconnecting",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Permits grants identify permits. It is satisfied by *identify.Coordinator.
type Permits interface {
	Acquire(ctx context.Context, shardID int) (*identify.Permit, error)
}

// ResumeState is what a shard needs to resume a session on a new
// connection or in a new Shard instance.
type ResumeState struct {
	SessionID string
	Seq       int64
	ResumeURL string
}

// Config configures a Shard.
type Config struct {
	ID    int
	Count int

	Token          string
	Intents        int
	LargeThreshold int
	Presence       any
	Properties     protocol.Properties

	// Gateway is the base URL used for new sessions.
	Gateway  string
	Version  int
	Compress bool

	// Resume, when set, makes the first connection resume that session.
	Resume *ResumeState

	Permits  Permits
	Consumer remedy.Consumer

	WebSocket *websocket.Config

	// MinBackoff and MaxBackoff bound the reconnect delay. The delay returns
	// to MinBackoff after the shard stayed ready for StableAfter.
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	StableAfter time.Duration

	// HelloTimeout bounds the wait for the server hello after connecting.
	HelloTimeout time.Duration
	// ReidentifyDelay is the upper bound of the random delay before a new
	// session is started after the server invalidated the old one. The lower
	// bound is a fifth of it.
	ReidentifyDelay time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns reconnect and timing defaults for a single shard.
func DefaultConfig() *Config {
	return &Config{
		Count:   1,
		Version: protocol.DefaultVersion,
		Properties: protocol.Properties{
			OS:      "linux",
			Browser: "remedy",
			Device:  "remedy",
		},
		Compress:        true,
		LargeThreshold:  250,
		MinBackoff:      time.Second,
		MaxBackoff:      2 * time.Minute,
		StableAfter:     time.Minute,
		HelloTimeout:    30 * time.Second,
		ReidentifyDelay: 5 * time.Second,
	}
}

// State is a point in time copy of a shard's state.
type State struct {
	ID                int
	Count             int
	Status            Status
	SessionID         string
	Seq               int64
	ResumeURL         string
	HeartbeatInterval time.Duration
	LastHeartbeat     time.Time
	LastAck           time.Time
	Latency           time.Duration
	ConnID            string
}

// Shard owns one gateway connection at a time. All protocol state is
// mutated by the goroutine running Run; the mutex only guards it for
// concurrent readers.
type Shard struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	status    Status
	sessionID string
	seq       int64
	resumeURL string
	interval  time.Duration
	lastSent  time.Time
	lastAck   time.Time
	latency   time.Duration
	conn      *websocket.Conn

	inflater *zlibstream.Inflater
}

// New creates a shard. It does not connect until Run is called.
func New(cfg *Config) (*Shard, error) {
	if cfg == nil {
		return nil, errors.New("shard: nil config")
	}
	c := *cfg
	if c.Count < 1 {
		return nil, fmt.Errorf("shard: invalid shard count %d", c.Count)
	}
	if c.ID < 0 || c.ID >= c.Count {
		return nil, fmt.Errorf("shard: id %d out of range for %d shards", c.ID, c.Count)
	}
	if c.Gateway == "" {
		return nil, errors.New("shard: gateway url is required")
	}
	if c.Permits == nil {
		return nil, errors.New("shard: identify permits are required")
	}
	if c.Consumer == nil {
		c.Consumer = remedy.ConsumerFunc(func(context.Context, *remedy.Event) {})
	}

	d := DefaultConfig()
	if c.Version <= 0 {
		c.Version = d.Version
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = d.MinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
	if c.StableAfter <= 0 {
		c.StableAfter = d.StableAfter
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = d.HelloTimeout
	}
	if c.ReidentifyDelay <= 0 {
		c.ReidentifyDelay = d.ReidentifyDelay
	}
	if c.WebSocket == nil {
		c.WebSocket = websocket.DefaultConfig()
	}

	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.Int("shard", c.ID))
	ws := *c.WebSocket
	ws.Logger = logger
	c.WebSocket = &ws

	s := &Shard{
		cfg:     c,
		logger:  logger,
		metrics: c.Metrics,
	}
	if r := c.Resume; r != nil && r.SessionID != "" {
		s.sessionID = r.SessionID
		s.seq = r.Seq
		s.resumeURL = r.ResumeURL
	}
	return s, nil
}

// ID returns the shard id.
func (s *Shard) ID() int {
	return s.cfg.ID
}

// State returns a snapshot of the shard.
func (s *Shard) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := State{
		ID:                s.cfg.ID,
		Count:             s.cfg.Count,
		Status:            s.status,
		SessionID:         s.sessionID,
		Seq:               s.seq,
		ResumeURL:         s.resumeURL,
		HeartbeatInterval: s.interval,
		LastHeartbeat:     s.lastSent,
		LastAck:           s.lastAck,
		Latency:           s.latency,
	}
	if s.conn != nil {
		st.ConnID = s.conn.ID()
	}
	return st
}

// ResumeState returns the session to resume from, or nil when the shard
// holds no session.
func (s *Shard) ResumeState() *ResumeState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.sessionID == "" {
		return nil
	}
	return &ResumeState{SessionID: s.sessionID, Seq: s.seq, ResumeURL: s.resumeURL}
}

// Latency returns the last heartbeat round trip. ok is false until the
// first acknowledgement.
func (s *Shard) Latency() (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latency, !s.lastAck.IsZero()
}

// Send writes an application command (presence update, voice state update,
// request guild members) on the current connection.
func (s *Shard) Send(ctx context.Context, op protocol.Opcode, data any) error {
	if !op.ApplicationCommand() {
		return fmt.Errorf("%w: %s", ErrCommandNotAllowed, op)
	}
	payload, err := protocol.Encode(op, data)
	if err != nil {
		return fmt.Errorf("%s: %w", remedy.ErrFailedToEncode, err)
	}

	s.mu.RLock()
	conn, status := s.conn, s.status
	s.mu.RUnlock()

	if conn == nil || status != StatusReady {
		return ErrNotReady
	}
	return conn.Send(ctx, payload)
}

func (s *Shard) setStatus(status Status) {
	s.mu.Lock()
	prev := s.status
	s.status = status
	s.mu.Unlock()

	if prev != status {
		s.logger.Debug("status changed", zap.Stringer("from", prev), zap.Stringer("to", status))
		s.metrics.ShardStatus(s.cfg.ID, int(status))
	}
}

func (s *Shard) getStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// clearSession forgets the session so the next connection identifies.
func (s *Shard) clearSession() {
	s.mu.Lock()
	s.sessionID = ""
	s.seq = 0
	s.resumeURL = ""
	s.mu.Unlock()
	if s.inflater != nil {
		s.inflater.Reset()
	}
}
