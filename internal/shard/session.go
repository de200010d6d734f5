package shard

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/luciancaetano/remedy"
	"github.com/luciancaetano/remedy/internal/identify"
	"github.com/luciancaetano/remedy/internal/protocol"
	"github.com/luciancaetano/remedy/internal/websocket"
	"github.com/luciancaetano/remedy/internal/zlibstream"
)

// disconnect describes why a connection ended and how to continue.
type disconnect struct {
	reason string
	// code is the close code sent to the server.
	code int
	// immediate skips the reconnect backoff.
	immediate bool
	// delay replaces the reconnect backoff when set.
	delay time.Duration
	err   error
	fatal *remedy.ShardError
}

// Run connects and keeps the shard connected until ctx is done or the
// server ends the shard with a fatal close code, in which case a
// *remedy.ShardError is returned. Run returns nil after ctx is done.
func (s *Shard) Run(ctx context.Context) error {
	defer func() {
		s.inflater = nil
		s.setStatus(StatusDisconnected)
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.MinBackoff
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		var readyAt time.Time
		d := s.connect(ctx, &readyAt)

		if ctx.Err() != nil {
			return nil
		}
		if d.fatal != nil {
			s.logger.Error("shard stopped", zap.Int("code", d.fatal.Code), zap.String("reason", d.fatal.Reason))
			return d.fatal
		}

		if !readyAt.IsZero() && time.Since(readyAt) >= s.cfg.StableAfter {
			bo.Reset()
		}
		delay := bo.NextBackOff()
		switch {
		case d.delay > 0:
			delay = d.delay
		case d.immediate:
			delay = 0
		}

		s.setStatus(StatusReconnecting)
		s.metrics.Reconnect(s.cfg.ID, d.reason)
		fields := []zap.Field{zap.String("reason", d.reason), zap.Duration("delay", delay)}
		if d.err != nil {
			fields = append(fields, zap.Error(d.err))
		}
		s.logger.Warn("reconnecting", fields...)

		if err := sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// connect runs one connection from dial to teardown.
func (s *Shard) connect(ctx context.Context, readyAt *time.Time) disconnect {
	s.setStatus(StatusConnecting)

	resume := s.ResumeState()
	url, err := s.gatewayURL(resume)
	if err != nil {
		return disconnect{reason: "invalid gateway url", fatal: &remedy.ShardError{ShardID: s.cfg.ID, Reason: "invalid gateway url", Err: err}}
	}

	conn, err := websocket.Dial(ctx, url, s.cfg.WebSocket)
	if err != nil {
		return disconnect{reason: "dial failed", err: err}
	}

	if s.cfg.Compress {
		switch {
		case s.inflater == nil:
			s.inflater = zlibstream.New()
		case resume == nil || s.inflater.Broken():
			s.inflater.Reset()
		default:
			s.inflater.Reconnected()
		}
	}

	c := &connection{
		shard:   s,
		conn:    conn,
		logger:  s.logger.With(zap.String("conn_id", conn.ID())),
		readyAt: readyAt,
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	d := c.run(ctx)

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	return d
}

func (s *Shard) gatewayURL(resume *ResumeState) (string, error) {
	if resume != nil && resume.ResumeURL != "" {
		if url, err := protocol.GatewayURL(resume.ResumeURL, s.cfg.Version, s.cfg.Compress); err == nil {
			return url, nil
		}
		s.logger.Warn("ignoring invalid resume url", zap.String("url", resume.ResumeURL))
	}
	return protocol.GatewayURL(s.cfg.Gateway, s.cfg.Version, s.cfg.Compress)
}

type permitResult struct {
	permit *identify.Permit
	err    error
}

// connection is the state of one physical connection. It lives on the
// stack of the goroutine running Run.
type connection struct {
	shard   *Shard
	conn    *websocket.Conn
	logger  *zap.Logger
	readyAt *time.Time

	helloTimer  *time.Timer
	heartbeat   *time.Timer
	awaitingAck bool

	permit        *identify.Permit
	permitCh      chan permitResult
	cancelAcquire context.CancelFunc
}

func (c *connection) run(ctx context.Context) (d disconnect) {
	s := c.shard

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			data, err := c.conn.Read()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-c.conn.Context().Done():
				return
			}
		}
	}()

	c.helloTimer = time.NewTimer(s.cfg.HelloTimeout)

	defer func() {
		c.helloTimer.Stop()
		if c.heartbeat != nil {
			c.heartbeat.Stop()
		}
		c.releasePermit()
		code := websocket.CloseResume
		if d.code != 0 {
			code = d.code
		}
		c.conn.Close(code, "")
		<-readerDone
	}()

	s.setStatus(StatusAwaitingHello)

	for {
		var heartbeatC <-chan time.Time
		if c.heartbeat != nil {
			heartbeatC = c.heartbeat.C
		}

		select {
		case <-ctx.Done():
			return disconnect{reason: "shutdown", code: websocket.CloseNormal}

		case err := <-readErr:
			return c.closed(err)

		case <-c.helloTimer.C:
			return disconnect{reason: "hello timeout"}

		case <-heartbeatC:
			if c.awaitingAck {
				s.setStatus(StatusDegraded)
				c.logger.Warn("heartbeat not acknowledged within interval")
				return disconnect{reason: "missed heartbeat ack", immediate: true}
			}
			if err := c.sendHeartbeat(ctx); err != nil {
				return disconnect{reason: "heartbeat failed", err: err}
			}
			c.heartbeat.Reset(s.heartbeatInterval())

		case r := <-c.permitCh:
			c.permitCh = nil
			c.cancelAcquire()
			if r.err != nil {
				return disconnect{reason: "identify permit", err: r.err}
			}
			c.permit = r.permit
			if err := c.identify(ctx); err != nil {
				return disconnect{reason: "identify failed", err: err}
			}

		case frame := <-frames:
			msg, err := c.decompress(frame)
			if err != nil {
				s.clearSession()
				return disconnect{reason: "decompression failed", code: websocket.CloseNormal, err: err}
			}
			if msg == nil {
				continue
			}
			p, err := protocol.Decode(msg)
			if err != nil {
				s.clearSession()
				return disconnect{reason: "malformed payload", code: websocket.CloseNormal, err: err}
			}
			if d, done := c.handle(ctx, p); done {
				return d
			}
		}
	}
}

func (c *connection) decompress(frame []byte) ([]byte, error) {
	z := c.shard.inflater
	if z == nil {
		return frame, nil
	}
	msg, complete, err := z.Inflate(frame)
	if err != nil || !complete {
		return nil, err
	}
	return msg, nil
}

// handle processes one payload. done is true when the connection must end.
func (c *connection) handle(ctx context.Context, p *protocol.Payload) (disconnect, bool) {
	s := c.shard

	switch p.Op {
	case protocol.OpHello:
		return c.hello(ctx, p)

	case protocol.OpHeartbeat:
		if err := c.sendHeartbeat(ctx); err != nil {
			return disconnect{reason: "heartbeat failed", err: err}, true
		}
		if c.heartbeat != nil {
			c.heartbeat.Reset(s.heartbeatInterval())
		}

	case protocol.OpHeartbeatAck:
		c.awaitingAck = false
		now := time.Now()
		s.mu.Lock()
		s.lastAck = now
		s.latency = now.Sub(s.lastSent)
		latency := s.latency
		s.mu.Unlock()
		s.metrics.HeartbeatAcked(s.cfg.ID, latency)

	case protocol.OpDispatch:
		c.dispatch(ctx, p)

	case protocol.OpReconnect:
		c.logger.Info("server requested reconnect")
		return disconnect{reason: "reconnect requested", immediate: true}, true

	case protocol.OpInvalidSession:
		var resumable bool
		_ = p.DecodeData(&resumable)
		c.releasePermit()

		delay := s.reidentifyDelay()
		if resumable && s.ResumeState() != nil {
			c.logger.Info("session invalidated, resuming", zap.Duration("delay", delay))
			return disconnect{reason: "invalid session", delay: delay}, true
		}
		c.logger.Info("session invalidated, starting a new one", zap.Duration("delay", delay))
		s.clearSession()
		return disconnect{reason: "invalid session", code: websocket.CloseNormal, delay: delay}, true

	default:
		if !p.Op.Known() {
			c.logger.Warn("ignoring unknown opcode", zap.Int("op", int(p.Op)))
			break
		}
		c.logger.Warn("ignoring unexpected opcode", zap.Stringer("op", p.Op))
	}
	return disconnect{}, false
}

func (c *connection) hello(ctx context.Context, p *protocol.Payload) (disconnect, bool) {
	s := c.shard

	if s.getStatus() != StatusAwaitingHello {
		c.logger.Warn("ignoring unexpected hello")
		return disconnect{}, false
	}

	var hello protocol.Hello
	if err := p.DecodeData(&hello); err != nil || hello.HeartbeatInterval <= 0 {
		s.clearSession()
		return disconnect{reason: "malformed hello", code: websocket.CloseNormal, err: err}, true
	}

	c.helloTimer.Stop()

	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	s.mu.Lock()
	s.interval = interval
	s.mu.Unlock()

	// The first heartbeat is jittered so that shards started together
	// spread their heartbeats.
	c.heartbeat = time.NewTimer(time.Duration(rand.Float64() * float64(interval)))

	if resume := s.ResumeState(); resume != nil {
		s.setStatus(StatusResuming)
		if err := c.resume(ctx, resume); err != nil {
			return disconnect{reason: "resume failed", err: err}, true
		}
		return disconnect{}, false
	}

	s.setStatus(StatusIdentifying)
	c.acquirePermit(ctx)
	return disconnect{}, false
}

// acquirePermit waits for an identify permit without blocking the loop, so
// heartbeats continue while the coordinator holds the shard back.
func (c *connection) acquirePermit(ctx context.Context) {
	actx, cancel := context.WithCancel(ctx)
	ch := make(chan permitResult, 1)
	c.permitCh = ch
	c.cancelAcquire = cancel

	id := c.shard.cfg.ID
	permits := c.shard.cfg.Permits
	if a, ok := permits.(interface{ Available() bool }); ok && !a.Available() {
		c.logger.Info("waiting for identify permit")
	}
	go func() {
		p, err := permits.Acquire(actx, id)
		ch <- permitResult{permit: p, err: err}
	}()
}

func (c *connection) releasePermit() {
	if c.permitCh != nil {
		c.cancelAcquire()
		if r := <-c.permitCh; r.err == nil {
			r.permit.Release()
		}
		c.permitCh = nil
	}
	if c.permit != nil {
		c.permit.Release()
		c.permit = nil
	}
}

func (c *connection) identify(ctx context.Context) error {
	s := c.shard
	body := protocol.Identify{
		Token:          s.cfg.Token,
		Properties:     s.cfg.Properties,
		LargeThreshold: s.cfg.LargeThreshold,
		Shard:          [2]int{s.cfg.ID, s.cfg.Count},
		Presence:       s.cfg.Presence,
		Intents:        s.cfg.Intents,
	}
	data, err := protocol.Encode(protocol.OpIdentify, body)
	if err != nil {
		return err
	}
	c.logger.Debug("identifying")
	return c.conn.SendControl(ctx, data)
}

func (c *connection) resume(ctx context.Context, r *ResumeState) error {
	data, err := protocol.Encode(protocol.OpResume, protocol.Resume{
		Token:     c.shard.cfg.Token,
		SessionID: r.SessionID,
		Seq:       r.Seq,
	})
	if err != nil {
		return err
	}
	c.logger.Debug("resuming", zap.String("session_id", r.SessionID), zap.Int64("seq", r.Seq))
	return c.conn.SendControl(ctx, data)
}

func (c *connection) sendHeartbeat(ctx context.Context) error {
	s := c.shard

	s.mu.RLock()
	seq := s.seq
	s.mu.RUnlock()

	data, err := protocol.Encode(protocol.OpHeartbeat, protocol.Heartbeat(seq))
	if err != nil {
		return err
	}
	if err := c.conn.SendControl(ctx, data); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastSent = time.Now()
	s.mu.Unlock()
	c.awaitingAck = true
	s.metrics.HeartbeatSent(s.cfg.ID)
	return nil
}

func (c *connection) dispatch(ctx context.Context, p *protocol.Payload) {
	s := c.shard

	s.mu.Lock()
	if p.Seq > 0 && p.Seq <= s.seq && s.sessionID != "" {
		s.mu.Unlock()
		c.logger.Debug("dropping replayed dispatch", zap.Int64("seq", p.Seq))
		return
	}
	if p.Seq > s.seq {
		s.seq = p.Seq
	}
	s.mu.Unlock()

	switch p.Type {
	case protocol.EventReady:
		var ready protocol.Ready
		if err := p.DecodeData(&ready); err != nil {
			c.logger.Warn("malformed ready payload", zap.Error(err))
			break
		}
		s.mu.Lock()
		s.sessionID = ready.SessionID
		s.resumeURL = ready.ResumeGatewayURL
		s.mu.Unlock()
		c.releasePermit()
		c.logger.Info("session started", zap.String("session_id", ready.SessionID))
		c.ready()

	case protocol.EventResumed:
		c.logger.Info("session resumed")
		c.ready()

	default:
		// Replayed events arrive before RESUMED.
		if st := s.getStatus(); st == StatusResuming || st == StatusIdentifying {
			c.ready()
		}
	}

	if s.getStatus() != StatusReady {
		return
	}

	ev := &remedy.Event{
		ShardID: s.cfg.ID,
		Seq:     p.Seq,
		Type:    p.Type,
		Data:    append(jsoniter.RawMessage(nil), p.Data...),
	}
	s.cfg.Consumer.HandleEvent(ctx, ev)
	s.metrics.EventDelivered(s.cfg.ID)
}

func (c *connection) ready() {
	if c.shard.getStatus() == StatusReady {
		return
	}
	c.shard.setStatus(StatusReady)
	if c.readyAt.IsZero() {
		*c.readyAt = time.Now()
	}
}

// closed maps a read error to the next step.
func (c *connection) closed(err error) disconnect {
	s := c.shard

	code, reason, ok := websocket.CloseCode(err)
	if !ok {
		return disconnect{reason: "connection lost", err: err}
	}

	fields := []zap.Field{zap.Int("code", code), zap.String("reason", reason)}
	switch protocol.Classify(code) {
	case protocol.CloseReidentify:
		c.logger.Warn("session closed by server, starting a new one", fields...)
		s.clearSession()
		return disconnect{reason: protocol.CloseReason(code), code: websocket.CloseNormal}

	case protocol.CloseFatal:
		s.clearSession()
		return disconnect{
			reason: protocol.CloseReason(code),
			code:   websocket.CloseNormal,
			fatal: &remedy.ShardError{
				ShardID: s.cfg.ID,
				Code:    code,
				Reason:  protocol.CloseReason(code),
				Err:     err,
			},
		}

	default:
		c.logger.Warn("connection closed by server", fields...)
		return disconnect{reason: protocol.CloseReason(code)}
	}
}

func (s *Shard) heartbeatInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

func (s *Shard) reidentifyDelay() time.Duration {
	hi := s.cfg.ReidentifyDelay
	lo := hi / 5
	if hi <= lo {
		return hi
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
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
