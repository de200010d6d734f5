// Package websocket is the gateway transport: one Conn per connection
// attempt, with a single writer goroutine and a command throttle.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/remedy"
	"github.com/luciancaetano/remedy/internal/protocol"
)

// ErrClosed is returned when writing to a closed connection.
var ErrClosed = errors.New(remedy.ErrConnectionClosed)

// Close codes used by the client side.
const (
	CloseNormal = websocket.CloseNormalClosure
	// CloseResume closes the socket while keeping the session resumable.
	CloseResume = protocol.CloseClientReconnect
)

// Config configures a Conn.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64

	// CommandLimit commands are allowed per CommandWindow. Heartbeats are
	// written through SendControl and not counted.
	CommandLimit  int
	CommandWindow time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns the gateway's limits: 120 commands per minute and
// frames up to 16 MiB.
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadLimit:        16 << 20,
		CommandLimit:     120,
		CommandWindow:    time.Minute,
	}
}

type outbound struct {
	data []byte
}

// Conn is one gateway websocket connection. Read must be called from a
// single goroutine; Send, SendControl and Close are safe for concurrent use.
type Conn struct {
	id        string
	url       string
	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	sendCh    chan outbound
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	limiter   *rate.Limiter

	writeTimeout time.Duration
	logger       *zap.Logger
}

// Dial opens a connection to url.
func Dial(ctx context.Context, url string, cfg *Config) (*Conn, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	return newConn(conn, url, cfg), nil
}

func newConn(conn *websocket.Conn, url string, cfg *Config) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if cfg.CommandLimit > 0 && cfg.CommandWindow > 0 {
		every := cfg.CommandWindow / time.Duration(cfg.CommandLimit)
		limiter = rate.NewLimiter(rate.Every(every), cfg.CommandLimit)
	}

	if cfg.ReadLimit > 0 {
		conn.SetReadLimit(cfg.ReadLimit)
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Conn{
		id:           uuid.New().String(),
		url:          url,
		conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		sendCh:       make(chan outbound, 64),
		limiter:      limiter,
		writeTimeout: writeTimeout,
	}
	c.logger = logger.With(zap.String("conn", c.id))

	go c.writePump()

	return c
}

// ID returns a unique identifier for this connection attempt.
func (c *Conn) ID() string {
	return c.id
}

// URL returns the address the connection was dialed with.
func (c *Conn) URL() string {
	return c.url
}

// Context is cancelled when the connection is closed.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Send queues an application command. It waits for the command throttle
// first, so a burst of commands is spread out instead of getting the
// connection closed by the server.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return c.enqueue(ctx, data)
}

// SendControl queues a heartbeat, identify or resume without throttling.
func (c *Conn) SendControl(ctx context.Context, data []byte) error {
	return c.enqueue(ctx, data)
}

func (c *Conn) enqueue(ctx context.Context, data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}

	select {
	case c.sendCh <- outbound{data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// Read returns the next data frame.
func (c *Conn) Read() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// Close sends a close frame with code and reason and closes the socket.
// Only the first call has an effect.
func (c *Conn) Close(code int, reason string) error {
	first := false
	c.closeOnce.Do(func() { first = true })
	if !first {
		return nil
	}

	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, message, deadline)

	// Cancel before locking so pending enqueues give up their read lock.
	c.cancel()

	c.mu.Lock()
	c.closed = true
	close(c.sendCh)
	c.mu.Unlock()

	c.logger.Debug("connection closed", zap.Int("code", code), zap.String("reason", reason))
	return c.conn.Close()
}

// IsAlive returns true until the connection is closed.
func (c *Conn) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

func (c *Conn) writePump() {
	for {
		select {
		case msg, ok := <-c.sendCh:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				// Unblocks the reader, which reports the failure.
				c.conn.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// CloseCode extracts the close code and reason from an error returned by
// Read. ok is false when the connection ended without a close frame.
func CloseCode(err error) (code int, reason string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}
