// Package gatewaytest provides a scriptable in-process gateway for tests.
//
// Every accepted connection runs the server's Handler in its own goroutine
// with a Session that speaks the gateway envelope, optionally zlib-stream
// compressed when the client asked for it.
package gatewaytest

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zlib"

	"github.com/luciancaetano/remedy/internal/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handler scripts one connection. The connection is closed when it returns.
type Handler func(s *Session)

// Server is a gateway bound to a local httptest server.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	handler  Handler

	mu       sync.Mutex
	sessions []*Session
	wg       sync.WaitGroup
}

// NewServer starts a gateway that runs h for every connection.
func NewServer(h Handler) *Server {
	s := &Server{
		handler: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	return s
}

// URL returns the ws:// address of the gateway.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Connections returns the number of connections accepted so far.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Session returns the i-th accepted connection.
func (s *Server) Session(i int) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.sessions) {
		return nil
	}
	return s.sessions[i]
}

// Close closes every connection and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.conn.Close()
	}
	s.mu.Unlock()
	s.srv.CloseClientConnections()
	s.srv.Close()
	s.wg.Wait()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &Session{
		conn:    conn,
		Query:   r.URL.Query(),
		AutoAck: true,
		done:    make(chan struct{}),
	}
	if sess.Query.Get("compress") == "zlib-stream" {
		sess.zw = zlib.NewWriter(&sess.buf)
	}

	s.mu.Lock()
	sess.Index = len(s.sessions)
	s.sessions = append(s.sessions, sess)
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	defer close(sess.done)
	defer conn.Close()

	s.handler(sess)
}

// Session is one accepted gateway connection.
type Session struct {
	// Index is the position of the connection in accept order.
	Index int
	// Query holds the connection's query parameters.
	Query url.Values
	// AutoAck answers heartbeats seen by Expect and Serve.
	AutoAck bool

	conn *websocket.Conn
	done chan struct{}

	mu  sync.Mutex
	zw  *zlib.Writer
	buf bytes.Buffer
}

// Done is closed when the handler returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Compressed reports whether the client asked for zlib-stream.
func (s *Session) Compressed() bool {
	return s.zw != nil
}

type frame struct {
	Op   protocol.Opcode `json:"op"`
	Data any             `json:"d"`
	Seq  *int64          `json:"s"`
	Type *string         `json:"t"`
}

// Send writes a non-dispatch payload.
func (s *Session) Send(op protocol.Opcode, data any) error {
	return s.write(frame{Op: op, Data: data})
}

// Hello sends OpHello with the given interval.
func (s *Session) Hello(interval time.Duration) error {
	return s.Send(protocol.OpHello, protocol.Hello{HeartbeatInterval: interval.Milliseconds()})
}

// Dispatch sends an OpDispatch event.
func (s *Session) Dispatch(seq int64, eventType string, data any) error {
	return s.write(frame{Op: protocol.OpDispatch, Data: data, Seq: &seq, Type: &eventType})
}

// Ready dispatches READY for sessionID, advertising resumeURL.
func (s *Session) Ready(seq int64, sessionID, resumeURL string) error {
	return s.Dispatch(seq, protocol.EventReady, map[string]any{
		"v":                  protocol.DefaultVersion,
		"session_id":         sessionID,
		"resume_gateway_url": resumeURL,
		"user":               map[string]any{"id": "1", "username": "remedy"},
	})
}

// InvalidSession sends OpInvalidSession.
func (s *Session) InvalidSession(resumable bool) error {
	return s.Send(protocol.OpInvalidSession, resumable)
}

// SendRaw writes data as is, bypassing the envelope and compression.
func (s *Session) SendRaw(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

func (s *Session) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.zw == nil {
		return s.conn.WriteMessage(websocket.TextMessage, data)
	}

	s.buf.Reset()
	if _, err := s.zw.Write(data); err != nil {
		return err
	}
	if err := s.zw.Flush(); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, s.buf.Bytes())
}

// Read returns the next payload sent by the client.
func (s *Session) Read(timeout time.Duration) (*protocol.Payload, error) {
	if timeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(timeout))
		defer s.conn.SetReadDeadline(time.Time{})
	}
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

// Expect reads until a payload with op arrives, acknowledging heartbeats on
// the way when AutoAck is set.
func (s *Session) Expect(op protocol.Opcode, timeout time.Duration) (*protocol.Payload, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("timed out waiting for %s", op)
		}
		p, err := s.Read(remaining)
		if err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", op, err)
		}
		if p.Op == op {
			return p, nil
		}
		if p.Op == protocol.OpHeartbeat && s.AutoAck {
			if err := s.Send(protocol.OpHeartbeatAck, nil); err != nil {
				return nil, err
			}
		}
	}
}

// Serve acknowledges heartbeats until the client closes the connection or
// the timeout elapses. It returns the close error of the connection.
func (s *Session) Serve(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		p, err := s.Read(remaining)
		if err != nil {
			var ne interface{ Timeout() bool }
			if errors.As(err, &ne) && ne.Timeout() {
				return nil
			}
			return err
		}
		if p.Op == protocol.OpHeartbeat && s.AutoAck {
			if err := s.Send(protocol.OpHeartbeatAck, nil); err != nil {
				return err
			}
		}
	}
}

// Close sends a close frame with code and reason.
func (s *Session) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		return err
	}
	return s.conn.Close()
}

// Drop closes the TCP connection without a close frame.
func (s *Session) Drop() error {
	return s.conn.Close()
}

// CloseCode returns the close code carried by a read error, if any.
func CloseCode(err error) (int, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}
