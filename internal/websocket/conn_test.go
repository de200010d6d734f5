package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// serve starts a websocket server running handler for every connection and
// returns its ws:// address.
func serve(t *testing.T, handler func(*websocket.Conn)) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func echo(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func dial(t *testing.T, url string, cfg *Config) *Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c, err := Dial(ctx, url, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(CloseNormal, "") })
	return c
}

func TestDialSendRead(t *testing.T) {
	t.Parallel()

	url := serve(t, echo)
	c := dial(t, url, nil)

	_, err := uuid.Parse(c.ID())
	require.NoError(t, err)
	require.Equal(t, url, c.URL())
	require.True(t, c.IsAlive())

	require.NoError(t, c.Send(context.Background(), []byte(`{"op":3}`)))
	data, err := c.Read()
	require.NoError(t, err)
	require.Equal(t, `{"op":3}`, string(data))

	require.NoError(t, c.SendControl(context.Background(), []byte(`{"op":1}`)))
	data, err = c.Read()
	require.NoError(t, err)
	require.Equal(t, `{"op":1}`, string(data))
}

func TestConnectionIDsAreUnique(t *testing.T) {
	t.Parallel()

	url := serve(t, echo)
	a := dial(t, url, nil)
	b := dial(t, url, nil)
	require.NotEqual(t, a.ID(), b.ID())
}

func TestCloseSendsCode(t *testing.T) {
	t.Parallel()

	codes := make(chan int, 1)
	url := serve(t, func(conn *websocket.Conn) {
		_, _, err := conn.ReadMessage()
		code, _, _ := CloseCode(err)
		codes <- code
	})
	c := dial(t, url, nil)

	require.NoError(t, c.Close(CloseResume, "resume"))
	require.NoError(t, c.Close(CloseNormal, "again"))

	select {
	case code := <-codes:
		require.Equal(t, CloseResume, code)
	case <-time.After(time.Second):
		t.Fatal("server did not observe the close frame")
	}

	require.False(t, c.IsAlive())
	require.Error(t, c.Context().Err())
	require.ErrorIs(t, c.Send(context.Background(), []byte("x")), ErrClosed)
	require.ErrorIs(t, c.SendControl(context.Background(), []byte("x")), ErrClosed)
}

func TestReadReportsServerCloseCode(t *testing.T) {
	t.Parallel()

	url := serve(t, func(conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(4004, "Authentication failed.")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	})
	c := dial(t, url, nil)

	_, err := c.Read()
	require.Error(t, err)

	code, reason, ok := CloseCode(err)
	require.True(t, ok)
	require.Equal(t, 4004, code)
	require.Equal(t, "Authentication failed.", reason)

	_, _, ok = CloseCode(errors.New("reset by peer"))
	require.False(t, ok)
}

func TestSendIsThrottled(t *testing.T) {
	t.Parallel()

	url := serve(t, echo)
	cfg := DefaultConfig()
	cfg.CommandLimit = 2
	cfg.CommandWindow = 2 * time.Second
	c := dial(t, url, cfg)

	require.NoError(t, c.Send(context.Background(), []byte("1")))
	require.NoError(t, c.Send(context.Background(), []byte("2")))

	// The burst is spent; the next token is a second away.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, c.Send(ctx, []byte("3")))

	// Control frames bypass the throttle.
	require.NoError(t, c.SendControl(context.Background(), []byte("hb")))
}

func TestDialFailsWithoutUpgrade(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}
