package rest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/remedy"
	"github.com/luciancaetano/remedy/internal/identify"
)

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig("secret")
	cfg.BaseURL = srv.URL + "/api/v10"
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()

	_, err := New(DefaultConfig(""))
	var envErr *remedy.EnvironmentVariableError
	require.True(t, errors.As(err, &envErr))
	require.Equal(t, "REMEDY_TOKEN", envErr.Name)
}

func TestRequestRoundTrip(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v10/channels/1/messages", r.URL.Path)
		assert.Equal(t, "Bot secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Contains(t, r.Header.Get("User-Agent"), "DiscordBot")

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"content":"hello"}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"99","content":"hello"}`))
	})

	var msg struct {
		ID      string `json:"id"`
		Content string `json:"content"`
	}
	err := c.Request(context.Background(), http.MethodPost, "/channels/1/messages", map[string]string{"content": "hello"}, &msg)
	require.NoError(t, err)
	require.Equal(t, "99", msg.ID)
}

func TestRequestNoContent(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	})

	var out map[string]any
	require.NoError(t, c.Request(context.Background(), http.MethodDelete, "channels/1/pins/2", nil, &out))
	require.Nil(t, out)
}

func TestRequestAPIError(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":50035,"message":"Invalid Form Body","errors":{"content":{"_errors":[{"code":"BASE_TYPE_MAX_LENGTH"}]}}}`))
	})

	err := c.Request(context.Background(), http.MethodPost, "/channels/1/messages/2", map[string]string{}, nil)
	var apiErr *remedy.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Equal(t, 50035, apiErr.Code)
	require.Equal(t, "Invalid Form Body", apiErr.Message)
	require.Equal(t, "POST /channels/1/messages/:id", apiErr.Route)
	require.Contains(t, string(apiErr.Errors), "BASE_TYPE_MAX_LENGTH")
}

func TestRequestPlainTextError(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	})

	err := c.Request(context.Background(), http.MethodGet, "/users/@me", nil, nil)
	var apiErr *remedy.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "upstream unavailable", apiErr.Message)
}

func TestGatewayBot(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v10/gateway/bot", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"url": "wss://gateway.discord.gg",
			"shards": 9,
			"session_start_limit": {"total": 1000, "remaining": 999, "reset_after": 14400000, "max_concurrency": 16}
		}`))
	})

	gb, err := c.GatewayBot(context.Background())
	require.NoError(t, err)
	require.Equal(t, "wss://gateway.discord.gg", gb.URL)
	require.Equal(t, 9, gb.Shards)
	require.Equal(t, identify.Limit{
		Total:          1000,
		Remaining:      999,
		ResetAfter:     4 * time.Hour,
		MaxConcurrency: 16,
	}, gb.SessionStartLimit.Limit())

	limit, err := c.SessionStartFetcher()(context.Background())
	require.NoError(t, err)
	require.Equal(t, 999, limit.Remaining)
}

func TestGatewayBotMissingURL(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"shards":1}`))
	})

	_, err := c.GatewayBot(context.Background())
	require.Error(t, err)
}

func TestDoPassesHeaders(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "because", r.Header.Get("X-Audit-Log-Reason"))
		w.Header().Set("X-RateLimit-Bucket", "abc")
		w.Header().Set("X-RateLimit-Limit", "5")
		w.Header().Set("X-RateLimit-Remaining", "4")
		w.Header().Set("X-RateLimit-Reset-After", "1")
		w.WriteHeader(http.StatusNoContent)
	})

	resp, err := c.Do(context.Background(), http.MethodDelete, "/guilds/1/bans/2", http.Header{"X-Audit-Log-Reason": {"because"}}, nil)
	require.NoError(t, err)
	resp.Body.Close()

	buckets := c.Dispatcher().Buckets()
	require.Len(t, buckets, 1)
	require.Equal(t, "abc:guilds/1", buckets[0].Key)
	require.Equal(t, 4, buckets[0].Remaining)
}
