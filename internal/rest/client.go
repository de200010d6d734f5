// Package rest is the HTTP side of the platform: rate limited requests and
// the gateway bootstrap endpoint.
package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/luciancaetano/remedy"
	"github.com/luciancaetano/remedy/internal/identify"
	"github.com/luciancaetano/remedy/internal/metrics"
	"github.com/luciancaetano/remedy/internal/ratelimit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultBaseURL is the versioned REST root.
const DefaultBaseURL = "https://discord.com/api/v10"

// Config configures a Client.
type Config struct {
	BaseURL   string
	Token     string
	UserAgent string

	// HTTPClient defaults to a pooled go-cleanhttp client.
	HTTPClient *http.Client
	Timeout    time.Duration

	// Dispatcher defaults to one built from ratelimit.DefaultConfig.
	Dispatcher *ratelimit.Dispatcher

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config for token against the public API.
func DefaultConfig(token string) *Config {
	return &Config{
		BaseURL:   DefaultBaseURL,
		Token:     token,
		UserAgent: "DiscordBot (https://github.com/luciancaetano/remedy, 1.0)",
		Timeout:   30 * time.Second,
	}
}

// Client issues REST calls through a rate limit dispatcher.
type Client struct {
	baseURL    string
	auth       string
	userAgent  string
	http       *http.Client
	dispatcher *ratelimit.Dispatcher
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

var _ remedy.Requester = (*Client)(nil)

// New creates a Client.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("rest: nil config")
	}
	if cfg.Token == "" {
		return nil, &remedy.EnvironmentVariableError{Name: "REMEDY_TOKEN"}
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
		if cfg.Timeout > 0 {
			httpClient.Timeout = cfg.Timeout
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		rl := ratelimit.DefaultConfig()
		rl.Logger = logger
		rl.Metrics = cfg.Metrics
		dispatcher = ratelimit.New(rl)
	}

	auth := cfg.Token
	if !strings.HasPrefix(auth, "Bot ") && !strings.HasPrefix(auth, "Bearer ") {
		auth = "Bot " + auth
	}

	return &Client{
		baseURL:    baseURL,
		auth:       auth,
		userAgent:  cfg.UserAgent,
		http:       httpClient,
		dispatcher: dispatcher,
		logger:     logger.Named("rest"),
		metrics:    cfg.Metrics,
	}, nil
}

// Dispatcher returns the rate limit dispatcher used by the client.
func (c *Client) Dispatcher() *ratelimit.Dispatcher {
	return c.dispatcher
}

// Do sends method+path with the raw body. The caller must close the
// response body.
func (c *Client) Do(ctx context.Context, method, path string, header http.Header, body []byte) (*http.Response, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	requestID := uuid.New().String()
	logger := c.logger.With(
		zap.String("request_id", requestID),
		zap.String("method", method),
		zap.String("path", path))

	send := func(ctx context.Context) (*http.Response, error) {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
		if err != nil {
			return nil, err
		}
		for k, v := range header {
			req.Header[k] = v
		}
		req.Header.Set("Authorization", c.auth)
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}
		if body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			logger.Debug("request failed", zap.Error(err))
			return nil, err
		}
		c.metrics.RESTRequest(method, resp.StatusCode)
		logger.Debug("request completed",
			zap.Int("status", resp.StatusCode),
			zap.Duration("took", time.Since(start)))
		return resp, nil
	}

	return c.dispatcher.Do(ctx, method, path, send)
}

// Request sends body as JSON and decodes a successful response into out.
// Non-2xx responses are returned as *remedy.APIError.
func (c *Client) Request(ctx context.Context, method, path string, body, out any) error {
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%s: %w", remedy.ErrFailedToEncode, err)
		}
	}

	resp, err := c.Do(ctx, method, path, nil, data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(method, path, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode %s %s: %w", remedy.ErrUnexpectedReply, method, path, err)
	}
	return nil
}

type apiErrorBody struct {
	Code    int                 `json:"code"`
	Message string              `json:"message"`
	Errors  jsoniter.RawMessage `json:"errors"`
}

func decodeAPIError(method, path string, resp *http.Response) error {
	apiErr := &remedy.APIError{
		Method:     method,
		Route:      ratelimit.Route(method, path),
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var body apiErrorBody
	if err := json.Unmarshal(data, &body); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Code = body.Code
	if body.Message != "" {
		apiErr.Message = body.Message
	}
	apiErr.Errors = body.Errors
	return apiErr
}

// GatewayBot is the response of the bootstrap endpoint.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// SessionStartLimit is the identify window. ResetAfter is in milliseconds.
type SessionStartLimit struct {
	Total          int   `json:"total"`
	Remaining      int   `json:"remaining"`
	ResetAfter     int64 `json:"reset_after"`
	MaxConcurrency int   `json:"max_concurrency"`
}

// Limit converts the window for the identify coordinator.
func (l SessionStartLimit) Limit() identify.Limit {
	return identify.Limit{
		Total:          l.Total,
		Remaining:      l.Remaining,
		ResetAfter:     time.Duration(l.ResetAfter) * time.Millisecond,
		MaxConcurrency: l.MaxConcurrency,
	}
}

// GatewayBot fetches the gateway URL, the recommended shard count and the
// session start window.
func (c *Client) GatewayBot(ctx context.Context) (*GatewayBot, error) {
	var gb GatewayBot
	if err := c.Request(ctx, http.MethodGet, "/gateway/bot", nil, &gb); err != nil {
		return nil, err
	}
	if gb.URL == "" {
		return nil, fmt.Errorf("%s: gateway url missing from bootstrap response", remedy.ErrUnexpectedReply)
	}
	return &gb, nil
}

// SessionStartFetcher adapts GatewayBot for identify.Coordinator refreshes.
func (c *Client) SessionStartFetcher() identify.Fetcher {
	return func(ctx context.Context) (identify.Limit, error) {
		gb, err := c.GatewayBot(ctx)
		if err != nil {
			return identify.Limit{}, err
		}
		return gb.SessionStartLimit.Limit(), nil
	}
}
