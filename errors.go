package remedy

import (
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// ShardError reports a condition the shard could not absorb on its own,
// for example an authentication failure or an invalid shard configuration.
type ShardError struct {
	ShardID int
	// Code is the gateway close code that ended the shard, or 0 when the
	// shard stopped for another reason.
	Code   int
	Reason string
	Err    error
}

func (e *ShardError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "shard %d", e.ShardID)
	if e.Code != 0 {
		fmt.Fprintf(&b, ": close code %d", e.Code)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ShardError) Unwrap() error {
	return e.Err
}

// AccountLevel reports whether the failure applies to every shard of the
// account (the token was rejected), not just this one.
func (e *ShardError) AccountLevel() bool {
	return e.Code == 4004
}

// APIError is a non-2xx REST response.
type APIError struct {
	Method     string
	Route      string
	StatusCode int

	// Code is the platform error code from the response body.
	Code    int
	Message string

	// Errors holds the nested per-field error object, when present.
	Errors jsoniter.RawMessage
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s %s: %d %s (code %d)", e.Method, e.Route, e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Route, e.StatusCode, e.Message)
}

// RateLimitError is returned when a request was rejected with 429 again
// after its single retry.
type RateLimitError struct {
	Method     string
	Route      string
	Bucket     string
	RetryAfter time.Duration
	Global     bool
}

func (e *RateLimitError) Error() string {
	scope := "bucket " + e.Bucket
	if e.Global {
		scope = "global"
	}
	return fmt.Sprintf("%s %s: %s (%s, retry after %s)", e.Method, e.Route, ErrRateLimited, scope, e.RetryAfter)
}

// EnvironmentVariableError reports a required setting that is missing.
type EnvironmentVariableError struct {
	Name string
}

func (e *EnvironmentVariableError) Error() string {
	return fmt.Sprintf("environment variable %s is not set", e.Name)
}
