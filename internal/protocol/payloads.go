package protocol

import (
	"fmt"
	"net/url"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

// DefaultVersion is the gateway protocol version requested on connect.
const DefaultVersion = 10

// Hello is the body of OpHello.
type Hello struct {
	// HeartbeatInterval is in milliseconds.
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// Properties describe the connecting client.
type Properties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Identify is the body of OpIdentify.
type Identify struct {
	Token          string     `json:"token"`
	Properties     Properties `json:"properties"`
	Compress       bool       `json:"compress,omitempty"`
	LargeThreshold int        `json:"large_threshold,omitempty"`
	Shard          [2]int     `json:"shard"`
	Presence       any        `json:"presence,omitempty"`
	Intents        int        `json:"intents"`
}

// Resume is the body of OpResume.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Ready is the subset of the READY dispatch the shard itself needs.
type Ready struct {
	Version          int                 `json:"v"`
	SessionID        string              `json:"session_id"`
	ResumeGatewayURL string              `json:"resume_gateway_url"`
	Shard            []int               `json:"shard"`
	User             jsoniter.RawMessage `json:"user"`
}

// Heartbeat builds the body of OpHeartbeat: the last sequence, or null
// before any dispatch was received.
func Heartbeat(seq int64) any {
	if seq == 0 {
		return nil
	}
	return seq
}

// Dispatch event names handled by the shard.
const (
	EventReady   = "READY"
	EventResumed = "RESUMED"
)

// GatewayURL adds the version, encoding and compression parameters to a
// gateway base URL.
func GatewayURL(base string, version int, compress bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("gateway url %q: unsupported scheme %q", base, u.Scheme)
	}
	if version <= 0 {
		version = DefaultVersion
	}

	q := u.Query()
	q.Set("v", strconv.Itoa(version))
	q.Set("encoding", "json")
	if compress {
		q.Set("compress", "zlib-stream")
	} else {
		q.Del("compress")
	}
	u.RawQuery = q.Encode()
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}
