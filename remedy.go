package remedy

import (
	"context"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Event is one decoded dispatch payload delivered to a Consumer.
//
// Events from a single shard are delivered in sequence order. Events from
// different shards may interleave in any order.
type Event struct {
	// ShardID is the shard that received the event.
	ShardID int

	// Seq is the dispatch sequence number within the shard's session.
	Seq int64

	// Type is the dispatch event name, for example "MESSAGE_CREATE".
	Type string

	// Data is the raw JSON body of the event. It is owned by the consumer.
	Data jsoniter.RawMessage
}

// Consumer receives dispatch events from the gateway.
//
// HandleEvent is called synchronously from the shard's processing loop, so a
// slow consumer delays further events (and heartbeats processing) of that
// shard only. Hand work off to another goroutine when it may block.
type Consumer interface {
	HandleEvent(ctx context.Context, ev *Event)
}

// ConsumerFunc adapts a plain function to the Consumer interface.
type ConsumerFunc func(ctx context.Context, ev *Event)

// HandleEvent calls f(ctx, ev).
func (f ConsumerFunc) HandleEvent(ctx context.Context, ev *Event) {
	f(ctx, ev)
}

// Requester issues rate-limited calls against the REST control plane.
//
// Example usage:
//
//	var channel struct {
//	    ID   string `json:"id"`
//	    Name string `json:"name"`
//	}
//	err := b.REST().Request(ctx, http.MethodGet, "/channels/81384788765712384", nil, &channel)
type Requester interface {
	// Request sends method+path with body encoded as JSON (nil for no body)
	// and decodes a successful response into out (nil to discard it).
	//
	// Rate limiting is applied transparently. A 429 is retried once after the
	// server-provided delay; a second 429 returns a *RateLimitError. Non-2xx
	// responses return an *APIError.
	Request(ctx context.Context, method, path string, body, out any) error

	// Do is the low level variant of Request for callers that need the raw
	// response. The caller must close the response body.
	Do(ctx context.Context, method, path string, header http.Header, body []byte) (*http.Response, error)
}

// Bot owns the complete set of gateway shards and the REST client.
//
// Example usage:
//
//	import "github.com/luciancaetano/remedy/bot"
//
//	b, err := bot.New(bot.DefaultConfig(token), remedy.ConsumerFunc(func(ctx context.Context, ev *remedy.Event) {
//	    log.Printf("shard %d: %s", ev.ShardID, ev.Type)
//	}))
//	if err != nil {
//	    return err
//	}
//	if err := b.Start(ctx); err != nil {
//	    return err
//	}
//	defer b.Stop(context.Background())
//	return b.Wait()
type Bot interface {
	// Start fetches the gateway bootstrap information, starts the identify
	// coordinator and connects every configured shard.
	//
	// Returns an error if the bot is already running or the bootstrap
	// endpoint cannot be reached.
	Start(ctx context.Context) error

	// Stop closes every shard and waits until all of them released their
	// connections and identify permits, or ctx expires.
	Stop(ctx context.Context) error

	// Wait blocks until every shard stopped. It returns the fatal shard
	// errors, if any, as a combined error.
	Wait() error

	// Errors delivers fatal per-shard errors as they happen.
	Errors() <-chan *ShardError

	// Send writes an application command (presence update, voice state
	// update, request guild members) to the given shard.
	Send(ctx context.Context, shardID int, op int, data any) error

	// ShardFor returns the shard id responsible for a guild.
	ShardFor(guildID uint64) int

	// REST returns the rate-limited REST client.
	REST() Requester

	// Latency returns the last heartbeat round trip for a shard.
	Latency(shardID int) (time.Duration, bool)

	// Latencies returns the last heartbeat round trip of every shard.
	Latencies() map[int]time.Duration

	// NumShards returns the total shard count in use.
	NumShards() int

	// Gateway returns the gateway URL obtained from the bootstrap endpoint.
	Gateway() string
}
