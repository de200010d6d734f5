// Package remedy provides a client for a real-time chat platform's event gateway and REST API.
//
// The library keeps one WebSocket connection per shard, follows the gateway session protocol
// (hello, identify, resume, heartbeats) and delivers dispatch events to a Consumer. REST calls
// go through a bucket-based rate limiter that follows the limits reported by the server.
//
// # Architecture
//
// A Bot owns three shared pieces and one shard per configured shard id:
//
//   - the identify coordinator, which bounds how many shards may start a session at once and
//     how many session starts remain in the current window,
//   - the REST dispatcher, which serializes calls per rate-limit bucket and honours the global limit,
//   - the shard supervisor, which starts every shard, restarts one that crashed and reports
//     shard latency and status.
//
// Each shard processes its frames in a single goroutine, so sequence numbers advance and events
// are delivered in order per shard.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/remedy"
//	    "github.com/luciancaetano/remedy/bot"
//	)
//
//	cfg := bot.DefaultConfig(os.Getenv("REMEDY_TOKEN"))
//	cfg.Intents = 1<<0 | 1<<9 // guilds, guild messages
//
//	b, err := bot.New(cfg, remedy.ConsumerFunc(func(ctx context.Context, ev *remedy.Event) {
//	    log.Printf("shard=%d seq=%d type=%s", ev.ShardID, ev.Seq, ev.Type)
//	}))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := b.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Stop(context.Background())
//
//	// REST calls share the rate limiter
//	err = b.REST().Request(ctx, http.MethodPost, "/channels/123/messages",
//	    map[string]string{"content": "hello"}, nil)
//
// # Connection lifecycle
//
// A shard moves through disconnected, connecting, awaiting hello, identifying or resuming,
// ready, degraded and reconnecting. Events are only forwarded while ready. A connection that
// misses a heartbeat acknowledgement is closed and resumed with the same session, which does not
// consume a session start. Close codes are classified as resumable, re-identify or fatal; fatal
// codes end the shard with a *ShardError.
//
// # Compression
//
// With Config.Compress set, the gateway sends a zlib stream shared by all messages of the
// connection. Frames are inflated with a persistent context; a corrupt stream drops the session
// and starts a new one.
//
// # Rate Limiting
//
// Every REST call is keyed by its route signature (method plus path with major parameters kept).
// The server assigns buckets through response headers, and routes that share a bucket share the
// counter. A 429 response is retried once after the advertised delay:
//
//	var rlErr *remedy.RateLimitError
//	if errors.As(err, &rlErr) {
//	    log.Printf("still limited on %s, retry after %s", rlErr.Route, rlErr.RetryAfter)
//	}
//
// Gateway commands sent by the application (presence, voice state) are limited to 120 per minute
// per shard, with heartbeats exempt.
//
// # Important
//
//   - Consumer.HandleEvent runs on the shard goroutine; do not block in it
//   - Event.Data belongs to the consumer and is not reused by the library
//   - Stop closes sessions; a new Start identifies again
package remedy
