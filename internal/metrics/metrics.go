// Package metrics exposes Prometheus collectors for shards, session starts
// and REST rate limiting.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "remedy"

// Metrics holds every collector of the library.
type Metrics struct {
	shardStatus  *prometheus.GaugeVec
	shardLatency *prometheus.GaugeVec
	heartbeats   *prometheus.CounterVec
	reconnects   *prometheus.CounterVec
	events       *prometheus.CounterVec
	restarts     *prometheus.CounterVec

	identifyRemaining   prometheus.Gauge
	identifyOutstanding prometheus.Gauge

	restRequests  *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	rateLimitWait prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is convenient in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		shardStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "shard", Name: "status",
			Help: "Current lifecycle status of the shard (see shard.Status).",
		}, []string{"shard"}),
		shardLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "shard", Name: "heartbeat_latency_seconds",
			Help: "Round trip of the last acknowledged heartbeat.",
		}, []string{"shard"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "shard", Name: "heartbeats_total",
			Help: "Heartbeats sent.",
		}, []string{"shard"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "shard", Name: "reconnects_total",
			Help: "Connections dropped and retried, by cause.",
		}, []string{"shard", "reason"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "shard", Name: "events_total",
			Help: "Dispatch events delivered to the consumer.",
		}, []string{"shard"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "supervisor", Name: "restarts_total",
			Help: "Shards restarted by the supervisor after a crash.",
		}, []string{"shard"}),
		identifyRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "identify", Name: "remaining",
			Help: "Session starts remaining in the current window.",
		}),
		identifyOutstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "identify", Name: "outstanding",
			Help: "Identify permits currently held.",
		}),
		restRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rest", Name: "requests_total",
			Help: "REST requests sent, by HTTP method and status code.",
		}, []string{"method", "code"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rest", Name: "rate_limited_total",
			Help: "429 responses received, by scope.",
		}, []string{"scope"}),
		rateLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "rest", Name: "rate_limit_wait_seconds",
			Help:    "Time requests spent waiting for a bucket or the global limit.",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.shardStatus, m.shardLatency, m.heartbeats, m.reconnects, m.events, m.restarts,
			m.identifyRemaining, m.identifyOutstanding,
			m.restRequests, m.rateLimited, m.rateLimitWait,
		)
	}
	return m
}

func shardLabel(id int) string {
	return strconv.Itoa(id)
}

// ShardStatus records the numeric lifecycle status of a shard.
func (m *Metrics) ShardStatus(shardID, status int) {
	if m == nil {
		return
	}
	m.shardStatus.WithLabelValues(shardLabel(shardID)).Set(float64(status))
}

// HeartbeatSent counts a heartbeat.
func (m *Metrics) HeartbeatSent(shardID int) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(shardLabel(shardID)).Inc()
}

// HeartbeatAcked records the round trip of an acknowledged heartbeat.
func (m *Metrics) HeartbeatAcked(shardID int, latency time.Duration) {
	if m == nil {
		return
	}
	m.shardLatency.WithLabelValues(shardLabel(shardID)).Set(latency.Seconds())
}

// Reconnect counts a dropped connection.
func (m *Metrics) Reconnect(shardID int, reason string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(shardLabel(shardID), reason).Inc()
}

// EventDelivered counts a dispatch handed to the consumer.
func (m *Metrics) EventDelivered(shardID int) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(shardLabel(shardID)).Inc()
}

// ShardRestarted counts a supervisor restart.
func (m *Metrics) ShardRestarted(shardID int) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(shardLabel(shardID)).Inc()
}

// IdentifyState records the session start window.
func (m *Metrics) IdentifyState(remaining, outstanding int) {
	if m == nil {
		return
	}
	m.identifyRemaining.Set(float64(remaining))
	m.identifyOutstanding.Set(float64(outstanding))
}

// RESTRequest counts a REST response.
func (m *Metrics) RESTRequest(method string, code int) {
	if m == nil {
		return
	}
	m.restRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// RateLimited counts a 429, scope is "bucket" or "global".
func (m *Metrics) RateLimited(scope string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(scope).Inc()
}

// RateLimitWait records time spent blocked before sending.
func (m *Metrics) RateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.rateLimitWait.Observe(d.Seconds())
}
