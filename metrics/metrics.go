// Package metrics holds the prometheus collectors shared across the service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reply outcomes recorded by the pipeline.
const (
	ReplySent        = "sent"
	ReplyFallback    = "fallback"
	ReplyOmitted     = "omitted"
	ReplyRateLimited = "rate_limited"
	ReplySendFailed  = "send_failed"
)

var (
	sessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_session_transitions_total",
		Help: "Session state transitions by target state",
	}, []string{"state"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whatsapp_active_sessions",
		Help: "Sessions currently held by the registry",
	})

	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whatsapp_reconnects_scheduled_total",
		Help: "Reconnect attempts scheduled after transient closes",
	})

	reconnectsExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whatsapp_reconnects_exhausted_total",
		Help: "Sessions that gave up reconnecting",
	})

	authWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whatsapp_auth_writes_total",
		Help: "Debounced credential writes",
	})

	inboundMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whatsapp_inbound_messages_total",
		Help: "Inbound direct messages with text",
	})

	replies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_replies_total",
		Help: "Auto-reply outcomes",
	}, []string{"outcome"})

	aiLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "whatsapp_ai_latency_seconds",
		Help:    "Latency of AI completion calls",
		Buckets: prometheus.DefBuckets,
	})

	siteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_site_failures_total",
		Help: "Failed calls to tenant sites",
	}, []string{"call"})
)

// RecordTransition counts a session entering state.
func RecordTransition(state string) {
	sessionTransitions.WithLabelValues(state).Inc()
}

// SetActiveSessions reports the registry size.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// IncrementReconnects counts a scheduled reconnect.
func IncrementReconnects() {
	reconnects.Inc()
}

// IncrementReconnectsExhausted counts a session that stopped retrying.
func IncrementReconnectsExhausted() {
	reconnectsExhausted.Inc()
}

// IncrementAuthWrites counts a persisted credential write.
func IncrementAuthWrites() {
	authWrites.Inc()
}

// IncrementInbound counts an accepted inbound message.
func IncrementInbound() {
	inboundMessages.Inc()
}

// RecordReply counts a pipeline outcome.
func RecordReply(outcome string) {
	replies.WithLabelValues(outcome).Inc()
}

// RecordAILatency observes one AI call.
func RecordAILatency(d time.Duration) {
	aiLatency.Observe(d.Seconds())
}

// IncrementSiteFailure counts a failed context fetch or webhook.
func IncrementSiteFailure(call string) {
	siteFailures.WithLabelValues(call).Inc()
}
