// Package metrics holds the Prometheus instruments for the streaming core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the stream gateway.
type Metrics struct {
	ConnectionsActive  *prometheus.GaugeVec     // labels: endpoint (sse|ws)
	ConnectionsTotal   *prometheus.CounterVec   // labels: endpoint
	ConnectionDuration *prometheus.HistogramVec // labels: endpoint

	EnvelopesPublished prometheus.Counter
	EnvelopesDropped   *prometheus.CounterVec // labels: topic
	EnvelopesReplayed  prometheus.Counter
	HeartbeatsSent     prometheus.Counter
	PublishLatency     prometheus.Histogram

	RateLimitViolations *prometheus.CounterVec // labels: kind (connection|qps), endpoint
	AuthRejections      *prometheus.CounterVec // labels: code
	AuthValidated       prometheus.Counter

	SequencerFallbacks prometheus.Counter
	ResumeStoreErrors  prometheus.Counter
	JTIFallbacks       prometheus.Counter

	SubscribersActive *prometheus.GaugeVec // labels: topic
	WSCommands        *prometheus.CounterVec
}

// New registers and returns all metrics. A nil registerer uses the
// process-default registry; tests pass their own.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stream_connections_active",
			Help: "Currently open delivery connections",
		}, []string{"endpoint"}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_connections_total",
			Help: "Total accepted delivery connections",
		}, []string{"endpoint"}),
		ConnectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stream_connection_duration_seconds",
			Help:    "Lifetime of closed delivery connections",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400},
		}, []string{"endpoint"}),

		EnvelopesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_envelopes_published_total",
			Help: "Envelopes published across all topics",
		}),
		EnvelopesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_envelopes_dropped_total",
			Help: "Envelopes dropped by slow-subscriber backpressure",
		}, []string{"topic"}),
		EnvelopesReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_envelopes_replayed_total",
			Help: "Envelopes served from the resume window",
		}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_heartbeats_sent_total",
			Help: "Idle heartbeat frames sent to clients",
		}),
		PublishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stream_publish_duration_seconds",
			Help:    "Publish latency including sequencing, store append and fan-out",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),

		RateLimitViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_rate_limit_violations_total",
			Help: "Admission refusals by kind and endpoint",
		}, []string{"kind", "endpoint"}),
		AuthRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_auth_rejections_total",
			Help: "Token rejections by code",
		}, []string{"code"}),
		AuthValidated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_auth_validated_total",
			Help: "Tokens successfully validated",
		}),

		SequencerFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_sequencer_fallbacks_total",
			Help: "Sequence assignments served by the local counter with Redis down",
		}),
		ResumeStoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_resume_store_errors_total",
			Help: "Resume store operations that fell back to the in-memory ring",
		}),
		JTIFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_jti_fallbacks_total",
			Help: "Single-use checks served by the local set with Redis down",
		}),

		SubscribersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stream_subscribers_active",
			Help: "Live subscriptions per topic",
		}, []string{"topic"}),
		WSCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_ws_commands_total",
			Help: "WebSocket commands processed by action",
		}, []string{"action"}),
	}

	reg.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.ConnectionDuration,
		m.EnvelopesPublished,
		m.EnvelopesDropped,
		m.EnvelopesReplayed,
		m.HeartbeatsSent,
		m.PublishLatency,
		m.RateLimitViolations,
		m.AuthRejections,
		m.AuthValidated,
		m.SequencerFallbacks,
		m.ResumeStoreErrors,
		m.JTIFallbacks,
		m.SubscribersActive,
		m.WSCommands,
	)
	return m
}
