// Package metrics defines the coordinator's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "c3po_messages_sent_total",
		Help: "Messages queued, by type.",
	}, []string{"type"})

	MessagesAcked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "c3po_messages_acked_total",
		Help: "Messages removed from inboxes by ack.",
	})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "c3po_rate_limited_total",
		Help: "Requests rejected by the rate limiter, by operation.",
	}, []string{"op"})

	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "c3po_auth_failures_total",
		Help: "Failed authentications, by trust domain.",
	}, []string{"domain"})

	AgentsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "c3po_agents_online",
		Help: "Agents seen within the heartbeat TTL.",
	})

	WaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "c3po_wait_duration_seconds",
		Help:    "How long long-poll waits block before returning.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	BlobBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "c3po_blob_bytes_total",
		Help: "Bytes accepted by blob uploads.",
	})
)
