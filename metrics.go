package portalchat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reconciliation metrics
	ReconciledEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portalchat_reconciled_events_total",
			Help: "Message sets merged into a room timeline",
		},
		[]string{"source"}, // "history", "realtime", "send", "poll"
	)

	OptimisticEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portalchat_optimistic_evictions_total",
			Help: "Optimistic messages replaced by their confirmed copy",
		},
	)

	// Send pipeline metrics
	SendOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portalchat_send_outcomes_total",
			Help: "Optimistic send results",
		},
		[]string{"outcome"},
	)

	// Realtime metrics
	ChannelStates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portalchat_channel_state_transitions_total",
			Help: "Realtime channel state transitions",
		},
		[]string{"state"},
	)

	MalformedPayloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portalchat_malformed_payloads_total",
			Help: "Realtime payloads dropped during normalization",
		},
	)

	FallbackPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portalchat_fallback_polls_total",
			Help: "Fallback history polls fired",
		},
		[]string{"reason"},
	)

	// Storage metrics
	CacheWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portalchat_cache_write_failures_total",
			Help: "Cache writes dropped after a backend error",
		},
	)

	HistoryLoadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portalchat_history_load_duration_seconds",
			Help:    "History page fetch latency",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)
)
