package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreTransactions counts session transactions by outcome (committed|unchanged|rejected|exhausted|error).
	StoreTransactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticktalk_store_transactions_total",
			Help: "Total number of session document transactions",
		},
		[]string{"outcome"},
	)

	// StoreTransactionAttempts observes how many attempts a transaction needed before it settled.
	StoreTransactionAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ticktalk_store_transaction_attempts",
			Help:    "Attempts per session document transaction",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)

	// SpeakerSelections counts selectNextSpeaker outcomes (success|already_spoken|not_participant|rejected).
	SpeakerSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticktalk_speaker_selections_total",
			Help: "Total number of speaker selection attempts",
		},
		[]string{"result"},
	)

	// RoundsCompleted counts rotation rounds that reset the spoken set.
	RoundsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticktalk_rounds_completed_total",
			Help: "Total number of completed speaking rounds",
		},
	)

	// HostPromotions counts host changes by reason (failover|handover|leave).
	HostPromotions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticktalk_host_promotions_total",
			Help: "Total number of host promotions",
		},
		[]string{"reason"},
	)

	// PresenceTransitions counts presence status changes (online|offline).
	PresenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticktalk_presence_transitions_total",
			Help: "Total number of participant presence transitions",
		},
		[]string{"status"},
	)

	// ActiveSubscriptions tracks open session document subscriptions.
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ticktalk_active_subscriptions",
			Help: "Number of open session subscriptions",
		},
	)

	// RealtimeConnections tracks open websocket connections.
	RealtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ticktalk_realtime_connections",
			Help: "Number of open realtime websocket connections",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ticktalk_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
