package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Poll cycle metrics
var (
	// PollCyclesTotal counts finished poll cycles by platform and outcome
	// (ok, partial, skipped).
	PollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_cycles_total",
			Help: "Total poll cycles by platform and outcome",
		},
		[]string{"platform", "outcome"},
	)

	PollCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poll_cycle_duration_seconds",
			Help:    "Poll cycle duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"platform"},
	)

	// ChannelErrorsTotal counts per-channel failures by platform and error class.
	ChannelErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_channel_errors_total",
			Help: "Per-channel poll failures by platform and class",
		},
		[]string{"platform", "class"},
	)

	SubscribedChannels = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "subscribed_channels",
			Help: "Number of subscribed channels by platform",
		},
		[]string{"platform"},
	)
)

// Event and persistence metrics
var (
	EventsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_emitted_total",
			Help: "Total emitted events by platform and kind",
		},
		[]string{"platform", "kind"},
	)

	// LeaseIssuedTotal counts new tokens requested from a credential endpoint.
	LeaseIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_lease_issued_total",
			Help: "Total credential leases issued by platform",
		},
		[]string{"platform"},
	)

	PersistenceWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persistence_writes_total",
			Help: "Snapshot writes by status (ok, error)",
		},
		[]string{"status"},
	)

	RelayPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "event_relay_publish_errors_total",
			Help: "Events that could not be published to the relay channel",
		},
	)
)
