package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	SightingsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_sightings_processed_total",
			Help: "Detection events applied to a device profile",
		},
	)

	SightingsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_sightings_dropped_total",
			Help: "Detection events dropped before or during processing",
		},
		[]string{"reason"},
	)

	SerialLines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_serial_lines_total",
			Help: "Lines read from the sniffer, by event type",
		},
		[]string{"event"},
	)

	ProcessDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_batch_duration_seconds",
			Help:    "Time to process one batch of detection events",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Engine output
	IdentityMerges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_identity_merges_total",
			Help: "Rotated addresses linked to an existing identity",
		},
	)

	PatternsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_patterns_total",
			Help: "Pattern records appended, by type",
		},
		[]string{"type"},
	)

	AlertsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_alerts_total",
			Help: "Alerts handed to the notifier, by type",
		},
		[]string{"type"},
	)

	NotifyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_notify_failures_total",
			Help: "Alerts a notifier failed to deliver or dropped, by notifier",
		},
		[]string{"notifier"},
	)

	KnownIdentities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_identities",
			Help: "Identities currently known to the resolver",
		},
	)

	// Housekeeping
	RowsPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_purged_rows_total",
			Help: "Rows removed by retention housekeeping, by kind",
		},
		[]string{"kind"},
	)

	// Analytics
	SnapshotsTaken = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_analytics_snapshots_total",
			Help: "Aggregate snapshots written by the analytics collector",
		},
	)
)
