package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tracking
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engagement_events_dropped_total",
			Help: "Events rejected during validation",
		},
		[]string{"kind"}, // "tap", "screen", "tap_batch"
	)

	VisitsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engagement_visits_resolved_total",
			Help: "Visit windows resolved by a track call",
		},
		[]string{"outcome"}, // "created", "extended", "cached"
	)

	TrackDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engagement_track_duration_seconds",
			Help:    "Duration of a track call including its transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Labels
	LabelChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engagement_label_changes_total",
			Help: "Label additions and removals written",
		},
		[]string{"kind"}, // "added", "removed"
	)

	// Decay
	DecayEntriesApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engagement_decay_entries_applied_total",
			Help: "Decay log entries applied to users",
		},
	)

	DecayFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engagement_decay_failures_total",
			Help: "Users whose decay failed and whose entries were rescheduled",
		},
	)

	CorrectionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engagement_correction_failures_total",
			Help: "Users whose activity window correction failed",
		},
	)

	// Dirty queue
	DirtyMarked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engagement_dirty_marked_total",
			Help: "Users marked for relabeling",
		},
	)

	DirtyPopped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engagement_dirty_popped_total",
			Help: "Users popped from the dirty queue",
		},
	)

	DirtyWatchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engagement_dirty_watch_retries_total",
			Help: "Dirty queue pops retried after a WATCH conflict",
		},
	)

	DirtyRelabelFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engagement_dirty_relabel_failures_total",
			Help: "Users whose relabel failed and were re-queued",
		},
	)

	DirtyQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engagement_dirty_queue_depth",
			Help: "Users currently in the dirty queue",
		},
	)

	// Jobs
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engagement_job_duration_seconds",
			Help:    "Duration of one periodic job tick",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	JobErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engagement_job_errors_total",
			Help: "Periodic job ticks that returned an error",
		},
		[]string{"job"},
	)

	JobItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engagement_job_items_processed_total",
			Help: "Rows or users handled by periodic jobs",
		},
		[]string{"job"},
	)
)

func RecordJob(job string, duration time.Duration, processed int, err error) {
	JobDuration.WithLabelValues(job).Observe(duration.Seconds())
	if processed > 0 {
		JobItemsProcessed.WithLabelValues(job).Add(float64(processed))
	}
	if err != nil {
		JobErrors.WithLabelValues(job).Inc()
	}
}

func RecordLabelChanges(added, removed int) {
	if added > 0 {
		LabelChanges.WithLabelValues("added").Add(float64(added))
	}
	if removed > 0 {
		LabelChanges.WithLabelValues("removed").Add(float64(removed))
	}
}
