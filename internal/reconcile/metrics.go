package reconcile

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	passDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quota_engine",
		Subsystem: "reconcile",
		Name:      "pass_duration_seconds",
		Help:      "Time spent on one workspace reconciliation pass.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	lastPassGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quota_engine",
		Subsystem: "reconcile",
		Name:      "last_pass_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful reconciliation pass.",
	})

	assignmentsAdded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quota_engine",
		Subsystem: "reconcile",
		Name:      "assignments_added_total",
		Help:      "Role assignments created by reconciliation passes.",
	})

	assignmentsRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quota_engine",
		Subsystem: "reconcile",
		Name:      "assignments_removed_total",
		Help:      "Role assignments removed or switched by reconciliation passes.",
	})
)

func init() {
	prometheus.MustRegister(passDuration, lastPassGauge, assignmentsAdded, assignmentsRemoved)
}

func recordPassCompleted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	lastPassGauge.Set(float64(ts.Unix()))
}
