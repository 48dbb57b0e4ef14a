package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	membershipFetchGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quota_engine",
		Subsystem: "membership",
		Name:      "last_fetch_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful membership fetch.",
	})
	permCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quota_engine",
		Subsystem: "permissions",
		Name:      "cache_hits_total",
		Help:      "Permission lookups served from the in-memory cache.",
	})
	permCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quota_engine",
		Subsystem: "permissions",
		Name:      "cache_misses_total",
		Help:      "Permission lookups that fell through to Postgres.",
	})
)

func init() {
	prometheus.MustRegister(membershipFetchGauge, permCacheHits, permCacheMisses)
}

// RecordMembershipFetched updates the membership fetch watermark gauge.
func RecordMembershipFetched(ts time.Time) {
	if ts.IsZero() {
		return
	}
	membershipFetchGauge.Set(float64(ts.Unix()))
}

// RecordPermCacheHit counts a cache-served permission lookup.
func RecordPermCacheHit() {
	permCacheHits.Inc()
}

// RecordPermCacheMiss counts a permission lookup that hit the database.
func RecordPermCacheMiss() {
	permCacheMisses.Inc()
}
