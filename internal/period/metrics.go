package period

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var lastResetGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "quota_engine",
	Subsystem: "period",
	Name:      "last_reset_timestamp_seconds",
	Help:      "Unix timestamp of the most recent committed period reset.",
})

func init() {
	prometheus.MustRegister(lastResetGauge)
}

func recordResetCompleted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	lastResetGauge.Set(float64(ts.Unix()))
}
