package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quota_engine",
		Subsystem: "outbox",
		Name:      "events_delivered_total",
		Help:      "Number of notification events successfully published to Kafka.",
	})

	droppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quota_engine",
		Subsystem: "outbox",
		Name:      "events_dropped_total",
		Help:      "Number of notification events dropped after a delivery failure.",
	})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quota_engine",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent fetching, delivering, and marking outbox batches.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(deliveredCounter, droppedCounter, batchDuration)
}
