package cachectl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lifesync",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Intercepted GET lookups by result (hit, miss, offline).",
		},
		[]string{"result"},
	)

	revalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lifesync",
			Subsystem: "cache",
			Name:      "revalidations_total",
			Help:      "Background refreshes of cached responses by outcome.",
		},
		[]string{"outcome"},
	)

	evictedBucketsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lifesync",
			Subsystem: "cache",
			Name:      "evicted_buckets_total",
			Help:      "Buckets deleted on activation because their version is stale.",
		},
	)
)
