package syncengine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pullsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lifesync",
			Subsystem: "sync",
			Name:      "pulls_total",
			Help:      "PullAll runs by result.",
		},
		[]string{"result"},
	)

	pushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lifesync",
			Subsystem: "sync",
			Name:      "pushes_total",
			Help:      "PushAll runs by trigger (manual, debounced) and result.",
		},
		[]string{"trigger", "result"},
	)

	recordsPushedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lifesync",
			Subsystem: "sync",
			Name:      "records_pushed_total",
			Help:      "Namespace rows upserted to the remote.",
		},
	)
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
