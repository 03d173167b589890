package wallet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	attempts *prometheus.CounterVec
	legs     *prometheus.CounterVec
	change   prometheus.Counter
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	factory := promauto.With(registerer)

	return &metrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multinuts",
			Subsystem: "melt",
			Name:      "attempts_total",
			Help:      "Melt attempts by the state they were left in after settlement or a check.",
		}, []string{"state"}),
		legs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multinuts",
			Subsystem: "melt",
			Name:      "legs_total",
			Help:      "Outcomes of melt legs.",
		}, []string{"outcome"}),
		change: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "multinuts",
			Subsystem: "melt",
			Name:      "change_sats_total",
			Help:      "Fee reserve returned as change.",
		}),
	}
}
