package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Reconciliations *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "market_reconciliations_total",
				Help: "Total reconciliation passes over settlement attempts.",
			},
			[]string{"outcome"},
		),
	}
	registry.MustRegister(m.Reconciliations)
	return m
}
