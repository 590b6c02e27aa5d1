package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	OfferCreations       *prometheus.CounterVec
	OfferCreationLatency *prometheus.HistogramVec
	OfferCancellations   *prometheus.CounterVec
	OfferFills           *prometheus.CounterVec
	FillLatency          *prometheus.HistogramVec
	TransferDuration     *prometheus.HistogramVec
	Negotiations         *prometheus.CounterVec
	UnresolvedAttempts   *prometheus.CounterVec
	CompensationFailures prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OfferCreations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "market_offer_creations_total",
				Help: "Total offer creations.",
			},
			[]string{"status"},
		),
		OfferCreationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "market_offer_creation_duration_seconds",
				Help:    "Offer creation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		OfferCancellations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "market_offer_cancellations_total",
				Help: "Total offer cancellations.",
			},
			[]string{"status"},
		),
		OfferFills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "market_offer_fills_total",
				Help: "Total fill attempts.",
			},
			[]string{"status"},
		),
		FillLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "market_fill_duration_seconds",
				Help:    "Fill attempt duration in seconds, external transfer included.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		TransferDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "market_transfer_duration_seconds",
				Help:    "External token transfer duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		Negotiations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "market_negotiations_total",
				Help: "Total negotiation transitions.",
			},
			[]string{"action"},
		),
		UnresolvedAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "market_unresolved_attempts_total",
				Help: "Total settlement attempts left for reconciliation.",
			},
			[]string{"status"},
		),
		CompensationFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "market_compensation_failures_total",
				Help: "Total failed claim compensations.",
			},
		),
	}

	registry.MustRegister(
		m.OfferCreations,
		m.OfferCreationLatency,
		m.OfferCancellations,
		m.OfferFills,
		m.FillLatency,
		m.TransferDuration,
		m.Negotiations,
		m.UnresolvedAttempts,
		m.CompensationFailures,
	)
	return m
}
