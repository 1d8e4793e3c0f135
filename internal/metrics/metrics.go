package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "orderpipe"

var (
	// CheckoutOutcomes counts intake results: accepted, invalid, out_of_stock,
	// inventory_error, failed, timeout, error.
	CheckoutOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "checkout",
		Name:      "outcomes_total",
		Help:      "Checkout submissions by outcome.",
	}, []string{"outcome"})

	CheckoutWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "checkout",
		Name:      "wait_seconds",
		Help:      "Time spent waiting for a fulfillment result.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 12},
	})

	CacheCompensations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "compensations_total",
		Help:      "Reservation cache decrements rolled back by intake.",
	})

	FulfillmentResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fulfillment",
		Name:      "results_total",
		Help:      "Fulfillment handler results.",
	}, []string{"result"})

	JobRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "retries_total",
		Help:      "Job attempts scheduled after a failure.",
	}, []string{"type"})

	JobsDead = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "dead_total",
		Help:      "Jobs moved to the dead-letter topic.",
	}, []string{"type"})

	ReaperCanceled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reaper",
		Name:      "canceled_total",
		Help:      "Expired orders canceled by the reaper.",
	})

	ReaperErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reaper",
		Name:      "errors_total",
		Help:      "Reaper sweep failures.",
	})
)
