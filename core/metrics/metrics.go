// Package metrics bundles the counters and histograms incremented by the
// relayer pool, relayer accounts, queue processor and fulfillment observer,
// scraped externally over
// Prometheus' text exposition format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vrf_fulfiller"

// Sink bundles every series the fulfillment engine emits. A single Sink is
// constructed at process startup and threaded into the components that
// need it; there is no global registration outside of this package.
type Sink struct {
	PendingRequests       prometheus.Gauge
	FulfilledTotal        prometheus.Counter
	FailedTotal           prometheus.Counter
	BatchFulfilledTotal   prometheus.Counter
	BatchUnfulfilledTotal prometheus.Counter
	BatchSize             prometheus.Histogram
	FulfillmentLatency    prometheus.Histogram

	RelayerSelectedTotal *prometheus.CounterVec
	RelayerSkippedTotal  *prometheus.CounterVec

	AccountTransactionsTotal *prometheus.CounterVec
	AccountFailuresTotal     *prometheus.CounterVec
}

// New registers and returns a Sink. Call once per process; registering a
// second Sink against the same prometheus.Registerer panics on duplicate
// series, matching promauto's documented behavior.
func New(reg prometheus.Registerer) *Sink {
	factory := promauto.With(reg)
	return &Sink{
		PendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Number of requests currently in the pending state.",
		}),
		FulfilledTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fulfilled_total",
			Help:      "Total number of requests marked fulfilled.",
		}),
		FailedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_total",
			Help:      "Total number of failed fulfillment attempts, counted per request, whether or not the request is retried.",
		}),
		BatchFulfilledTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_fulfilled_total",
			Help:      "Total number of batch fulfillment transactions that succeeded.",
		}),
		BatchUnfulfilledTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_unfulfilled_total",
			Help:      "Total number of requests in successful batches the on-chain cross-check found not actually fulfilled.",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Distribution of batch sizes submitted on-chain.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		FulfillmentLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fulfillment_latency_seconds",
			Help:      "Time from request creation to fulfillment.",
			Buckets:   prometheus.DefBuckets,
		}),
		RelayerSelectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayer_selected_total",
			Help:      "Total number of times a relayer account was selected.",
		}, []string{"address"}),
		RelayerSkippedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayer_skipped_total",
			Help:      "Total number of times a relayer account was skipped, by reason.",
		}, []string{"address", "reason"}),
		AccountTransactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_transactions_total",
			Help:      "Total number of transactions submitted per relayer account.",
		}, []string{"address"}),
		AccountFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_failures_total",
			Help:      "Total number of submission/receipt failures per relayer account.",
		}, []string{"address"}),
	}
}

// ObserveFulfillmentLatency records the time between a request's
// CreatedAt and the moment it was marked fulfilled.
func (s *Sink) ObserveFulfillmentLatency(since time.Time) {
	s.FulfillmentLatency.Observe(time.Since(since).Seconds())
}
