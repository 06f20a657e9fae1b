package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds all Prometheus metrics of one sync run
type Metrics struct {
	registry *prometheus.Registry

	MessagesListed    prometheus.Counter
	RowsAppended      prometheus.Counter
	DuplicatesSkipped prometheus.Counter
	Failures          *prometheus.CounterVec
	ExistingRows      prometheus.Gauge
	RunDuration       prometheus.Histogram
}

// NewMetrics creates the metrics on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		MessagesListed: factory.NewCounter(prometheus.CounterOpts{
			Name: "payout_sync_messages_listed_total",
			Help: "Total number of payout emails matched by the mailbox query",
		}),
		RowsAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "payout_sync_rows_appended_total",
			Help: "Total number of sale rows appended to the sheet",
		}),
		DuplicatesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "payout_sync_duplicates_skipped_total",
			Help: "Total number of sales skipped because they were already recorded",
		}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_sync_message_failures_total",
			Help: "Total number of emails that could not be processed, by stage",
		}, []string{"stage"}),
		ExistingRows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "payout_sync_existing_rows",
			Help: "Number of rows read from the sheet at the start of the run",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "payout_sync_run_duration_seconds",
			Help:    "Time spent on one sync run",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Push sends all metrics to a Prometheus push gateway
func (m *Metrics) Push(url, job string) error {
	return push.New(url, job).Gatherer(m.registry).Push()
}
