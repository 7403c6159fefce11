package recorder

import "github.com/zeromicro/go-zero/core/metric"

const metricNamespace = "quotesync"

var (
	metricEntityOutcomes = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: metricNamespace,
		Subsystem: "recorder",
		Name:      "entity_outcomes_total",
		Help:      "entities processed per provider and terminal state",
		Labels:    []string{"provider", "state"},
	})
	metricRecords = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: metricNamespace,
		Subsystem: "recorder",
		Name:      "records_total",
		Help:      "records written, skipped as duplicates or dropped by validation",
		Labels:    []string{"provider", "schema", "result"},
	})
	metricFetchDuration = metric.NewHistogramVec(&metric.HistogramVecOpts{
		Namespace: metricNamespace,
		Subsystem: "recorder",
		Name:      "fetch_duration_ms",
		Help:      "provider fetch latency in milliseconds",
		Labels:    []string{"provider"},
		Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	})
)

func observeOutcome(provider, schema string, o EntityOutcome) {
	metricEntityOutcomes.Inc(provider, string(o.State))
	if o.Written > 0 {
		metricRecords.Add(float64(o.Written), provider, schema, "written")
	}
	if o.Skipped > 0 {
		metricRecords.Add(float64(o.Skipped), provider, schema, "duplicate")
	}
	if o.Dropped > 0 {
		metricRecords.Add(float64(o.Dropped), provider, schema, "dropped")
	}
}
