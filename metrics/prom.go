package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromSink exposes dbkit metrics as Prometheus collectors. Metric names
// are translated from the dotted sink vocabulary to the usual
// namespace_subsystem_name form; tags become labels. Emissions for
// unknown names are dropped silently.
type PromSink struct {
	queryDuration       *prometheus.HistogramVec
	queryCount          *prometheus.CounterVec
	queryErrors         *prometheus.CounterVec
	queryBatchSize      *prometheus.HistogramVec
	transactionDuration *prometheus.HistogramVec
	transactionCount    *prometheus.CounterVec
	transactionErrors   *prometheus.CounterVec
	transactionRollback *prometheus.CounterVec
	retryAttempts       *prometheus.CounterVec
	retryExhausted      *prometheus.CounterVec
	poolGauges          map[string]*prometheus.GaugeVec
	healthStatus        *prometheus.GaugeVec
	healthResponseTime  *prometheus.HistogramVec
}

// base labels stamped by the Recorder on every emission.
var baseLabels = []string{"service", "environment"}

// NewPromSink registers dbkit's collectors with reg and returns the
// sink. Use prometheus.DefaultRegisterer for the usual process-wide
// registry; tests pass their own.
func NewPromSink(reg prometheus.Registerer) *PromSink {
	factory := promauto.With(reg)

	queryLabels := append([]string{"table", "operation", "status"}, baseLabels...)
	txLabels := append([]string{"table", "status"}, baseLabels...)

	s := &PromSink{
		queryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dbkit_query_duration_seconds",
			Help:    "Database query duration per physical attempt",
			Buckets: prometheus.DefBuckets,
		}, queryLabels),
		queryCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dbkit_queries_total",
			Help: "Total database queries per physical attempt",
		}, queryLabels),
		queryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dbkit_query_errors_total",
			Help: "Total failed database queries",
		}, append([]string{"table", "operation", "error_type"}, baseLabels...)),
		queryBatchSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dbkit_query_batch_size",
			Help:    "Row count carried by bulk operations",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
		}, append([]string{"table", "operation"}, baseLabels...)),
		transactionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dbkit_transaction_duration_seconds",
			Help:    "Owning transaction scope duration",
			Buckets: prometheus.DefBuckets,
		}, txLabels),
		transactionCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dbkit_transactions_total",
			Help: "Total owning transaction scopes",
		}, txLabels),
		transactionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dbkit_transaction_errors_total",
			Help: "Total transactions that rolled back with an error",
		}, append([]string{"table", "status", "error_type"}, baseLabels...)),
		transactionRollback: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dbkit_transaction_rollbacks_total",
			Help: "Total transaction rollbacks",
		}, append([]string{"table", "status", "error_type"}, baseLabels...)),
		retryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dbkit_retry_attempts_total",
			Help: "Failed attempts of retried operations",
		}, append([]string{"attempt", "error_type"}, baseLabels...)),
		retryExhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dbkit_retry_exhausted_total",
			Help: "Retried operations that failed every attempt",
		}, append([]string{"error_type"}, baseLabels...)),
		poolGauges: map[string]*prometheus.GaugeVec{
			MetricPoolOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
				Name: "dbkit_pool_connections_open",
				Help: "Open connections in the pool",
			}, baseLabels),
			MetricPoolIdle: factory.NewGaugeVec(prometheus.GaugeOpts{
				Name: "dbkit_pool_connections_idle",
				Help: "Idle connections in the pool",
			}, baseLabels),
			MetricPoolInUse: factory.NewGaugeVec(prometheus.GaugeOpts{
				Name: "dbkit_pool_connections_in_use",
				Help: "Connections currently in use",
			}, baseLabels),
			MetricPoolWaitCount: factory.NewGaugeVec(prometheus.GaugeOpts{
				Name: "dbkit_pool_wait_count",
				Help: "Cumulative connection waits",
			}, baseLabels),
			MetricPoolUsage: factory.NewGaugeVec(prometheus.GaugeOpts{
				Name: "dbkit_pool_usage_percent",
				Help: "Open connections as a percentage of the pool cap",
			}, baseLabels),
		},
		healthStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbkit_health_status",
			Help: "1 when the last probe was healthy, 0 otherwise",
		}, baseLabels),
		healthResponseTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dbkit_health_response_time_seconds",
			Help:    "Health probe duration",
			Buckets: prometheus.DefBuckets,
		}, baseLabels),
	}
	return s
}

func labelValues(tags Tags, names []string) []string {
	values := make([]string, len(names))
	for i, name := range names {
		values[i] = tags[name]
	}
	return values
}

func (s *PromSink) Increment(name string, tags Tags) {
	switch name {
	case MetricQueryCount:
		s.queryCount.WithLabelValues(labelValues(tags, append([]string{"table", "operation", "status"}, baseLabels...))...).Inc()
	case MetricQueryError:
		s.queryErrors.WithLabelValues(labelValues(tags, append([]string{"table", "operation", "error_type"}, baseLabels...))...).Inc()
	case MetricTransactionCount:
		s.transactionCount.WithLabelValues(labelValues(tags, append([]string{"table", "status"}, baseLabels...))...).Inc()
	case MetricTransactionError:
		s.transactionErrors.WithLabelValues(labelValues(tags, append([]string{"table", "status", "error_type"}, baseLabels...))...).Inc()
	case MetricTransactionRollback:
		s.transactionRollback.WithLabelValues(labelValues(tags, append([]string{"table", "status", "error_type"}, baseLabels...))...).Inc()
	case MetricRetryAttempt:
		s.retryAttempts.WithLabelValues(labelValues(tags, append([]string{"attempt", "error_type"}, baseLabels...))...).Inc()
	case MetricRetryExhausted:
		s.retryExhausted.WithLabelValues(labelValues(tags, append([]string{"error_type"}, baseLabels...))...).Inc()
	}
}

func (s *PromSink) Histogram(name string, value float64, tags Tags) {
	switch name {
	case MetricQueryDuration:
		s.queryDuration.WithLabelValues(labelValues(tags, append([]string{"table", "operation", "status"}, baseLabels...))...).Observe(value)
	case MetricQueryBatchSize:
		s.queryBatchSize.WithLabelValues(labelValues(tags, append([]string{"table", "operation"}, baseLabels...))...).Observe(value)
	case MetricTransactionDuration:
		s.transactionDuration.WithLabelValues(labelValues(tags, append([]string{"table", "status"}, baseLabels...))...).Observe(value)
	case MetricHealthResponseTime:
		s.healthResponseTime.WithLabelValues(labelValues(tags, baseLabels)...).Observe(value)
	}
}

func (s *PromSink) Gauge(name string, value float64, tags Tags) {
	if vec, ok := s.poolGauges[name]; ok {
		vec.WithLabelValues(labelValues(tags, baseLabels)...).Set(value)
		return
	}
	if name == MetricHealthStatus {
		s.healthStatus.WithLabelValues(labelValues(tags, baseLabels)...).Set(value)
	}
}
