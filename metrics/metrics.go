// Package metrics instruments dbkit operations. A Sink receives raw
// counters, histograms, and gauges; the Recorder layers the database
// vocabulary (query timers, transaction timers, retry counters, pool
// stats, health status) on top of whichever sink is plugged in.
//
// Emission is fire-and-forget: a panicking or failing sink must never
// abort the caller's database operation.
package metrics

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/vietddude/dbkit/dberr"
)

// Metric names shared by every sink implementation.
const (
	MetricQueryDuration       = "db.query.duration"
	MetricQueryCount          = "db.query.count"
	MetricQueryError          = "db.query.error"
	MetricQueryBatchSize      = "db.query.batch_size"
	MetricTransactionDuration = "db.transaction.duration"
	MetricTransactionCount    = "db.transaction.count"
	MetricTransactionError    = "db.transaction.error"
	MetricTransactionRollback = "db.transaction.rollback"
	MetricRetryAttempt        = "db.retry.attempt"
	MetricRetryExhausted      = "db.retry.exhausted"
	MetricPoolOpen            = "db.pool.connections.open"
	MetricPoolIdle            = "db.pool.connections.idle"
	MetricPoolInUse           = "db.pool.connections.in_use"
	MetricPoolWaitCount       = "db.pool.wait_count"
	MetricPoolUsage           = "db.pool.usage_percent"
	MetricHealthStatus        = "db.health.status"
	MetricHealthResponseTime  = "db.health.response_time"
)

// Tags labels a single metric emission.
type Tags map[string]string

// Sink accepts metric emissions. Implementations must be safe for
// concurrent use and should never block the caller.
type Sink interface {
	Increment(name string, tags Tags)
	Histogram(name string, value float64, tags Tags)
	Gauge(name string, value float64, tags Tags)
}

// Recorder emits dbkit's database metrics through a Sink, stamping every
// emission with constant service/environment tags. All methods are
// nil-receiver safe so instrumentation can be optional.
type Recorder struct {
	sink Sink
	base Tags
}

// NewRecorder builds a Recorder over sink.
func NewRecorder(sink Sink, service, environment string) *Recorder {
	return &Recorder{
		sink: sink,
		base: Tags{"service": service, "environment": environment},
	}
}

func (r *Recorder) tags(extra Tags) Tags {
	merged := make(Tags, len(r.base)+len(extra))
	for k, v := range r.base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func (r *Recorder) increment(name string, tags Tags) {
	defer swallow()
	r.sink.Increment(name, r.tags(tags))
}

func (r *Recorder) histogram(name string, value float64, tags Tags) {
	defer swallow()
	r.sink.Histogram(name, value, r.tags(tags))
}

func (r *Recorder) gauge(name string, value float64, tags Tags) {
	defer swallow()
	r.sink.Gauge(name, value, r.tags(tags))
}

// swallow keeps sink panics away from the database call path.
func swallow() {
	_ = recover()
}

// QueryTimer starts timing one physical operation attempt. The returned
// finish func records duration, count, and, on failure, the error
// counter. Call it exactly once.
func (r *Recorder) QueryTimer(table, operation string) func(error) {
	if r == nil || r.sink == nil {
		return func(error) {}
	}
	start := time.Now()
	return func(err error) {
		status := "success"
		if err != nil {
			status = "error"
			r.increment(MetricQueryError, Tags{
				"table":      table,
				"operation":  operation,
				"error_type": dberr.Kind(err),
			})
		}
		tags := Tags{"table": table, "operation": operation, "status": status}
		r.histogram(MetricQueryDuration, time.Since(start).Seconds(), tags)
		r.increment(MetricQueryCount, tags)
	}
}

// BatchSize records how many rows a bulk operation carried.
func (r *Recorder) BatchSize(table, operation string, n int) {
	if r == nil || r.sink == nil {
		return
	}
	r.histogram(MetricQueryBatchSize, float64(n), Tags{"table": table, "operation": operation})
}

// TransactionTimer starts timing an owning transaction scope. Nested
// scopes must not call this; only the scope that commits or rolls back
// contributes a transaction metric.
func (r *Recorder) TransactionTimer(table string) func(error) {
	if r == nil || r.sink == nil {
		return func(error) {}
	}
	start := time.Now()
	return func(err error) {
		status := "success"
		if err != nil {
			status = "error"
			tags := Tags{"table": table, "status": status, "error_type": dberr.Kind(err)}
			r.increment(MetricTransactionError, tags)
			r.increment(MetricTransactionRollback, tags)
		}
		tags := Tags{"table": table, "status": status}
		r.histogram(MetricTransactionDuration, time.Since(start).Seconds(), tags)
		r.increment(MetricTransactionCount, tags)
	}
}

// RetryAttempt counts one failed attempt of a retried operation.
func (r *Recorder) RetryAttempt(attempt int, err error) {
	if r == nil || r.sink == nil {
		return
	}
	r.increment(MetricRetryAttempt, Tags{
		"attempt":    strconv.Itoa(attempt),
		"error_type": dberr.Kind(err),
	})
}

// RetryExhausted counts a retried operation that failed every attempt.
func (r *Recorder) RetryExhausted(err error) {
	if r == nil || r.sink == nil {
		return
	}
	r.increment(MetricRetryExhausted, Tags{"error_type": dberr.Kind(err)})
}

// PoolStats publishes connection pool gauges from database/sql stats.
func (r *Recorder) PoolStats(stats sql.DBStats) {
	if r == nil || r.sink == nil {
		return
	}
	r.gauge(MetricPoolOpen, float64(stats.OpenConnections), nil)
	r.gauge(MetricPoolIdle, float64(stats.Idle), nil)
	r.gauge(MetricPoolInUse, float64(stats.InUse), nil)
	r.gauge(MetricPoolWaitCount, float64(stats.WaitCount), nil)
	if stats.MaxOpenConnections > 0 {
		usage := float64(stats.OpenConnections) / float64(stats.MaxOpenConnections) * 100
		r.gauge(MetricPoolUsage, usage, nil)
	}
}

// HealthCheck records the outcome of one health probe.
func (r *Recorder) HealthCheck(healthy bool, elapsed time.Duration, errKind string) {
	if r == nil || r.sink == nil {
		return
	}
	tags := Tags{"healthy": strconv.FormatBool(healthy)}
	if errKind != "" {
		tags["error_type"] = errKind
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	r.gauge(MetricHealthStatus, value, tags)
	r.histogram(MetricHealthResponseTime, elapsed.Seconds(), tags)
}
