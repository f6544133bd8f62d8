package metrics

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilRecorderIsInert(t *testing.T) {
	var rec *Recorder

	// None of these may panic or allocate a sink.
	rec.QueryTimer("users", "select")(errors.New("boom"))
	rec.BatchSize("users", "bulk_insert", 10)
	rec.TransactionTimer("users")(nil)
	rec.RetryAttempt(1, errors.New("boom"))
	rec.RetryExhausted(errors.New("boom"))
	rec.PoolStats(sql.DBStats{})
	rec.HealthCheck(true, time.Millisecond, "")
}

type panicSink struct{}

func (panicSink) Increment(string, Tags)          { panic("sink down") }
func (panicSink) Histogram(string, float64, Tags) { panic("sink down") }
func (panicSink) Gauge(string, float64, Tags)     { panic("sink down") }

func TestSinkPanicDoesNotEscape(t *testing.T) {
	rec := NewRecorder(panicSink{}, "test", "test")

	rec.QueryTimer("users", "select")(nil)
	rec.TransactionTimer("users")(errors.New("boom"))
	rec.RetryAttempt(2, errors.New("boom"))
	rec.HealthCheck(false, time.Millisecond, "disconnection")
}

func TestQueryTimerTags(t *testing.T) {
	sink := NewMemSink()
	rec := NewRecorder(sink, "orders", "staging")

	rec.QueryTimer("users", "select")(nil)
	rec.QueryTimer("users", "select")(errors.New("boom"))

	success := Tags{
		"service": "orders", "environment": "staging",
		"table": "users", "operation": "select", "status": "success",
	}
	if got := sink.CounterMatching(MetricQueryCount, success); got != 1 {
		t.Errorf("success count = %v, want 1", got)
	}

	failed := Tags{
		"service": "orders", "environment": "staging",
		"table": "users", "operation": "select", "status": "error",
	}
	if got := sink.CounterMatching(MetricQueryCount, failed); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
	if got := sink.CounterTotal(MetricQueryError); got != 1 {
		t.Errorf("error counter = %v, want 1", got)
	}
	if got := sink.SampleCount(MetricQueryDuration); got != 2 {
		t.Errorf("duration samples = %d, want 2", got)
	}
}

func TestTransactionTimerRollbackTags(t *testing.T) {
	sink := NewMemSink()
	rec := NewRecorder(sink, "orders", "staging")

	rec.TransactionTimer("users")(errors.New("boom"))

	if got := sink.CounterTotal(MetricTransactionRollback); got != 1 {
		t.Errorf("rollback counter = %v, want 1", got)
	}
	if got := sink.CounterTotal(MetricTransactionError); got != 1 {
		t.Errorf("error counter = %v, want 1", got)
	}
	if got := sink.CounterTotal(MetricTransactionCount); got != 1 {
		t.Errorf("transaction counter = %v, want 1", got)
	}
}

func TestPoolStatsGauges(t *testing.T) {
	sink := NewMemSink()
	rec := NewRecorder(sink, "orders", "staging")

	rec.PoolStats(sql.DBStats{
		MaxOpenConnections: 10,
		OpenConnections:    5,
		Idle:               2,
		InUse:              3,
		WaitCount:          7,
	})

	base := Tags{"service": "orders", "environment": "staging"}
	if got := sink.GaugeValue(MetricPoolOpen, base); got != 5 {
		t.Errorf("open gauge = %v, want 5", got)
	}
	if got := sink.GaugeValue(MetricPoolUsage, base); got != 50 {
		t.Errorf("usage gauge = %v, want 50", got)
	}
}

func TestPromSinkRegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPromSink(reg)
	rec := NewRecorder(sink, "orders", "staging")

	rec.QueryTimer("users", "select")(nil)
	rec.RetryAttempt(1, errors.New("boom"))
	rec.HealthCheck(true, 2*time.Millisecond, "")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	seen := map[string]bool{}
	for _, mf := range families {
		seen[mf.GetName()] = true
	}
	for _, name := range []string{
		"dbkit_queries_total",
		"dbkit_query_duration_seconds",
		"dbkit_retry_attempts_total",
	} {
		if !seen[name] {
			t.Errorf("metric %s not collected", name)
		}
	}
}

func TestPromSinkDropsUnknownNames(t *testing.T) {
	sink := NewPromSink(prometheus.NewRegistry())

	// Unknown names must be ignored, not panic.
	sink.Increment("db.not.a.metric", Tags{"service": "s", "environment": "e"})
	sink.Histogram("db.not.a.metric", 1, Tags{"service": "s", "environment": "e"})
	sink.Gauge("db.not.a.metric", 1, Tags{"service": "s", "environment": "e"})
}
