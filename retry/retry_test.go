package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vietddude/dbkit/metrics"
)

// fastPolicy keeps test pauses negligible.
var fastPolicy = Policy{
	MaxAttempts: 3,
	MinWait:     time.Millisecond,
	MaxWait:     5 * time.Millisecond,
	Multiplier:  2.0,
}

func newRecorder() (*metrics.Recorder, *metrics.MemSink) {
	sink := metrics.NewMemSink()
	return metrics.NewRecorder(sink, "test", "test"), sink
}

func TestDoRetryBound(t *testing.T) {
	rec, sink := newRecorder()
	deadlock := &pgconn.PgError{Code: "40001"}

	calls := 0
	err := Do(context.Background(), fastPolicy, rec, func(context.Context) error {
		calls++
		return deadlock
	})

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, deadlock) {
		t.Errorf("err = %v, want the original deadlock error unchanged", err)
	}
	if got := sink.CounterTotal(metrics.MetricRetryAttempt); got != 3 {
		t.Errorf("attempt counter = %v, want 3", got)
	}
	if got := sink.CounterTotal(metrics.MetricRetryExhausted); got != 1 {
		t.Errorf("exhausted counter = %v, want 1", got)
	}
}

func TestDoNonRetryableShortCircuit(t *testing.T) {
	rec, sink := newRecorder()
	violation := &pgconn.PgError{Code: "23505"}

	calls := 0
	err := Do(context.Background(), fastPolicy, rec, func(context.Context) error {
		calls++
		return violation
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, violation) {
		t.Errorf("err = %v, want the constraint violation unchanged", err)
	}
	if got := sink.CounterTotal(metrics.MetricRetryAttempt); got != 0 {
		t.Errorf("attempt counter = %v, want 0", got)
	}
	if got := sink.CounterTotal(metrics.MetricRetryExhausted); got != 0 {
		t.Errorf("exhausted counter = %v, want 0", got)
	}
}

func TestDoValueTransientThenSuccess(t *testing.T) {
	// Disconnection on attempts 1-2, success on attempt 3.
	policy := Policy{
		MaxAttempts: 3,
		MinWait:     time.Millisecond,
		MaxWait:     20 * time.Millisecond,
		Multiplier:  2.0,
	}
	rec, sink := newRecorder()
	disconnect := &pgconn.PgError{Code: "08006"}

	calls := 0
	got, err := DoValue(context.Background(), policy, rec, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", disconnect
		}
		return "row-42", nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "row-42" {
		t.Errorf("result = %q, want %q", got, "row-42")
	}
	if got := sink.CounterTotal(metrics.MetricRetryAttempt); got != 2 {
		t.Errorf("attempt counter = %v, want 2", got)
	}
	if got := sink.CounterTotal(metrics.MetricRetryExhausted); got != 0 {
		t.Errorf("exhausted counter = %v, want 0", got)
	}
}

func TestAttemptTagging(t *testing.T) {
	rec, sink := newRecorder()
	deadlock := &pgconn.PgError{Code: "40P01"}

	_ = Do(context.Background(), Policy{MaxAttempts: 2, MinWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 2}, rec, func(context.Context) error {
		return deadlock
	})

	if got := sink.CounterMatching(metrics.MetricRetryAttempt, metrics.Tags{"attempt": "1", "error_type": "deadlock"}); got != 1 {
		t.Errorf("attempt 1 series = %v, want 1", got)
	}
	if got := sink.CounterMatching(metrics.MetricRetryAttempt, metrics.Tags{"attempt": "2", "error_type": "deadlock"}); got != 1 {
		t.Errorf("attempt 2 series = %v, want 1", got)
	}
	if got := sink.CounterMatching(metrics.MetricRetryExhausted, metrics.Tags{"error_type": "deadlock"}); got != 1 {
		t.Errorf("exhausted series = %v, want 1", got)
	}
}

func TestCancellationDuringWait(t *testing.T) {
	rec, sink := newRecorder()
	disconnect := &pgconn.PgError{Code: "08006"}

	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{
		MaxAttempts: 5,
		MinWait:     time.Second, // long enough that cancellation wins the select
		MaxWait:     time.Second,
		Multiplier:  2.0,
	}

	calls := 0
	err := Do(ctx, policy, rec, func(context.Context) error {
		calls++
		cancel()
		return disconnect
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (cancellation must abort the loop)", calls)
	}
	if got := sink.CounterTotal(metrics.MetricRetryExhausted); got != 0 {
		t.Errorf("exhausted counter = %v, want 0 on cancellation", got)
	}
}

func TestWaitMonotonicAndBounded(t *testing.T) {
	policy := Policy{
		MaxAttempts: 10,
		MinWait:     100 * time.Millisecond,
		MaxWait:     2 * time.Second,
		Multiplier:  2.0,
	}

	prev := time.Duration(0)
	for attempt := 2; attempt <= 10; attempt++ {
		w := policy.wait(attempt)
		if w < prev {
			t.Errorf("wait(%d) = %v < wait(%d) = %v", attempt, w, attempt-1, prev)
		}
		if w > policy.MaxWait {
			t.Errorf("wait(%d) = %v exceeds MaxWait %v", attempt, w, policy.MaxWait)
		}
		prev = w
	}

	// Spot-check the exponential sequence: 100ms, 200ms, 400ms, ... cap 2s.
	if got := policy.wait(2); got != 100*time.Millisecond {
		t.Errorf("wait(2) = %v, want 100ms", got)
	}
	if got := policy.wait(4); got != 400*time.Millisecond {
		t.Errorf("wait(4) = %v, want 400ms", got)
	}
	if got := policy.wait(9); got != 2*time.Second {
		t.Errorf("wait(9) = %v, want MaxWait", got)
	}
}

func TestJitterBounds(t *testing.T) {
	policy := Policy{
		MaxAttempts: 3,
		MinWait:     10 * time.Millisecond,
		MaxWait:     80 * time.Millisecond,
		Multiplier:  2.0,
		Randomize:   true,
	}

	base := policy.wait(3)
	for i := 0; i < 200; i++ {
		p := policy.pause(3)
		if p < base || p >= base+policy.MinWait {
			t.Fatalf("pause(3) = %v outside [%v, %v)", p, base, base+policy.MinWait)
		}
	}
}

func TestZeroPolicyRunsOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{}, nil, func(context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Errorf("calls = %d, err = %v; want one clean run", calls, err)
	}
}
