// Package retry executes database operations with bounded, jittered
// exponential backoff. Only failures classified as transient by
// dberr.Retryable trigger another attempt; everything else propagates
// immediately and unchanged.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/vietddude/dbkit/dberr"
	"github.com/vietddude/dbkit/metrics"
)

// Policy configures retry behavior for one decorated operation. The
// value is never mutated during retries.
type Policy struct {
	// MaxAttempts bounds total executions, first attempt included.
	MaxAttempts int
	// MinWait is the base wait before the second attempt and the upper
	// bound of the jitter range.
	MinWait time.Duration
	// MaxWait caps the computed wait.
	MaxWait time.Duration
	// Multiplier grows the wait exponentially between attempts.
	Multiplier float64
	// Randomize adds a uniform jitter in [0, MinWait) to each pause to
	// avoid synchronized retry storms.
	Randomize bool
}

// DefaultPolicy mirrors the toolkit's historical defaults.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	MinWait:     100 * time.Millisecond,
	MaxWait:     2 * time.Second,
	Multiplier:  2.0,
	Randomize:   true,
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.MinWait <= 0 {
		p.MinWait = DefaultPolicy.MinWait
	}
	if p.MaxWait <= 0 {
		p.MaxWait = DefaultPolicy.MaxWait
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultPolicy.Multiplier
	}
	return p
}

// wait computes the deterministic pause before attempt k (k >= 2):
// min(MaxWait, MinWait * Multiplier^(k-2)).
func (p Policy) wait(attempt int) time.Duration {
	d := float64(p.MinWait) * math.Pow(p.Multiplier, float64(attempt-2))
	if d > float64(p.MaxWait) {
		return p.MaxWait
	}
	return time.Duration(d)
}

// pause is wait plus jitter. The jitter is a one-off delay added to this
// pause only; it never feeds back into the next computed wait.
func (p Policy) pause(attempt int) time.Duration {
	d := p.wait(attempt)
	if p.Randomize {
		d += time.Duration(rand.Int63n(int64(p.MinWait)))
	}
	return d
}

// Do runs op until it succeeds, fails fatally, or the attempt budget is
// spent. On exhaustion the last underlying error is returned unchanged,
// so upstream error handling sees the same failure kind it would
// without the retry shell. rec may be nil.
func Do(ctx context.Context, policy Policy, rec *metrics.Recorder, op func(context.Context) error) error {
	_, err := DoValue(ctx, policy, rec, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, policy Policy, rec *metrics.Recorder, op func(context.Context) (T, error)) (T, error) {
	policy = policy.normalized()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !dberr.Retryable(err) {
			// Fatal failure: propagate without consuming the budget.
			return zero, err
		}

		lastErr = err
		rec.RetryAttempt(attempt, err)

		if attempt == policy.MaxAttempts {
			break
		}

		timer := time.NewTimer(policy.pause(attempt + 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	rec.RetryExhausted(lastErr)
	return zero, lastErr
}
