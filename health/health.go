// Package health probes the database and reports structured status.
// The probe runs one connection acquisition, one sentinel read, and
// optionally a reversible write against a session-local temp table, all
// bounded by a timeout: a probe that could hang is itself a bug.
package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vietddude/dbkit/dberr"
	"github.com/vietddude/dbkit/metrics"
)

// Checks itemizes the probe stages.
type Checks struct {
	Connection bool `json:"connection"`
	Read       bool `json:"read"`
	Write      bool `json:"write"`
}

// Result is one probe outcome.
type Result struct {
	Healthy        bool    `json:"healthy"`
	ResponseTimeMS float64 `json:"response_time_ms"`
	Error          string  `json:"error,omitempty"`
	Checks         Checks  `json:"checks"`

	errKind string
}

// Prober runs health probes against one database pool.
type Prober struct {
	db      *sqlx.DB
	rec     *metrics.Recorder
	timeout time.Duration
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithRecorder attaches metric instrumentation to each probe.
func WithRecorder(rec *metrics.Recorder) ProberOption {
	return func(p *Prober) { p.rec = rec }
}

// WithTimeout bounds each probe. Defaults to 5 seconds.
func WithTimeout(timeout time.Duration) ProberOption {
	return func(p *Prober) { p.timeout = timeout }
}

// NewProber builds a Prober over db.
func NewProber(db *sqlx.DB, opts ...ProberOption) *Prober {
	p := &Prober{db: db, timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe checks connectivity and read health, plus write health when
// checkWrite is set. It never returns an error: failures are reported
// inside the Result, with elapsed time filled on every path.
func (p *Prober) Probe(ctx context.Context, checkWrite bool) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result := p.run(ctx, checkWrite)
	result.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000.0
	result.Healthy = result.Checks.Connection && result.Checks.Read &&
		(!checkWrite || result.Checks.Write)

	p.rec.HealthCheck(result.Healthy, time.Since(start), result.errKind)
	return result
}

// run executes the probe stages, stopping at the first failure.
func (p *Prober) run(ctx context.Context, checkWrite bool) (result Result) {
	conn, err := p.db.Connx(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &dberr.PoolExhaustedError{
				PoolSize: p.db.Stats().MaxOpenConnections,
				Timeout:  p.timeout,
				Err:      err,
			}
		}
		return result.fail(err)
	}
	defer conn.Close()
	result.Checks.Connection = true

	var sentinel int
	if err := conn.GetContext(ctx, &sentinel, "SELECT 1"); err != nil {
		return result.fail(err)
	}
	if sentinel != 1 {
		return result.fail(fmt.Errorf("read probe returned %d, want 1", sentinel))
	}
	result.Checks.Read = true

	if checkWrite {
		// Session-local temp table: reversible and invisible to the
		// main schema even when cleanup fails.
		table := "health_probe_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		steps := []string{
			fmt.Sprintf("CREATE TEMP TABLE %s (id INT)", table),
			fmt.Sprintf("INSERT INTO %s VALUES (1)", table),
			fmt.Sprintf("DROP TABLE %s", table),
		}
		for _, stmt := range steps {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return result.fail(err)
			}
		}
		result.Checks.Write = true
	}

	return result
}

func (r Result) fail(err error) Result {
	r.Error = err.Error()
	r.errKind = dberr.Kind(err)
	return r
}
