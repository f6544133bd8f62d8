package dberr

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Error kinds used for metric tagging. Derived per call, never stored.
const (
	KindDisconnection = "disconnection"
	KindTimeout       = "timeout"
	KindDeadlock      = "deadlock"
	KindPoolExhausted = "pool_exhausted"
	KindConstraint    = "constraint_violation"
	KindValidation    = "validation"
	KindCanceled      = "canceled"
	KindUnknown       = "unknown"
)

// PostgreSQL codes for serialization failure and deadlock detected.
var deadlockCodes = map[string]struct{}{
	"40001": {},
	"40P01": {},
}

// pgCode extracts the vendor error code from either supported driver.
func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// Retryable reports whether err is a transient failure that a retry may
// resolve. Pure function of the error value; wrapped errors are unwrapped.
//
// Retryable failures are disconnections, operational/driver-protocol
// failures, statement timeouts, pool exhaustion, and deadlock or
// serialization conflicts (vendor codes 40001, 40P01). Cancellation is
// never retryable: a caller that gave up must observe its own ctx.Err().
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	// Pool exhaustion wraps the acquire deadline, so it must win over
	// the context sentinels below.
	var poolErr *PoolExhaustedError
	if errors.As(err, &poolErr) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if code := pgCode(err); code != "" {
		if _, ok := deadlockCodes[code]; ok {
			return true
		}
		// Class 08: connection exception.
		if strings.HasPrefix(code, "08") {
			return true
		}
		// 57014 query_canceled (statement_timeout), 57P0x server shutdown.
		if code == "57014" || strings.HasPrefix(code, "57P") {
			return true
		}
		// Any other server-reported error (constraint, syntax, undefined
		// column...) will fail identically on retry.
		return false
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// Kind maps err to a stable label for metric tagging.
func Kind(err error) string {
	if err == nil {
		return KindUnknown
	}
	var poolErr *PoolExhaustedError
	if errors.As(err, &poolErr) {
		return KindPoolExhausted
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return KindValidation
	}

	if code := pgCode(err); code != "" {
		if _, ok := deadlockCodes[code]; ok {
			return KindDeadlock
		}
		switch {
		case strings.HasPrefix(code, "08"):
			return KindDisconnection
		case code == "57014":
			return KindTimeout
		case strings.HasPrefix(code, "57P"):
			return KindDisconnection
		case strings.HasPrefix(code, "23"):
			return KindConstraint
		default:
			return KindUnknown
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if Retryable(err) {
		return KindDisconnection
	}
	return KindUnknown
}
