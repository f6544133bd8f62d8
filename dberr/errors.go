// Package dberr defines the error types returned by dbkit and the
// classification rules that decide whether a failed database operation
// is transient and worth retrying.
package dberr

import (
	"fmt"
	"time"
)

// Error carries table and operation context alongside the underlying
// database failure. The original cause stays reachable through Unwrap,
// so classification and errors.Is/As keep working on wrapped values.
type Error struct {
	Message   string
	Table     string
	Operation string
	Err       error
}

func (e *Error) Error() string {
	s := e.Message
	if e.Table != "" {
		s += " | table: " + e.Table
	}
	if e.Operation != "" {
		s += " | operation: " + e.Operation
	}
	if e.Err != nil {
		s += " | cause: " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap attaches table/operation context to err. Returns nil if err is nil.
func Wrap(err error, table, operation string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Message:   "database operation failed",
		Table:     table,
		Operation: operation,
		Err:       err,
	}
}

// PoolExhaustedError reports a failed connection acquisition, with pool
// sizing context for diagnostics. Classified as a connection-class
// failure, so it is retryable.
type PoolExhaustedError struct {
	PoolSize int
	Timeout  time.Duration
	Err      error
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("connection pool exhausted (size: %d, timeout: %s)", e.PoolSize, e.Timeout)
}

func (e *PoolExhaustedError) Unwrap() error {
	return e.Err
}

// ValidationError reports a field that failed static validation, such as
// a filter on a column the schema never declared. Always fatal.
type ValidationError struct {
	Table string
	Field string
	Value any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q for table %q", e.Field, e.Table)
}
