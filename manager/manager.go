package manager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/dbkit/cache"
	"github.com/vietddude/dbkit/dberr"
	"github.com/vietddude/dbkit/metrics"
	"github.com/vietddude/dbkit/retry"
)

// Operation kind labels used for metric tagging.
const (
	opInsert      = "insert"
	opSelect      = "select"
	opUpdate      = "update"
	opDelete      = "delete"
	opCount       = "count"
	opExists      = "exists"
	opBulkInsert  = "bulk_insert"
	opBulkUpdate  = "bulk_update"
	opRawSQL      = "raw_sql"
	opTransaction = "transaction"
)

// Manager executes instrumented data operations for one record type.
//
// Every operation records a duration sample and a count per physical
// attempt. Outside a Transaction scope each operation auto-commits;
// inside, operations run on the open transaction and finalization
// belongs to the outermost Transaction call.
//
// One Manager serializes one logical unit of work at a time. It must
// not be shared by concurrent goroutines; bind each concurrent unit of
// work to its own Manager.
type Manager[T any] struct {
	db     *sqlx.DB
	schema Schema[T]
	rec    *metrics.Recorder

	policy   retry.Policy
	retrying bool

	cache    cache.Store
	cacheTTL time.Duration

	// tx is the open transaction; nil while idle. Guard state for the
	// reentrant Transaction scope.
	tx *sqlx.Tx
}

// Option configures a Manager.
type Option[T any] func(*Manager[T])

// WithRecorder attaches metric instrumentation.
func WithRecorder[T any](rec *metrics.Recorder) Option[T] {
	return func(m *Manager[T]) { m.rec = rec }
}

// WithRetry retries transient statement failures with the given policy.
// Statement-level retry is suspended while a transaction is open: a
// failed transaction must roll back, so callers wanting whole-unit
// retry wrap Transaction in retry.Do instead.
func WithRetry[T any](policy retry.Policy) Option[T] {
	return func(m *Manager[T]) {
		m.policy = policy
		m.retrying = true
	}
}

// WithCache reads Get through the given store and invalidates entries
// on Update and Delete. Cache failures never fail the operation.
func WithCache[T any](store cache.Store, ttl time.Duration) Option[T] {
	return func(m *Manager[T]) {
		m.cache = store
		m.cacheTTL = ttl
	}
}

// New builds a Manager over db for the given schema.
func New[T any](db *sqlx.DB, schema Schema[T], opts ...Option[T]) *Manager[T] {
	m := &Manager[T]{db: db, schema: schema}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Schema returns the manager's registered schema.
func (m *Manager[T]) Schema() Schema[T] { return m.schema }

// ext is the execution seam: the open transaction when one exists,
// the auto-committing pool otherwise.
func (m *Manager[T]) ext() sqlx.ExtContext {
	if m.tx != nil {
		return m.tx
	}
	return m.db
}

// doOp wraps one operation with instrumentation (innermost) and, when
// enabled and outside a transaction, retry (outermost). Metrics are
// recorded per physical attempt, so a retried operation produces one
// duration sample per attempt.
func doOp[T, R any](m *Manager[T], ctx context.Context, operation string, fn func(context.Context) (R, error)) (R, error) {
	run := func(ctx context.Context) (R, error) {
		finish := m.rec.QueryTimer(m.schema.table, operation)
		v, err := fn(ctx)
		finish(err)
		return v, err
	}
	if m.retrying && m.tx == nil {
		return retry.DoValue(ctx, m.policy, m.rec, run)
	}
	return run(ctx)
}

// Create inserts a record and returns the stored row.
func (m *Manager[T]) Create(ctx context.Context, record T) (T, error) {
	created, err := doOp(m, ctx, opInsert, func(ctx context.Context) (T, error) {
		var out T
		rows, err := sqlx.NamedQueryContext(ctx, m.ext(), m.schema.buildInsert(), record)
		if err != nil {
			return out, err
		}
		defer rows.Close()
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return out, err
			}
			return out, fmt.Errorf("insert into %s returned no row", m.schema.table)
		}
		if err := rows.StructScan(&out); err != nil {
			return out, err
		}
		return out, rows.Close()
	})
	if err != nil {
		return created, dberr.Wrap(err, m.schema.table, opInsert)
	}
	return created, nil
}

// Get fetches a record by primary key. A missing record is a normal
// result: the zero value and false, not an error.
func (m *Manager[T]) Get(ctx context.Context, id any) (T, bool, error) {
	if m.cache != nil {
		var out T
		hit, err := m.cache.GetJSON(ctx, cache.RecordKey(m.schema.table, id), &out)
		if err != nil {
			slog.Debug("dbkit: cache read failed", "table", m.schema.table, "error", err)
		} else if hit {
			return out, true, nil
		}
	}

	record, found, err := m.getByPK(ctx, id)
	if err != nil || !found {
		return record, found, err
	}

	if m.cache != nil {
		if err := m.cache.SetJSON(ctx, cache.RecordKey(m.schema.table, id), record, m.cacheTTL); err != nil {
			slog.Debug("dbkit: cache write failed", "table", m.schema.table, "error", err)
		}
	}
	return record, true, nil
}

func (m *Manager[T]) getByPK(ctx context.Context, id any) (T, bool, error) {
	return m.GetBy(ctx, map[string]any{m.schema.pk: id})
}

// GetBy fetches a single record matching all filters.
func (m *Manager[T]) GetBy(ctx context.Context, filters map[string]any) (T, bool, error) {
	type row struct {
		record T
		found  bool
	}
	result, err := doOp(m, ctx, opSelect, func(ctx context.Context) (row, error) {
		query, args, err := m.schema.buildSelect(ListOptions{Filters: filters, Limit: 1})
		if err != nil {
			return row{}, err
		}
		var out T
		err = sqlx.GetContext(ctx, m.ext(), &out, query, args...)
		if errors.Is(err, sql.ErrNoRows) {
			return row{}, nil
		}
		if err != nil {
			return row{}, err
		}
		return row{record: out, found: true}, nil
	})
	if err != nil {
		var zero T
		return zero, false, dberr.Wrap(err, m.schema.table, opSelect)
	}
	return result.record, result.found, nil
}

// List fetches records with optional filters, ordering, and paging.
func (m *Manager[T]) List(ctx context.Context, opts ListOptions) ([]T, error) {
	records, err := doOp(m, ctx, opSelect, func(ctx context.Context) ([]T, error) {
		query, args, err := m.schema.buildSelect(opts)
		if err != nil {
			return nil, err
		}
		var out []T
		if err := sqlx.SelectContext(ctx, m.ext(), &out, query, args...); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, dberr.Wrap(err, m.schema.table, opSelect)
	}
	return records, nil
}

// Update applies the given fields to the record with the given primary
// key and returns the stored row. A missing record returns false, not
// an error.
func (m *Manager[T]) Update(ctx context.Context, id any, fields map[string]any) (T, bool, error) {
	type row struct {
		record T
		found  bool
	}
	result, err := doOp(m, ctx, opUpdate, func(ctx context.Context) (row, error) {
		query, args, err := m.schema.buildUpdate(fields)
		if err != nil {
			return row{}, err
		}
		args = append(args, id)
		var out T
		err = sqlx.GetContext(ctx, m.ext(), &out, query, args...)
		if errors.Is(err, sql.ErrNoRows) {
			return row{}, nil
		}
		if err != nil {
			return row{}, err
		}
		return row{record: out, found: true}, nil
	})
	if err != nil {
		var zero T
		return zero, false, dberr.Wrap(err, m.schema.table, opUpdate)
	}

	m.invalidate(ctx, id)
	return result.record, result.found, nil
}

// Delete removes the record with the given primary key. Returns false
// when no row matched.
func (m *Manager[T]) Delete(ctx context.Context, id any) (bool, error) {
	deleted, err := doOp(m, ctx, opDelete, func(ctx context.Context) (bool, error) {
		query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", m.schema.table, m.schema.pk)
		result, err := m.ext().ExecContext(ctx, query, id)
		if err != nil {
			return false, err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return false, err
		}
		return affected > 0, nil
	})
	if err != nil {
		return false, dberr.Wrap(err, m.schema.table, opDelete)
	}

	m.invalidate(ctx, id)
	return deleted, nil
}

// Count counts records matching the filters.
func (m *Manager[T]) Count(ctx context.Context, filters map[string]any) (int64, error) {
	count, err := doOp(m, ctx, opCount, func(ctx context.Context) (int64, error) {
		where, args, err := m.schema.whereClause(filters, 0)
		if err != nil {
			return 0, err
		}
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", m.schema.table)
		if where != "" {
			query += " WHERE " + where
		}
		var n int64
		if err := sqlx.GetContext(ctx, m.ext(), &n, query, args...); err != nil {
			return 0, err
		}
		return n, nil
	})
	if err != nil {
		return 0, dberr.Wrap(err, m.schema.table, opCount)
	}
	return count, nil
}

// Exists reports whether any record matches the filters.
func (m *Manager[T]) Exists(ctx context.Context, filters map[string]any) (bool, error) {
	exists, err := doOp(m, ctx, opExists, func(ctx context.Context) (bool, error) {
		where, args, err := m.schema.whereClause(filters, 0)
		if err != nil {
			return false, err
		}
		inner := fmt.Sprintf("SELECT 1 FROM %s", m.schema.table)
		if where != "" {
			inner += " WHERE " + where
		}
		var found bool
		query := fmt.Sprintf("SELECT EXISTS (%s)", inner)
		if err := sqlx.GetContext(ctx, m.ext(), &found, query, args...); err != nil {
			return false, err
		}
		return found, nil
	})
	if err != nil {
		return false, dberr.Wrap(err, m.schema.table, opExists)
	}
	return exists, nil
}

// BulkCreate inserts records with a single multi-row statement and
// returns the stored rows.
func (m *Manager[T]) BulkCreate(ctx context.Context, records []T) ([]T, error) {
	if len(records) == 0 {
		return nil, nil
	}

	created, err := doOp(m, ctx, opBulkInsert, func(ctx context.Context) ([]T, error) {
		m.rec.BatchSize(m.schema.table, opBulkInsert, len(records))

		args := make([]any, 0, len(records)*len(m.schema.columns))
		for i := range records {
			values, err := m.fieldValues(records[i])
			if err != nil {
				return nil, err
			}
			args = append(args, values...)
		}

		rows, err := m.ext().QueryxContext(ctx, m.schema.buildBulkInsert(len(records)), args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		out := make([]T, 0, len(records))
		for rows.Next() {
			var record T
			if err := rows.StructScan(&record); err != nil {
				return nil, err
			}
			out = append(out, record)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return out, rows.Close()
	})
	if err != nil {
		return nil, dberr.Wrap(err, m.schema.table, opBulkInsert)
	}
	return created, nil
}

// fieldValues extracts the declared column values from a record using
// sqlx's db-tag mapper.
func (m *Manager[T]) fieldValues(record T) ([]any, error) {
	v := reflect.ValueOf(record)
	fields := m.db.Mapper.TraversalsByName(v.Type(), m.schema.columns)
	values := make([]any, len(m.schema.columns))
	for i, traversal := range fields {
		if len(traversal) == 0 {
			return nil, fmt.Errorf("record type %T has no db tag for column %q", record, m.schema.columns[i])
		}
		values[i] = reflect.Indirect(v).FieldByIndex(traversal).Interface()
	}
	return values, nil
}

// BulkUpdate applies each update map, which must carry the primary key
// plus the fields to change, and returns the number of rows affected.
// Statements run one by one; wrap in Transaction for all-or-nothing
// semantics.
func (m *Manager[T]) BulkUpdate(ctx context.Context, updates []map[string]any) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	total, err := doOp(m, ctx, opBulkUpdate, func(ctx context.Context) (int64, error) {
		m.rec.BatchSize(m.schema.table, opBulkUpdate, len(updates))

		var affected int64
		for _, update := range updates {
			id, ok := update[m.schema.pk]
			if !ok {
				return affected, &dberr.ValidationError{Table: m.schema.table, Field: m.schema.pk, Value: update}
			}
			fields := make(map[string]any, len(update)-1)
			for col, value := range update {
				if col != m.schema.pk {
					fields[col] = value
				}
			}
			query, args, err := m.schema.buildUpdate(fields)
			if err != nil {
				return affected, err
			}
			args = append(args, id)
			result, err := m.ext().ExecContext(ctx, query, args...)
			if err != nil {
				return affected, err
			}
			n, err := result.RowsAffected()
			if err != nil {
				return affected, err
			}
			affected += n
			m.invalidate(ctx, id)
		}
		return affected, nil
	})
	if err != nil {
		return total, dberr.Wrap(err, m.schema.table, opBulkUpdate)
	}
	return total, nil
}

// ExecQuery runs a caller-built statement under the manager's
// instrumentation, tagged with the given operation label.
func (m *Manager[T]) ExecQuery(ctx context.Context, operation, query string, args ...any) (sql.Result, error) {
	if operation == "" {
		operation = "custom"
	}
	result, err := doOp(m, ctx, operation, func(ctx context.Context) (sql.Result, error) {
		return m.ext().ExecContext(ctx, query, args...)
	})
	if err != nil {
		return nil, dberr.Wrap(err, m.schema.table, operation)
	}
	return result, nil
}

// ExecRawSQL runs a raw statement with named parameters.
func (m *Manager[T]) ExecRawSQL(ctx context.Context, query string, params map[string]any) (sql.Result, error) {
	result, err := doOp(m, ctx, opRawSQL, func(ctx context.Context) (sql.Result, error) {
		if params == nil {
			params = map[string]any{}
		}
		return sqlx.NamedExecContext(ctx, m.ext(), query, params)
	})
	if err != nil {
		return nil, dberr.Wrap(err, m.schema.table, opRawSQL)
	}
	return result, nil
}

// QueryRawSQL runs a raw query with named parameters and returns the
// rows. The caller owns closing them.
func (m *Manager[T]) QueryRawSQL(ctx context.Context, query string, params map[string]any) (*sqlx.Rows, error) {
	rows, err := doOp(m, ctx, opRawSQL, func(ctx context.Context) (*sqlx.Rows, error) {
		if params == nil {
			params = map[string]any{}
		}
		return sqlx.NamedQueryContext(ctx, m.ext(), query, params)
	})
	if err != nil {
		return nil, dberr.Wrap(err, m.schema.table, opRawSQL)
	}
	return rows, nil
}

// invalidate drops the cached entry for id, if caching is enabled.
func (m *Manager[T]) invalidate(ctx context.Context, id any) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Delete(ctx, cache.RecordKey(m.schema.table, id)); err != nil {
		slog.Debug("dbkit: cache invalidation failed", "table", m.schema.table, "error", err)
	}
}
