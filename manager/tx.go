package manager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// InTransaction reports whether this manager currently holds an open
// transaction scope.
func (m *Manager[T]) InTransaction() bool {
	return m.tx != nil
}

// Transaction runs fn inside a transaction scope.
//
// The outermost call owns finalization: it begins the transaction,
// commits when fn returns nil, and rolls back re-returning fn's error
// unchanged otherwise. A nested call observes the open scope and runs
// fn directly, contributing no commit, rollback, or transaction metric
// of its own, so recursive use issues exactly one commit-or-rollback
// per logical unit of work.
//
// Guard state is reset on every exit path, panics included, so a
// cancelled or failed unit never leaves the manager stuck in an open
// scope.
func (m *Manager[T]) Transaction(ctx context.Context, fn func(context.Context) error) (err error) {
	if m.tx != nil {
		// Nested scope: no-op pass-through, ownership stays outside.
		return fn(ctx)
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	m.tx = tx

	finish := m.rec.TransactionTimer(m.schema.table)
	finalized := false
	defer func() {
		m.tx = nil
		if !finalized {
			// fn panicked; release the transaction before the panic
			// continues up, and record the scope as rolled back rather
			// than successful.
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("dbkit: rollback failed", "table", m.schema.table, "error", rbErr)
			}
			err = errors.New("transaction aborted by panic")
		}
		finish(err)
	}()

	if err = fn(ctx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("dbkit: rollback failed", "table", m.schema.table, "error", rbErr)
		}
		finalized = true
		return err
	}

	if commitErr := tx.Commit(); commitErr != nil {
		finalized = true
		err = fmt.Errorf("failed to commit transaction: %w", commitErr)
		return err
	}

	finalized = true
	return nil
}
