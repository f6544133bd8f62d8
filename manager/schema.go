// Package manager provides instrumented CRUD, bulk, and raw-SQL
// operations over a PostgreSQL table, with retry-with-backoff for
// transient failures and reentrant transaction scoping.
//
// A Manager is bound to one logical unit of work at a time. It is not
// safe for concurrent use: concurrent units of work need separate
// Manager instances, each serializing its own operations.
package manager

import (
	"fmt"
	"regexp"
	"sort"
)

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Schema statically declares the table mapping for record type T: table
// name, primary-key column, and the full declared column set. Filter,
// order-by, and update fields are validated against the declared
// columns per call, so a typo fails fast as a ValidationError instead of
// being silently dropped.
//
// T must be a struct whose fields carry db tags matching the declared
// columns; rows are scanned by sqlx.
type Schema[T any] struct {
	table     string
	pk        string
	columns   []string
	columnSet map[string]struct{}
}

// NewSchema validates and builds a schema. All identifiers must be
// plain SQL identifiers; the primary key must be one of the declared
// columns.
func NewSchema[T any](table, pk string, columns []string) (Schema[T], error) {
	var s Schema[T]

	if !identPattern.MatchString(table) {
		return s, fmt.Errorf("invalid table name %q", table)
	}
	if len(columns) == 0 {
		return s, fmt.Errorf("table %q declares no columns", table)
	}

	set := make(map[string]struct{}, len(columns))
	for _, col := range columns {
		if !identPattern.MatchString(col) {
			return s, fmt.Errorf("invalid column name %q for table %q", col, table)
		}
		if _, dup := set[col]; dup {
			return s, fmt.Errorf("duplicate column %q for table %q", col, table)
		}
		set[col] = struct{}{}
	}
	if _, ok := set[pk]; !ok {
		return s, fmt.Errorf("primary key %q is not a declared column of table %q", pk, table)
	}

	s.table = table
	s.pk = pk
	s.columns = append([]string(nil), columns...)
	s.columnSet = set
	return s, nil
}

// MustSchema is NewSchema that panics on error. Meant for package-level
// schema registration where a bad mapping is a programming error.
func MustSchema[T any](table, pk string, columns []string) Schema[T] {
	s, err := NewSchema[T](table, pk, columns)
	if err != nil {
		panic(err)
	}
	return s
}

// Table returns the mapped table name.
func (s Schema[T]) Table() string { return s.table }

// PrimaryKey returns the primary-key column name.
func (s Schema[T]) PrimaryKey() string { return s.pk }

// Columns returns a copy of the declared column list.
func (s Schema[T]) Columns() []string {
	return append([]string(nil), s.columns...)
}

func (s Schema[T]) hasColumn(name string) bool {
	_, ok := s.columnSet[name]
	return ok
}

// sortedKeys gives filter/update maps a deterministic SQL rendering.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
