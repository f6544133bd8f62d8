package manager

import (
	"fmt"
	"strings"

	"github.com/vietddude/dbkit/dberr"
)

// ListOptions narrows and pages a List call. OrderBy names a declared
// column, prefixed with "-" for descending order.
type ListOptions struct {
	Filters map[string]any
	Limit   int
	Offset  int
	OrderBy string
}

func (s Schema[T]) columnList() string {
	return strings.Join(s.columns, ", ")
}

// whereClause renders filters as "col = $n AND ..." with deterministic
// column order. Every filter key must be a declared column.
func (s Schema[T]) whereClause(filters map[string]any, argOffset int) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	conds := make([]string, 0, len(filters))
	args := make([]any, 0, len(filters))
	for _, col := range sortedKeys(filters) {
		if !s.hasColumn(col) {
			return "", nil, &dberr.ValidationError{Table: s.table, Field: col, Value: filters[col]}
		}
		args = append(args, filters[col])
		conds = append(conds, fmt.Sprintf("%s = $%d", col, argOffset+len(args)))
	}
	return strings.Join(conds, " AND "), args, nil
}

// orderClause renders the OrderBy option; "-created_at" means
// "created_at DESC".
func (s Schema[T]) orderClause(orderBy string) (string, error) {
	if orderBy == "" {
		return "", nil
	}
	col, desc := orderBy, false
	if strings.HasPrefix(orderBy, "-") {
		col, desc = orderBy[1:], true
	}
	if !s.hasColumn(col) {
		return "", &dberr.ValidationError{Table: s.table, Field: col, Value: orderBy}
	}
	if desc {
		return col + " DESC", nil
	}
	return col, nil
}

func (s Schema[T]) buildSelect(opts ListOptions) (string, []any, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", s.columnList(), s.table)

	where, args, err := s.whereClause(opts.Filters, 0)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		b.WriteString(" WHERE " + where)
	}

	order, err := s.orderClause(opts.OrderBy)
	if err != nil {
		return "", nil, err
	}
	if order != "" {
		b.WriteString(" ORDER BY " + order)
	}

	if opts.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", opts.Offset)
	}
	return b.String(), args, nil
}

// buildInsert renders a named-parameter insert for one record,
// returning the stored row.
func (s Schema[T]) buildInsert() string {
	placeholders := make([]string, len(s.columns))
	for i, col := range s.columns {
		placeholders[i] = ":" + col
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		s.table, s.columnList(), strings.Join(placeholders, ", "), s.columnList(),
	)
}

// buildBulkInsert renders a positional multi-row insert for n records.
func (s Schema[T]) buildBulkInsert(n int) string {
	rows := make([]string, n)
	arg := 0
	for i := range rows {
		placeholders := make([]string, len(s.columns))
		for j := range s.columns {
			arg++
			placeholders[j] = fmt.Sprintf("$%d", arg)
		}
		rows[i] = "(" + strings.Join(placeholders, ", ") + ")"
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s RETURNING %s",
		s.table, s.columnList(), strings.Join(rows, ", "), s.columnList(),
	)
}

// buildUpdate renders "UPDATE ... SET ... WHERE pk = $n RETURNING ..."
// for the given fields, with the primary-key value as the final
// positional argument. Updating the primary key itself is rejected.
func (s Schema[T]) buildUpdate(fields map[string]any) (string, []any, error) {
	if len(fields) == 0 {
		return "", nil, &dberr.ValidationError{Table: s.table, Field: "", Value: fields}
	}

	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	for _, col := range sortedKeys(fields) {
		if !s.hasColumn(col) || col == s.pk {
			return "", nil, &dberr.ValidationError{Table: s.table, Field: col, Value: fields[col]}
		}
		args = append(args, fields[col])
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = $%d RETURNING %s",
		s.table, strings.Join(sets, ", "), s.pk, len(args)+1, s.columnList(),
	)
	return query, args, nil
}
