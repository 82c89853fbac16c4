// Package database builds the filtered, paginated SELECTs behind the list endpoints.
// Identifiers are quoted with pgx and every value is bound as a parameter.
package database

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ConditionType is the comparison applied by a Condition.
type ConditionType string

const (
	Equal              ConditionType = "="
	NotEqual           ConditionType = "!="
	GreaterThan        ConditionType = ">"
	LessThan           ConditionType = "<"
	LessThanOrEqual    ConditionType = "<="
	GreaterThanOrEqual ConditionType = ">="
	// Any matches when the column equals one element of a slice value.
	Any ConditionType = "ANY"

	noLimit = -1
)

// Condition is one ANDed predicate of the WHERE clause.
type Condition struct {
	Field string
	Type  ConditionType
	Value any
}

// WhereCond builds a Condition.
func WhereCond(field string, condType ConditionType, value any) Condition {
	return Condition{Field: field, Type: condType, Value: value}
}

type order struct {
	column string
	desc   bool
}

// ListQueryOptions describes a single-table SELECT.
type ListQueryOptions struct {
	Table      string
	Columns    []string
	Conditions []Condition
	orders     []order
	Limit      int
	Offset     int
}

// ListQueryOption mutates ListQueryOptions.
type ListQueryOption func(*ListQueryOptions)

// NewListQueryOptions applies opts over an unbounded SELECT * of table.
func NewListQueryOptions(table string, opts ...ListQueryOption) *ListQueryOptions {
	o := &ListQueryOptions{Table: table, Limit: noLimit, Offset: noLimit}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithColumns sets the columns to select.
func WithColumns(cols ...string) ListQueryOption {
	return func(o *ListQueryOptions) { o.Columns = cols }
}

// WithCondition adds a single condition.
func WithCondition(cond Condition) ListQueryOption {
	return func(o *ListQueryOptions) { o.Conditions = append(o.Conditions, cond) }
}

// WithOrderBy appends an ordering column. Later calls break ties of earlier ones.
// Any direction other than DESC (case-insensitive) sorts ascending.
func WithOrderBy(column, direction string) ListQueryOption {
	return func(o *ListQueryOptions) {
		o.orders = append(o.orders, order{column: column, desc: strings.EqualFold(direction, "DESC")})
	}
}

// WithLimit sets the limit. Negative values leave the query unbounded.
func WithLimit(limit int) ListQueryOption {
	return func(o *ListQueryOptions) {
		if limit >= 0 {
			o.Limit = limit
		}
	}
}

// WithOffset sets the offset. Negative values are ignored.
func WithOffset(offset int) ListQueryOption {
	return func(o *ListQueryOptions) {
		if offset >= 0 {
			o.Offset = offset
		}
	}
}

func quoteIdent(ident string) string {
	return pgx.Identifier(strings.Split(ident, ".")).Sanitize()
}

func validConditionType(t ConditionType) bool {
	switch t {
	case Equal, NotEqual, GreaterThan, LessThan, LessThanOrEqual, GreaterThanOrEqual, Any:
		return true
	default:
		return false
	}
}

// BuildListQuery renders options as SQL with positional parameters.
//
//	query, args := BuildListQuery(NewListQueryOptions("jobs",
//		WithColumns("id", "status"),
//		WithCondition(WhereCond("tenant_id", Equal, "acme")),
//		WithOrderBy("queued_at", "DESC"),
//		WithOrderBy("id", "DESC"),
//		WithLimit(50),
//	))
//	// SELECT "id", "status" FROM "jobs" WHERE "tenant_id" = $1
//	//   ORDER BY "queued_at" DESC, "id" DESC LIMIT $2
//
// Conditions with an unknown type or an empty field are dropped.
func BuildListQuery(options *ListQueryOptions) (string, []any) {
	if options == nil {
		return "", nil
	}

	var q strings.Builder
	q.WriteString("SELECT ")
	if len(options.Columns) == 0 {
		q.WriteString("*")
	} else {
		cols := make([]string, len(options.Columns))
		for i, c := range options.Columns {
			cols[i] = quoteIdent(c)
		}
		q.WriteString(strings.Join(cols, ", "))
	}
	q.WriteString(" FROM ")
	q.WriteString(quoteIdent(options.Table))

	var args []any
	var preds []string
	for _, cond := range options.Conditions {
		if cond.Field == "" || !validConditionType(cond.Type) {
			continue
		}
		args = append(args, cond.Value)
		if cond.Type == Any {
			preds = append(preds, fmt.Sprintf("%s = ANY($%d)", quoteIdent(cond.Field), len(args)))
			continue
		}
		preds = append(preds, fmt.Sprintf("%s %s $%d", quoteIdent(cond.Field), cond.Type, len(args)))
	}
	if len(preds) > 0 {
		q.WriteString(" WHERE ")
		q.WriteString(strings.Join(preds, " AND "))
	}

	if len(options.orders) > 0 {
		parts := make([]string, len(options.orders))
		for i, o := range options.orders {
			dir := "ASC"
			if o.desc {
				dir = "DESC"
			}
			parts[i] = quoteIdent(o.column) + " " + dir
		}
		q.WriteString(" ORDER BY ")
		q.WriteString(strings.Join(parts, ", "))
	}

	if options.Limit != noLimit {
		args = append(args, options.Limit)
		fmt.Fprintf(&q, " LIMIT $%d", len(args))
	}
	if options.Offset != noLimit {
		args = append(args, options.Offset)
		fmt.Fprintf(&q, " OFFSET $%d", len(args))
	}

	return q.String(), args
}
