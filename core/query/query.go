/*
Package query describes operations against a table of the managed database.

A Query is built once and executed by a datastore driver:

	q := query.From("customers").Select().Eq("customerid", 7)

Builder methods never modify the receiver, they return a new Query. Predicates
are combined with AND; there is no OR and no grouping.
*/
package query

import "fmt"

// Record is one row of a table, column name to value
type Record map[string]any

// Kind is the kind of operation a query performs
type Kind int

// The supported query kinds
const (
	KindSelect Kind = iota
	KindInsert
	KindUpdate
	KindUpsert
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindSelect:
		return "select"
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindUpsert:
		return "upsert"
	case KindDelete:
		return "delete"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Predicate is one "column operator value" restriction
type Predicate struct {
	Column   string
	Operator Operator
	Value    any
}

// Table is the starting point of a query
type Table struct {
	name string
}

// From starts a query on the named table
func From(table string) Table {
	return Table{name: table}
}

// Select returns a query for all columns of all rows
func (t Table) Select() *Query {
	return &Query{table: t.name, kind: KindSelect}
}

// Insert returns a query which inserts records
func (t Table) Insert(records ...Record) *Query {
	return &Query{table: t.name, kind: KindInsert, payload: records}
}

// Update returns a query which sets the columns of payload
func (t Table) Update(payload Record) *Query {
	return &Query{table: t.name, kind: KindUpdate, payload: []Record{payload}}
}

// Upsert returns a query which updates matching rows with payload, or inserts it if
// no row matches
func (t Table) Upsert(payload Record) *Query {
	return &Query{table: t.name, kind: KindUpsert, payload: []Record{payload}}
}

// Delete returns a query which deletes rows
func (t Table) Delete() *Query {
	return &Query{table: t.name, kind: KindDelete}
}

// Query is an immutable description of one database operation
type Query struct {
	table      string
	kind       Kind
	payload    []Record
	predicates []Predicate
}

// Table returns the table name
func (q *Query) Table() string { return q.table }

// Kind returns the operation kind
func (q *Query) Kind() Kind { return q.kind }

// Payload returns the records to insert, or the single record to update/upsert
func (q *Query) Payload() []Record { return q.payload }

// Predicates returns all predicates in the order they were added
func (q *Query) Predicates() []Predicate {
	return append([]Predicate(nil), q.predicates...)
}

func (q *Query) where(column string, op Operator, value any) *Query {
	n := *q
	n.predicates = make([]Predicate, len(q.predicates), len(q.predicates)+1)
	copy(n.predicates, q.predicates)
	n.predicates = append(n.predicates, Predicate{Column: column, Operator: op, Value: value})
	return &n
}

// Eq restricts to rows where column equals value. A nil value matches NULL.
func (q *Query) Eq(column string, value any) *Query { return q.where(column, OpEq, value) }

// Neq restricts to rows where column does not equal value
func (q *Query) Neq(column string, value any) *Query { return q.where(column, OpNeq, value) }

// Gt restricts to rows where column is greater than value
func (q *Query) Gt(column string, value any) *Query { return q.where(column, OpGt, value) }

// Gte restricts to rows where column is greater than or equal to value
func (q *Query) Gte(column string, value any) *Query { return q.where(column, OpGte, value) }

// Lt restricts to rows where column is less than value
func (q *Query) Lt(column string, value any) *Query { return q.where(column, OpLt, value) }

// Lte restricts to rows where column is less than or equal to value
func (q *Query) Lte(column string, value any) *Query { return q.where(column, OpLte, value) }

// Like restricts to rows where column matches the pattern, case sensitive
func (q *Query) Like(column string, pattern any) *Query { return q.where(column, OpLike, pattern) }

// ILike restricts to rows where column matches the pattern, case insensitive
func (q *Query) ILike(column string, pattern any) *Query { return q.where(column, OpILike, pattern) }

// In restricts to rows where column is one of values. A non-slice value is treated
// as a set of one.
func (q *Query) In(column string, values any) *Query { return q.where(column, OpIn, values) }

// Contains restricts to rows where the jsonb column contains value, as the @> operator
// does. value is encoded as json, so a scalar matches an array holding it.
func (q *Query) Contains(column string, value any) *Query {
	return q.where(column, OpContains, value)
}
