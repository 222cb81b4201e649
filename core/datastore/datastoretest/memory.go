// Package datastoretest provides an in-memory datastore driver for tests.
package datastoretest

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/orderdesk/core/datastore"
	"github.com/relabs-tech/orderdesk/core/query"
)

// Memory is a datastore driver keeping all tables in memory. Serial columns are
// emulated for the columns named in Serials.
type Memory struct {
	// Serials maps a table to its server assigned identifier column
	Serials map[string]string
	// Defaults are added to every inserted record of a table
	Defaults map[string]query.Record

	mu      sync.Mutex
	tables  map[string][]query.Record
	serial  map[string]int64
	queries []*query.Query
	fail    map[string]error
}

// NewMemory returns an empty driver which assigns customerid and orderid like the
// postgres schema does
func NewMemory() *Memory {
	return &Memory{
		Serials: map[string]string{"customers": "customerid", "orders": "orderid"},
		Defaults: map[string]query.Record{
			"orders": {"orderstatus": "Incomplete"},
		},
		tables: map[string][]query.Record{},
		serial: map[string]int64{},
		fail:   map[string]error{},
	}
}

// FailOn makes every query on table fail with err. A nil err removes the failure.
func (m *Memory) FailOn(table string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, table)
		return
	}
	m.fail[table] = err
}

// Rows returns a copy of all rows of table
func (m *Memory) Rows(table string) []query.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]query.Record, 0, len(m.tables[table]))
	for _, r := range m.tables[table] {
		rows = append(rows, copyRecord(r))
	}
	return rows
}

// Queries returns all executed queries
func (m *Memory) Queries() []*query.Query {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*query.Query(nil), m.queries...)
}

// Execute implements datastore.Driver
func (m *Memory) Execute(ctx context.Context, q *query.Query) (*datastore.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, q)
	if err := m.fail[q.Table()]; err != nil {
		return nil, err
	}

	table := q.Table()
	out := []query.Record{}
	switch q.Kind() {
	case query.KindInsert:
		for _, payload := range q.Payload() {
			out = append(out, m.insert(table, payload))
		}
	case query.KindSelect:
		for _, r := range m.tables[table] {
			if matches(r, q.Predicates()) {
				out = append(out, copyRecord(r))
			}
		}
	case query.KindUpdate, query.KindUpsert:
		payload := normalize(q.Payload()[0])
		for _, r := range m.tables[table] {
			if matches(r, q.Predicates()) {
				for column, value := range payload {
					r[column] = value
				}
				out = append(out, copyRecord(r))
			}
		}
		if len(out) == 0 && q.Kind() == query.KindUpsert {
			record := query.Record{}
			for _, p := range q.Predicates() {
				if p.Operator == query.OpEq && p.Value != nil {
					record[p.Column] = p.Value
				}
			}
			for column, value := range payload {
				record[column] = value
			}
			out = append(out, m.insert(table, record))
		}
	case query.KindDelete:
		var kept []query.Record
		for _, r := range m.tables[table] {
			if matches(r, q.Predicates()) {
				out = append(out, r)
			} else {
				kept = append(kept, r)
			}
		}
		m.tables[table] = kept
	default:
		return nil, fmt.Errorf("unsupported query kind %s", q.Kind())
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return &datastore.Response{Data: data}, nil
}

func (m *Memory) insert(table string, payload query.Record) query.Record {
	record := query.Record{}
	for column, value := range m.Defaults[table] {
		record[column] = value
	}
	if column, ok := m.Serials[table]; ok {
		if _, given := payload[column]; !given {
			m.serial[table]++
			record[column] = m.serial[table]
		}
	}
	for column, value := range payload {
		record[column] = value
	}
	record = normalize(record)
	m.tables[table] = append(m.tables[table], record)
	return copyRecord(record)
}

// normalize converts values into their json decoded form
func normalize(r query.Record) query.Record {
	data, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	out := query.Record{}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&out); err != nil {
		panic(err)
	}
	return out
}

func copyRecord(r query.Record) query.Record {
	out := make(query.Record, len(r))
	for column, value := range r {
		out[column] = value
	}
	return out
}

func matches(r query.Record, predicates []query.Predicate) bool {
	for _, p := range predicates {
		value, ok := r[p.Column]
		if !ok {
			value = nil
		}
		if !match(value, p.Operator, p.Value) {
			return false
		}
	}
	return true
}

func match(value any, op query.Operator, operand any) bool {
	switch op {
	case query.OpEq:
		if operand == nil {
			return value == nil
		}
		return value != nil && text(value) == text(operand)
	case query.OpNeq:
		if operand == nil {
			return value != nil
		}
		return value != nil && text(value) != text(operand)
	case query.OpGt, query.OpGte, query.OpLt, query.OpLte:
		a, errA := strconv.ParseFloat(text(value), 64)
		b, errB := strconv.ParseFloat(text(operand), 64)
		if errA != nil || errB != nil {
			return false
		}
		switch op {
		case query.OpGt:
			return a > b
		case query.OpGte:
			return a >= b
		case query.OpLt:
			return a < b
		}
		return a <= b
	case query.OpLike, query.OpILike:
		if value == nil {
			return false
		}
		return like(text(value), text(operand), op == query.OpILike)
	case query.OpIn:
		list, ok := decoded(operand).([]any)
		if !ok {
			list = []any{operand}
		}
		for _, e := range list {
			if e != nil && value != nil && text(value) == text(e) {
				return true
			}
		}
		return false
	case query.OpContains:
		return value != nil && contains(value, decoded(operand))
	}
	return false
}

// contains follows the jsonb @> operator: objects contain their sub-objects, arrays
// contain every element of the operand array, and an array contains a scalar element
func contains(value, operand any) bool {
	switch o := operand.(type) {
	case map[string]any:
		v, ok := value.(map[string]any)
		if !ok {
			return false
		}
		for key, wanted := range o {
			got, ok := v[key]
			if !ok || !contains(got, wanted) {
				return false
			}
		}
		return true
	case []any:
		v, ok := value.([]any)
		if !ok {
			return false
		}
		for _, wanted := range o {
			found := false
			for _, e := range v {
				if contains(e, wanted) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}
	if list, ok := value.([]any); ok {
		for _, e := range list {
			if contains(e, operand) {
				return true
			}
		}
		return false
	}
	switch value.(type) {
	case map[string]any:
		return false
	}
	return text(value) == text(operand)
}

// like matches s against a SQL pattern with the wildcards % and _
func like(s, pattern string, caseInsensitive bool) bool {
	var expr strings.Builder
	if caseInsensitive {
		expr.WriteString("(?i)")
	}
	expr.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '%':
			expr.WriteString(".*")
		case '_':
			expr.WriteString(".")
		default:
			expr.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	expr.WriteString("$")
	matched, err := regexp.MatchString(expr.String(), s)
	return err == nil && matched
}

// decoded returns value in the form it would have after a json round trip
func decoded(value any) any {
	switch value.(type) {
	case []any, map[string]any, nil:
		return value
	}
	data, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var out any
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&out); err != nil {
		return value
	}
	return out
}

func text(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return fmt.Sprint(value)
}
