// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package query

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// Operator is a filter comparison operator
type Operator string

// The supported operators
const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpLike     Operator = "like"
	OpILike    Operator = "ilike"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
)

// ErrUnsupportedOperator is returned when a filter names an operator outside the supported set
var ErrUnsupportedOperator = errors.New("unsupported operator")

// predicates maps every supported operator to the builder method applying it
var predicates = map[Operator]func(q *Query, column string, value any) *Query{
	OpEq:       (*Query).Eq,
	OpNeq:      (*Query).Neq,
	OpGt:       (*Query).Gt,
	OpGte:      (*Query).Gte,
	OpLt:       (*Query).Lt,
	OpLte:      (*Query).Lte,
	OpLike:     (*Query).Like,
	OpILike:    (*Query).ILike,
	OpIn:       (*Query).In,
	OpContains: (*Query).Contains,
}

// Supported returns true if op is one of the supported operators
func (op Operator) Supported() bool {
	_, ok := predicates[op]
	return ok
}

// Condition restricts one column
type Condition struct {
	Column   string
	Operator Operator
	Value    any
}

// Filter is a conjunction of conditions
type Filter []Condition

// Where returns a filter with a single condition
func Where(column string, op Operator, value any) Filter {
	return Filter{{Column: column, Operator: op, Value: value}}
}

// And returns a new filter with an additional condition
func (f Filter) And(column string, op Operator, value any) Filter {
	n := make(Filter, len(f), len(f)+1)
	copy(n, f)
	return append(n, Condition{Column: column, Operator: op, Value: value})
}

// Apply adds every condition of filter as predicate to q. An empty filter returns q
// unchanged. A condition with an unsupported operator fails the whole filter.
func Apply(q *Query, filter Filter) (*Query, error) {
	for _, c := range filter {
		predicate, ok := predicates[c.Operator]
		if !ok {
			return nil, fmt.Errorf("%w '%s' for column '%s'", ErrUnsupportedOperator, c.Operator, c.Column)
		}
		q = predicate(q, c.Column, c.Value)
	}
	return q, nil
}

// EqualityValues returns the values of all eq conditions with a non-nil value
func (f Filter) EqualityValues() Record {
	values := Record{}
	for _, c := range f {
		if c.Operator == OpEq && c.Value != nil {
			values[c.Column] = c.Value
		}
	}
	return values
}

// MarshalJSON encodes the filter as { column: [operator, value], ... }
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string][2]any, len(f))
	for _, c := range f {
		m[c.Column] = [2]any{c.Operator, c.Value}
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes { column: [operator, value], ... }. Conditions are ordered by
// column name. Numbers are kept as json.Number.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("cannot parse filter: %w", err)
	}
	columns := make([]string, 0, len(raw))
	for column := range raw {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	filter := make(Filter, 0, len(raw))
	for _, column := range columns {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw[column], &pair); err != nil || len(pair) != 2 {
			return fmt.Errorf("cannot parse filter for column '%s', must be [operator, value]", column)
		}
		var op string
		if err := json.Unmarshal(pair[0], &op); err != nil {
			return fmt.Errorf("cannot parse operator for column '%s': %w", column, err)
		}
		var value any
		decoder := json.NewDecoder(bytes.NewReader(pair[1]))
		decoder.UseNumber()
		if err := decoder.Decode(&value); err != nil {
			return fmt.Errorf("cannot parse value for column '%s': %w", column, err)
		}
		filter = append(filter, Condition{Column: column, Operator: Operator(op), Value: value})
	}
	*f = filter
	return nil
}

// FilterFromValues parses query parameters of the form column=operator.value, for
// example customerid=eq.7 or orderstatus=in.(Incomplete,Shipped). Values stay strings;
// the database converts them to the column type. Parameters are ordered by column name.
func FilterFromValues(values url.Values) (Filter, error) {
	columns := make([]string, 0, len(values))
	for column := range values {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	var filter Filter
	for _, column := range columns {
		for _, v := range values[column] {
			i := strings.IndexRune(v, '.')
			if i < 1 {
				return nil, fmt.Errorf("cannot parse filter '%s=%s', must be of type column=operator.value", column, v)
			}
			op := Operator(v[:i])
			var value any = v[i+1:]
			if op == OpIn {
				list, err := parseList(v[i+1:])
				if err != nil {
					return nil, fmt.Errorf("cannot parse filter '%s=%s': %w", column, v, err)
				}
				value = list
			}
			filter = append(filter, Condition{Column: column, Operator: op, Value: value})
		}
	}
	return filter, nil
}

// parseList parses (a,b,"c,d") into its elements
func parseList(s string) ([]any, error) {
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return nil, errors.New("list must be enclosed in parentheses")
	}
	s = s[1 : len(s)-1]
	list := []any{}
	if len(s) == 0 {
		return list, nil
	}
	var current strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			list = append(list, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if quoted {
		return nil, errors.New("unterminated quote in list")
	}
	return append(list, current.String()), nil
}
