// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package postgres is a datastore driver which executes queries directly on postgres.
//
// Every query becomes one statement whose single result column is a json array of
// the affected rows. Payloads travel as one json parameter and are mapped to the
// table's columns with json_populate_record(set), so postgres performs all type
// conversions.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/relabs-tech/orderdesk/core/csql"
	"github.com/relabs-tech/orderdesk/core/datastore"
	"github.com/relabs-tech/orderdesk/core/logger"
	"github.com/relabs-tech/orderdesk/core/query"
)

// Driver executes queries on a postgres schema
type Driver struct {
	db *csql.DB
}

// New returns a driver for db
func New(db *csql.DB) *Driver {
	return &Driver{db: db}
}

// Bootstrap creates the customers, orders and notifications tables if they do not exist yet
func (d *Driver) Bootstrap(ctx context.Context) error {
	customers, orders, notifications := d.db.Quote("customers"), d.db.Quote("orders"), d.db.Quote("notifications")
	createQuery := `CREATE table IF NOT EXISTS ` + customers + ` (
customerid bigserial PRIMARY KEY,
customerfname text,
customerlname text,
customerphoneno bigint
);
CREATE table IF NOT EXISTS ` + orders + ` (
orderid bigserial PRIMARY KEY,
customerid bigint,
orderitem text,
orderamount numeric,
orderstatus text NOT NULL DEFAULT 'Incomplete',
ordertime timestamptz NOT NULL DEFAULT now()
);
CREATE index IF NOT EXISTS orders_customerid_index ON ` + orders + `(customerid);
CREATE table IF NOT EXISTS ` + notifications + ` (
notificationid uuid PRIMARY KEY,
orderid bigint,
message text NOT NULL DEFAULT '',
recipients jsonb NOT NULL DEFAULT '[]'::jsonb,
status text NOT NULL,
attempts integer NOT NULL DEFAULT 0,
lasterror text NOT NULL DEFAULT '',
response jsonb,
context jsonb NOT NULL DEFAULT '{}'::jsonb,
createdat timestamptz NOT NULL DEFAULT now(),
updatedat timestamptz NOT NULL DEFAULT now()
);
CREATE index IF NOT EXISTS notifications_status_index ON ` + notifications + `(status, attempts);
`
	if _, err := d.db.ExecContext(ctx, createQuery); err != nil {
		return fmt.Errorf("cannot create tables: %w", err)
	}
	logger.FromContext(ctx).Infoln("datastore tables ready in schema", d.db.Schema)
	return nil
}

// Execute runs q and returns the affected rows. Errors reported by postgres are
// returned inside the envelope.
func (d *Driver) Execute(ctx context.Context, q *query.Query) (*datastore.Response, error) {
	statement, args, err := d.Render(q)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debugln("postgres:", statement)

	var data []byte
	err = d.db.QueryRowContext(ctx, statement, args...).Scan(&data)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return &datastore.Response{Err: &datastore.ResponseError{
				Code:    string(pqErr.Code),
				Message: pqErr.Message,
				Details: pqErr.Detail,
				Hint:    pqErr.Hint,
			}}, nil
		}
		return nil, err
	}
	return &datastore.Response{Data: json.RawMessage(data)}, nil
}

const aggregate = ` SELECT coalesce(json_agg(r), '[]'::json) FROM r;`

// Render returns the sql statement and its parameters for q
func (d *Driver) Render(q *query.Query) (string, []any, error) {
	if !csql.ValidIdentifier(q.Table()) {
		return "", nil, fmt.Errorf("invalid table name '%s'", q.Table())
	}
	table := d.db.Quote(q.Table())

	switch q.Kind() {
	case query.KindSelect:
		where, args, err := renderWhere(q.Predicates(), 1)
		if err != nil {
			return "", nil, err
		}
		return `WITH r AS (SELECT t.* FROM ` + table + ` AS t` + where + `)` + aggregate, args, nil

	case query.KindDelete:
		where, args, err := renderWhere(q.Predicates(), 1)
		if err != nil {
			return "", nil, err
		}
		return `WITH r AS (DELETE FROM ` + table + ` AS t` + where + ` RETURNING t.*)` + aggregate, args, nil

	case query.KindInsert:
		columns, err := payloadColumns(q.Payload())
		if err != nil {
			return "", nil, err
		}
		payload, err := json.Marshal(q.Payload())
		if err != nil {
			return "", nil, fmt.Errorf("cannot encode payload: %w", err)
		}
		list := strings.Join(columns, ",")
		statement := `WITH r AS (INSERT INTO ` + table + ` AS t (` + list + `) SELECT ` + list +
			` FROM json_populate_recordset(NULL::` + table + `, $1) RETURNING t.*)` + aggregate
		return statement, []any{string(payload)}, nil

	case query.KindUpdate:
		columns, err := payloadColumns(q.Payload())
		if err != nil {
			return "", nil, err
		}
		payload, err := json.Marshal(q.Payload()[0])
		if err != nil {
			return "", nil, fmt.Errorf("cannot encode payload: %w", err)
		}
		where, args, err := renderWhere(q.Predicates(), 2)
		if err != nil {
			return "", nil, err
		}
		statement := `WITH p AS (SELECT * FROM json_populate_record(NULL::` + table + `, $1)),` +
			` r AS (UPDATE ` + table + ` AS t SET ` + setList(columns) + ` FROM p` + where + ` RETURNING t.*)` + aggregate
		return statement, append([]any{string(payload)}, args...), nil

	case query.KindUpsert:
		columns, err := payloadColumns(q.Payload())
		if err != nil {
			return "", nil, err
		}
		update := q.Payload()[0]
		insert := query.Record{}
		for column, value := range update {
			insert[column] = value
		}
		for _, p := range q.Predicates() {
			if p.Operator == query.OpEq && p.Value != nil {
				if _, ok := insert[p.Column]; !ok {
					insert[p.Column] = p.Value
				}
			}
		}
		insertColumns, err := payloadColumns([]query.Record{insert})
		if err != nil {
			return "", nil, err
		}
		updatePayload, err := json.Marshal(update)
		if err != nil {
			return "", nil, fmt.Errorf("cannot encode payload: %w", err)
		}
		insertPayload, err := json.Marshal(insert)
		if err != nil {
			return "", nil, fmt.Errorf("cannot encode payload: %w", err)
		}
		where, args, err := renderWhere(q.Predicates(), 3)
		if err != nil {
			return "", nil, err
		}
		list := strings.Join(insertColumns, ",")
		statement := `WITH p AS (SELECT * FROM json_populate_record(NULL::` + table + `, $1)),` +
			` u AS (UPDATE ` + table + ` AS t SET ` + setList(columns) + ` FROM p` + where + ` RETURNING t.*),` +
			` i AS (INSERT INTO ` + table + ` (` + list + `) SELECT ` + list + ` FROM json_populate_record(NULL::` + table + `, $2)` +
			` WHERE NOT EXISTS (SELECT 1 FROM u) RETURNING *),` +
			` r AS (SELECT * FROM u UNION ALL SELECT * FROM i)` + aggregate
		return statement, append([]any{string(updatePayload), string(insertPayload)}, args...), nil
	}
	return "", nil, fmt.Errorf("unsupported query kind %s", q.Kind())
}

// payloadColumns returns the sorted, quoted union of all columns in records
func payloadColumns(records []query.Record) ([]string, error) {
	seen := map[string]bool{}
	for _, record := range records {
		for column := range record {
			if !csql.ValidIdentifier(column) {
				return nil, fmt.Errorf("invalid column name '%s'", column)
			}
			seen[column] = true
		}
	}
	if len(seen) == 0 {
		return nil, errors.New("payload has no columns")
	}
	columns := make([]string, 0, len(seen))
	for column := range seen {
		columns = append(columns, `"`+column+`"`)
	}
	sort.Strings(columns)
	return columns, nil
}

func setList(columns []string) string {
	assignments := make([]string, len(columns))
	for i, column := range columns {
		assignments[i] = column + " = p." + column
	}
	return strings.Join(assignments, ", ")
}

// renderWhere returns " WHERE a AND b ..." with parameters numbered from first on
func renderWhere(predicates []query.Predicate, first int) (string, []any, error) {
	if len(predicates) == 0 {
		return "", nil, nil
	}
	var conditions []string
	var args []any
	for _, p := range predicates {
		if !csql.ValidIdentifier(p.Column) {
			return "", nil, fmt.Errorf("invalid column name '%s'", p.Column)
		}
		column := `t."` + p.Column + `"`
		param := "$" + strconv.Itoa(first+len(args))

		var condition string
		var arg any
		switch p.Operator {
		case query.OpEq, query.OpNeq:
			if p.Value == nil {
				if p.Operator == query.OpEq {
					conditions = append(conditions, column+" IS NULL")
				} else {
					conditions = append(conditions, column+" IS NOT NULL")
				}
				continue
			}
			condition, arg = column+comparison[p.Operator]+param, scalar(p.Value)
		case query.OpGt, query.OpGte, query.OpLt, query.OpLte, query.OpLike, query.OpILike:
			condition, arg = column+comparison[p.Operator]+param, scalar(p.Value)
		case query.OpIn:
			condition, arg = column+" = ANY("+param+")", pq.Array(textList(p.Value))
		case query.OpContains:
			data, err := json.Marshal(p.Value)
			if err != nil {
				return "", nil, fmt.Errorf("cannot encode value for column '%s': %w", p.Column, err)
			}
			condition, arg = column+" @> "+param+"::jsonb", string(data)
		default:
			return "", nil, fmt.Errorf("%w '%s' for column '%s'", query.ErrUnsupportedOperator, p.Operator, p.Column)
		}
		conditions = append(conditions, condition)
		args = append(args, arg)
	}
	return " WHERE " + strings.Join(conditions, " AND "), args, nil
}

var comparison = map[query.Operator]string{
	query.OpEq:    " = ",
	query.OpNeq:   " <> ",
	query.OpGt:    " > ",
	query.OpGte:   " >= ",
	query.OpLt:    " < ",
	query.OpLte:   " <= ",
	query.OpLike:  " LIKE ",
	query.OpILike: " ILIKE ",
}

// scalar converts a filter value into a driver parameter
func scalar(value any) any {
	switch v := value.(type) {
	case json.Number:
		return v.String()
	case map[string]any, query.Record, []any, []string:
		data, _ := json.Marshal(v)
		return string(data)
	}
	return value
}

// textList converts a set of values into their text representation. Postgres parses
// the elements according to the column type.
func textList(value any) []string {
	var values []any
	switch v := value.(type) {
	case []any:
		values = v
	case []string:
		return v
	default:
		values = []any{v}
	}
	list := make([]string, 0, len(values))
	for _, v := range values {
		switch v := v.(type) {
		case nil:
			continue
		case string:
			list = append(list, v)
		case json.Number:
			list = append(list, v.String())
		default:
			list = append(list, fmt.Sprint(v))
		}
	}
	return list
}
