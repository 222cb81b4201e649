// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package datastore

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/orderdesk/core/logger"
	"github.com/relabs-tech/orderdesk/core/query"
)

// Record is one row of a table
type Record = query.Record

// Driver executes a query against the managed database and returns its response envelope.
// A returned error means the database could not be reached or the response could not be
// read; errors reported by the database itself travel inside the envelope.
type Driver interface {
	Execute(ctx context.Context, q *query.Query) (*Response, error)
}

// DriverType represents the different type of datastore drivers
type DriverType string

// DriverTypePostgres executes queries directly on a postgres database
const DriverTypePostgres DriverType = "postgres"

// DriverTypeREST executes queries through the hosted REST interface of the database
const DriverTypeREST DriverType = "rest"

// Response is the envelope around the rows returned by a driver. Exactly one of Data and
// Err is set.
type Response struct {
	// Data is a json array of the affected rows
	Data json.RawMessage
	// Err is the error reported by the database
	Err *ResponseError
}

// ResponseError is an error reported by the database
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *ResponseError) Error() string {
	s := e.Message
	if e.Code != "" {
		s = e.Code + ": " + s
	}
	if e.Details != "" {
		s += " (" + e.Details + ")"
	}
	return s
}

// ErrMalformedResponse is returned when a response envelope carries neither rows nor an error,
// or rows which are not a json array of objects
var ErrMalformedResponse = errors.New("malformed response")

// ErrUnfilteredMutation is returned for an update, upsert or delete without filter
var ErrUnfilteredMutation = errors.New("refusing to modify a table without filter")

// Error is the data access error returned by all Store operations
type Error struct {
	Op    string
	Table string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s on table '%s' failed: %s", e.Op, e.Table, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Unwrap returns the rows of the envelope. Numbers are decoded as json.Number. A
// response without rows yields an empty slice.
func (r *Response) Unwrap() ([]Record, error) {
	if r == nil {
		return nil, ErrMalformedResponse
	}
	if r.Err != nil {
		return nil, r.Err
	}
	if r.Data == nil {
		return nil, ErrMalformedResponse
	}
	records := []Record{}
	decoder := json.NewDecoder(bytes.NewReader(r.Data))
	decoder.UseNumber()
	if err := decoder.Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// Store gives record access to the tables of the managed database
type Store struct {
	driver Driver
}

// New returns a store executing its queries with driver
func New(driver Driver) *Store {
	return &Store{driver: driver}
}

// Insert inserts records and returns them as stored, including server assigned columns
func (s *Store) Insert(ctx context.Context, table string, records ...Record) ([]Record, error) {
	return s.run(ctx, "insert", query.From(table).Insert(records...), nil, false)
}

// Update sets the columns of payload on all rows matching filter and returns the updated rows
func (s *Store) Update(ctx context.Context, table string, payload Record, filter query.Filter) ([]Record, error) {
	return s.run(ctx, "update", query.From(table).Update(payload), filter, true)
}

// Upsert updates the rows matching filter with payload. If no row matches, payload
// completed with the equality conditions of filter is inserted.
func (s *Store) Upsert(ctx context.Context, table string, payload Record, filter query.Filter) ([]Record, error) {
	return s.run(ctx, "upsert", query.From(table).Upsert(payload), filter, true)
}

// Delete deletes all rows matching filter and returns them
func (s *Store) Delete(ctx context.Context, table string, filter query.Filter) ([]Record, error) {
	return s.run(ctx, "delete", query.From(table).Delete(), filter, true)
}

// Select returns all rows matching filter, or all rows of the table if filter is empty
func (s *Store) Select(ctx context.Context, table string, filter query.Filter) ([]Record, error) {
	return s.run(ctx, "select", query.From(table).Select(), filter, false)
}

func (s *Store) run(ctx context.Context, op string, q *query.Query, filter query.Filter, needsFilter bool) ([]Record, error) {
	rlog := logger.FromContext(ctx)
	table := q.Table()
	fail := func(err error) ([]Record, error) {
		rlog.WithError(err).Errorf("datastore: %s on %s failed", op, table)
		return nil, &Error{Op: op, Table: table, Err: err}
	}

	if needsFilter && len(filter) == 0 {
		return fail(ErrUnfilteredMutation)
	}
	q, err := query.Apply(q, filter)
	if err != nil {
		return fail(err)
	}
	response, err := s.driver.Execute(ctx, q)
	if err != nil {
		return fail(err)
	}
	records, err := response.Unwrap()
	if err != nil {
		return fail(err)
	}
	rlog.Debugf("datastore: %s on %s returned %d rows", op, table, len(records))
	return records, nil
}
