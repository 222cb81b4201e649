// Package rest is a datastore driver for the hosted REST interface (PostgREST) of a
// managed postgres database, as offered by Supabase.
package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/orderdesk/core/datastore"
	"github.com/relabs-tech/orderdesk/core/logger"
	"github.com/relabs-tech/orderdesk/core/query"
)

// Driver executes queries through PostgREST
type Driver struct {
	baseURL    string
	key        string
	httpClient *http.Client
}

// New returns a driver for the project at baseURL, authenticating with key. If httpClient
// is nil, a client with a 10 seconds timeout is used.
func New(baseURL, key string, httpClient *http.Client) (*Driver, error) {
	if baseURL == "" {
		return nil, errors.New("missing base url")
	}
	if key == "" {
		return nil, errors.New("missing api key")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Driver{
		baseURL:    strings.TrimRight(baseURL, "/"),
		key:        key,
		httpClient: httpClient,
	}, nil
}

// Execute sends q as http request. An upsert takes a second request when the update
// matched no row. Errors reported by the endpoint are returned inside the envelope.
func (d *Driver) Execute(ctx context.Context, q *query.Query) (*datastore.Response, error) {
	req, err := d.NewRequest(ctx, q)
	if err != nil {
		return nil, err
	}
	response, err := d.do(ctx, req)
	if err != nil || response.Err != nil || q.Kind() != query.KindUpsert {
		return response, err
	}
	if matched, err := hasRows(response.Data); err != nil || matched {
		return response, err
	}

	// no row matched the update, insert instead
	req, err = d.newRequest(ctx, http.MethodPost, q.Table(), nil, upsertRecord(q))
	if err != nil {
		return nil, err
	}
	return d.do(ctx, req)
}

func (d *Driver) do(ctx context.Context, req *http.Request) (*datastore.Response, error) {
	rlog := logger.FromContext(ctx)
	rlog.Debugln("rest:", req.Method, req.URL.String())

	res, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("cannot read response body: %w", err)
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		if len(bytes.TrimSpace(body)) == 0 {
			body = []byte("[]")
		}
		return &datastore.Response{Data: json.RawMessage(body)}, nil
	}

	responseErr := &datastore.ResponseError{}
	if err := json.Unmarshal(body, responseErr); err != nil || responseErr.Message == "" {
		responseErr = &datastore.ResponseError{Message: http.StatusText(res.StatusCode)}
		if len(body) > 0 && len(body) < 200 {
			responseErr.Details = string(body)
		}
	}
	if responseErr.Code == "" {
		responseErr.Code = strconv.Itoa(res.StatusCode)
	}
	rlog.Debugf("rest: status %d: %s", res.StatusCode, responseErr)
	return &datastore.Response{Err: responseErr}, nil
}

// NewRequest returns the http request for q. For an upsert this is the update of the
// matching rows, Execute follows up with an insert if none matched.
func (d *Driver) NewRequest(ctx context.Context, q *query.Query) (*http.Request, error) {
	if q.Table() == "" {
		return nil, errors.New("missing table name")
	}

	values := url.Values{}
	for _, p := range q.Predicates() {
		value, err := renderPredicate(p)
		if err != nil {
			return nil, err
		}
		values.Add(p.Column, value)
	}

	switch q.Kind() {
	case query.KindSelect:
		return d.newRequest(ctx, http.MethodGet, q.Table(), values, nil)
	case query.KindInsert:
		if len(q.Payload()) == 0 {
			return nil, errors.New("payload has no records")
		}
		return d.newRequest(ctx, http.MethodPost, q.Table(), values, q.Payload())
	case query.KindUpdate, query.KindUpsert:
		return d.newRequest(ctx, http.MethodPatch, q.Table(), values, q.Payload()[0])
	case query.KindDelete:
		return d.newRequest(ctx, http.MethodDelete, q.Table(), values, nil)
	}
	return nil, fmt.Errorf("unsupported query kind %s", q.Kind())
}

func (d *Driver) newRequest(ctx context.Context, method, table string, values url.Values, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("cannot encode payload: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	u := d.baseURL + "/rest/v1/" + url.PathEscape(table)
	if len(values) > 0 {
		u += "?" + values.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", d.key)
	req.Header.Set("Authorization", "Bearer "+d.key)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", "return=representation")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID := logger.RequestIDFromContext(ctx); requestID != "" {
		req.Header.Set(logger.RequestIDHeader, requestID)
	}
	return req, nil
}

// upsertRecord returns the payload of q completed by its equality conditions
func upsertRecord(q *query.Query) query.Record {
	record := query.Record{}
	for _, p := range q.Predicates() {
		if p.Operator == query.OpEq && p.Value != nil {
			record[p.Column] = p.Value
		}
	}
	for column, value := range q.Payload()[0] {
		record[column] = value
	}
	return record
}

func hasRows(data json.RawMessage) (bool, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return false, fmt.Errorf("cannot decode response: %w", err)
	}
	return len(rows) > 0, nil
}

var restOperators = map[query.Operator]string{
	query.OpEq:    "eq",
	query.OpNeq:   "neq",
	query.OpGt:    "gt",
	query.OpGte:   "gte",
	query.OpLt:    "lt",
	query.OpLte:   "lte",
	query.OpLike:  "like",
	query.OpILike: "ilike",
}

// renderPredicate returns the PostgREST filter expression "op.value" for p
func renderPredicate(p query.Predicate) (string, error) {
	switch p.Operator {
	case query.OpEq, query.OpNeq:
		if p.Value == nil {
			if p.Operator == query.OpEq {
				return "is.null", nil
			}
			return "not.is.null", nil
		}
	case query.OpIn:
		return "in.(" + renderList(p.Value) + ")", nil
	case query.OpContains:
		// jsonb columns only
		data, err := json.Marshal(p.Value)
		if err != nil {
			return "", fmt.Errorf("cannot encode value for column '%s': %w", p.Column, err)
		}
		return "cs." + string(data), nil
	}
	op, ok := restOperators[p.Operator]
	if !ok {
		return "", fmt.Errorf("%w '%s' for column '%s'", query.ErrUnsupportedOperator, p.Operator, p.Column)
	}
	return op + "." + text(p.Value), nil
}

func renderList(value any) string {
	var values []any
	switch v := value.(type) {
	case []any:
		values = v
	case []string:
		for _, s := range v {
			values = append(values, s)
		}
	default:
		values = []any{v}
	}
	elements := make([]string, 0, len(values))
	for _, v := range values {
		if v == nil {
			continue
		}
		s := text(v)
		if s == "" || strings.ContainsAny(s, `,()" \`) {
			s = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
		}
		elements = append(elements, s)
	}
	return strings.Join(elements, ",")
}

func text(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case time.Time:
		return v.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(value)
}
