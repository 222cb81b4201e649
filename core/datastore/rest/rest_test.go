package rest_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/orderdesk/core/datastore"
	"github.com/relabs-tech/orderdesk/core/datastore/rest"
	"github.com/relabs-tech/orderdesk/core/query"
)

type captured struct {
	method string
	path   string
	query  map[string][]string
	header http.Header
	body   string
}

func newServer(t *testing.T, status int, response string) (*httptest.Server, *captured) {
	c := &captured{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.method = r.Method
		c.path = r.URL.Path
		c.query = r.URL.Query()
		c.header = r.Header.Clone()
		c.body = string(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(server.Close)
	return server, c
}

func TestNew(t *testing.T) {
	_, err := rest.New("", "key", nil)
	assert.Error(t, err)
	_, err = rest.New("https://project.supabase.co", "", nil)
	assert.Error(t, err)
	_, err = rest.New("https://project.supabase.co/", "key", nil)
	assert.NoError(t, err)
}

func TestExecute_Select(t *testing.T) {
	server, c := newServer(t, http.StatusOK, `[{"customerid": 7, "customerphoneno": 254777777777}]`)
	driver, err := rest.New(server.URL+"/", "secret", server.Client())
	require.NoError(t, err)

	q := query.From("customers").Select().
		Eq("customerid", json.Number("7")).
		In("customerlname", []any{"Doe", "van Dyke", "O,Neil"}).
		Eq("customerfname", nil)

	response, err := driver.Execute(context.Background(), q)
	require.NoError(t, err)
	records, err := response.Unwrap()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, json.Number("254777777777"), records[0]["customerphoneno"])

	assert.Equal(t, http.MethodGet, c.method)
	assert.Equal(t, "/rest/v1/customers", c.path)
	assert.Equal(t, []string{"eq.7"}, c.query["customerid"])
	assert.Equal(t, []string{`in.(Doe,"van Dyke","O,Neil")`}, c.query["customerlname"])
	assert.Equal(t, []string{"is.null"}, c.query["customerfname"])
	assert.Equal(t, "secret", c.header.Get("apikey"))
	assert.Equal(t, "Bearer secret", c.header.Get("Authorization"))
	assert.Equal(t, "return=representation", c.header.Get("Prefer"))
	assert.Empty(t, c.body)
}

func TestExecute_Mutations(t *testing.T) {
	testCases := []struct {
		name   string
		query  *query.Query
		method string
		prefer string
		params map[string][]string
		body   string
	}{
		{
			name:   "insert",
			query:  query.From("orders").Insert(query.Record{"customerid": 1, "orderitem": "Boards"}),
			method: http.MethodPost,
			prefer: "return=representation",
			body:   `[{"customerid": 1, "orderitem": "Boards"}]`,
		},
		{
			name:   "update",
			query:  query.From("customers").Update(query.Record{"customerlname": "Doe"}).Eq("customerid", 3),
			method: http.MethodPatch,
			prefer: "return=representation",
			params: map[string][]string{"customerid": {"eq.3"}},
			body:   `{"customerlname": "Doe"}`,
		},
		{
			name:   "delete",
			query:  query.From("notifications").Delete().Lte("attempts", 0).Contains("recipients", "+254777777777"),
			method: http.MethodDelete,
			prefer: "return=representation",
			params: map[string][]string{"attempts": {"lte.0"}, "recipients": {`cs."+254777777777"`}},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server, c := newServer(t, http.StatusOK, `[]`)
			driver, err := rest.New(server.URL, "secret", server.Client())
			require.NoError(t, err)

			response, err := driver.Execute(context.Background(), tc.query)
			require.NoError(t, err)
			records, err := response.Unwrap()
			require.NoError(t, err)
			assert.Empty(t, records)

			assert.Equal(t, tc.method, c.method)
			assert.Equal(t, tc.prefer, c.header.Get("Prefer"))
			if tc.params != nil {
				assert.Equal(t, tc.params, c.query)
			}
			if tc.body != "" {
				assert.Equal(t, "application/json", c.header.Get("Content-Type"))
				assert.JSONEq(t, tc.body, c.body)
			} else {
				assert.Empty(t, c.body)
			}
		})
	}
}

func TestExecute_Upsert(t *testing.T) {
	var requests []captured
	responses := []string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests = append(requests, captured{method: r.Method, query: r.URL.Query(), header: r.Header.Clone(), body: string(body)})
		response := responses[0]
		responses = responses[1:]
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(server.Close)
	driver, err := rest.New(server.URL, "secret", server.Client())
	require.NoError(t, err)
	store := datastore.New(driver)
	payload := query.Record{"customerphoneno": 254700000000}
	filter := query.Where("customerlname", query.OpEq, "Doe")

	t.Run("matching rows are updated", func(t *testing.T) {
		requests = nil
		responses = []string{`[{"customerid": 1, "customerlname": "Doe", "customerphoneno": 254700000000}]`}

		records, err := store.Upsert(context.Background(), "customers", payload, filter)
		require.NoError(t, err)
		require.Len(t, records, 1)
		require.Len(t, requests, 1)
		assert.Equal(t, http.MethodPatch, requests[0].method)
		assert.Equal(t, map[string][]string{"customerlname": {"eq.Doe"}}, requests[0].query)
		assert.JSONEq(t, `{"customerphoneno": 254700000000}`, requests[0].body)
		assert.Equal(t, "return=representation", requests[0].header.Get("Prefer"))
	})

	t.Run("no match inserts", func(t *testing.T) {
		requests = nil
		responses = []string{`[]`, `[{"customerid": 2, "customerlname": "Doe", "customerphoneno": 254700000000}]`}

		records, err := store.Upsert(context.Background(), "customers", payload, filter)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, json.Number("2"), records[0]["customerid"])
		require.Len(t, requests, 2)
		assert.Equal(t, http.MethodPatch, requests[0].method)
		assert.Equal(t, http.MethodPost, requests[1].method)
		assert.Empty(t, requests[1].query)
		assert.JSONEq(t, `{"customerlname": "Doe", "customerphoneno": 254700000000}`, requests[1].body)
	})
}

func TestExecute_UpsertError(t *testing.T) {
	server, c := newServer(t, http.StatusBadRequest, `{"code": "42703", "message": "column \"unknown\" does not exist"}`)
	driver, err := rest.New(server.URL, "secret", server.Client())
	require.NoError(t, err)

	response, err := driver.Execute(context.Background(),
		query.From("customers").Upsert(query.Record{"unknown": 1}).Eq("customerid", 1))
	require.NoError(t, err)
	require.NotNil(t, response.Err)
	assert.Equal(t, "42703", response.Err.Code)
	assert.Equal(t, http.MethodPatch, c.method, "no insert after a failed update")
}

func TestExecute_EmptySuccessBody(t *testing.T) {
	server, _ := newServer(t, http.StatusNoContent, ``)
	driver, err := rest.New(server.URL, "secret", server.Client())
	require.NoError(t, err)

	response, err := driver.Execute(context.Background(), query.From("orders").Delete().Eq("orderid", 1))
	require.NoError(t, err)
	records, err := response.Unwrap()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestExecute_ErrorEnvelope(t *testing.T) {
	server, _ := newServer(t, http.StatusNotFound,
		`{"code": "42P01", "message": "relation \"public.unknown\" does not exist", "details": null, "hint": null}`)
	driver, err := rest.New(server.URL, "secret", server.Client())
	require.NoError(t, err)

	response, err := driver.Execute(context.Background(), query.From("unknown").Select())
	require.NoError(t, err)
	require.NotNil(t, response.Err)
	assert.Equal(t, "42P01", response.Err.Code)
	assert.Contains(t, response.Err.Message, "does not exist")

	_, err = datastore.New(driver).Select(context.Background(), "unknown", nil)
	assert.ErrorContains(t, err, "select on table 'unknown' failed: 42P01")
}

func TestExecute_UnstructuredError(t *testing.T) {
	server, _ := newServer(t, http.StatusBadGateway, `upstream unavailable`)
	driver, err := rest.New(server.URL, "secret", server.Client())
	require.NoError(t, err)

	response, err := driver.Execute(context.Background(), query.From("orders").Select())
	require.NoError(t, err)
	require.NotNil(t, response.Err)
	assert.Equal(t, "502", response.Err.Code)
	assert.Equal(t, "Bad Gateway", response.Err.Message)
	assert.Equal(t, "upstream unavailable", response.Err.Details)
}

func TestExecute_TransportError(t *testing.T) {
	server, _ := newServer(t, http.StatusOK, `[]`)
	driver, err := rest.New(server.URL, "secret", server.Client())
	require.NoError(t, err)
	server.Close()

	response, err := driver.Execute(context.Background(), query.From("orders").Select())
	assert.Error(t, err)
	assert.Nil(t, response)
}

func TestExecute_UnsupportedOperator(t *testing.T) {
	server, c := newServer(t, http.StatusOK, `[]`)
	driver, err := rest.New(server.URL, "secret", server.Client())
	require.NoError(t, err)

	_, err = datastore.New(driver).Select(context.Background(), "orders", query.Where("orderid", "between", 1))
	assert.ErrorIs(t, err, query.ErrUnsupportedOperator)
	assert.Empty(t, c.method, "no request must be sent")
}
