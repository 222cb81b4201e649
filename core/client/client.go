// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy and fast access to the orderdesk REST api

A client created with NewWithRouter talks directly to the router instead of
marshalling HTTP. It is perfectly suited for unit tests:

	c := client.NewWithRouter(router).WithScopes("read:orders")
	var orders []map[string]any
	status, err := c.Orders().WithFilter("orderstatus", "eq", "Incomplete").List(&orders)

A client created with NewWithURL makes real HTTP requests and passes its token as
bearer token.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/orderdesk/core/access"
)

// Client provides easy access to the REST API.
type Client struct {
	router     http.Handler
	httpClient *http.Client
	url        string
	token      string
	auth       *access.Authorization
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the router
//
// WithAuthorization() adds an authorization to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router http.Handler) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the backend
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            strings.TrimSuffix(url, "/"),
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := map[string]string{key: value}
	for k, v := range c.defaultHeaders {
		if k != key {
			headers[k] = v
		}
	}
	c.defaultHeaders = headers
	return c
}

// WithToken returns a new client which sends token as bearer token
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAuthorization returns a new client with specific authorizations
// (this works only directly against the router, for a normal client
// use WithToken())
func (c Client) WithAuthorization(auth *access.Authorization) Client {
	c.auth = auth
	return c
}

// WithScopes returns a new client which is granted scopes
// (this works only directly against the router, for a normal client
// use WithToken())
func (c Client) WithScopes(scopes ...string) Client {
	return c.WithAuthorization(&access.Authorization{Subject: "client", Scopes: scopes})
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context of the client
func (c Client) Context() context.Context {
	ctx := c.ctx
	if c.ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = access.ContextWithAuthorization(ctx, c.auth)
	}
	return ctx
}

// Resource is one resource of the API, for example /orders
type Resource struct {
	client     *Client
	path       string
	parameters url.Values
}

// Customers returns the /customers resource
func (c Client) Customers() Resource { return c.Resource("customers") }

// Orders returns the /orders resource
func (c Client) Orders() Resource { return c.Resource("orders") }

// Notifications returns the /notifications resource
func (c Client) Notifications() Resource { return c.Resource("notifications") }

// Resource returns a resource client for /name
func (c Client) Resource(name string) Resource {
	return Resource{client: &c, path: "/" + name, parameters: url.Values{}}
}

// WithFilter returns a new resource client with the filter column=operator.value added
func (r Resource) WithFilter(column, operator, value string) Resource {
	parameters := url.Values{}
	for k, v := range r.parameters {
		parameters[k] = append([]string(nil), v...)
	}
	parameters.Add(column, operator+"."+value)
	return Resource{client: r.client, path: r.path, parameters: parameters}
}

// Path returns the path of the resource including the filter
func (r Resource) Path() string {
	if len(r.parameters) == 0 {
		return r.path
	}
	return r.path + "?" + r.parameters.Encode()
}

// List lists all records of the resource which match the filter. Expects http.StatusOK.
func (r Resource) List(result interface{}) (int, error) {
	return r.client.RawGet(r.Path(), result)
}

// Create creates a new record. Expects http.StatusCreated.
func (r Resource) Create(body interface{}, result interface{}) (int, error) {
	return r.client.RawPost(r.path, body, result)
}

// Patch updates records. Expects http.StatusOK.
func (r Resource) Patch(body interface{}, result interface{}) (int, error) {
	return r.client.RawPatch(r.path, body, result)
}

// Health reads /health. Expects http.StatusOK.
func (c Client) Health(result interface{}) (int, error) {
	return c.RawGet("/health", result)
}

// Authorization reads the caller's authorization from /authorization. Expects http.StatusOK.
func (c Client) Authorization() (*access.Authorization, int, error) {
	auth := &access.Authorization{}
	status, err := c.RawGet("/authorization", auth)
	if err != nil {
		return nil, status, err
	}
	return auth, status, nil
}

// RawGet gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// result can be a map, a slice or a raw *[]byte. result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	return c.Do(http.MethodGet, path, nil, http.StatusOK, result)
}

// RawPost posts body to path. Expects http.StatusCreated as response.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	return c.Do(http.MethodPost, path, body, http.StatusCreated, result)
}

// RawPatch patches path with body. Expects http.StatusOK as response.
func (c Client) RawPatch(path string, body interface{}, result interface{}) (int, error) {
	return c.Do(http.MethodPatch, path, body, http.StatusOK, result)
}

// Do sends a request and decodes the response into result. A status other than
// expected is returned as error, together with the response body. body may be a raw
// []byte.
func (c Client) Do(method, path string, body interface{}, expected int, result interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		j, ok := body.([]byte)
		if !ok {
			var err error
			j, err = json.Marshal(body)
			if err != nil {
				return http.StatusBadRequest, fmt.Errorf("%s %s: %w", method, path, err)
			}
		}
		reader = bytes.NewReader(j)
	}

	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	if err != nil {
		return http.StatusBadRequest, err
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}

	var res *http.Response
	var resBody []byte
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res = rec.Result()
		resBody = rec.Body.Bytes()
	} else {
		if c.token != "" {
			r.Header.Add("Authorization", "Bearer "+c.token)
		}
		res, err = c.httpClient.Do(r)
		if err != nil {
			return http.StatusInternalServerError, err
		}
		defer res.Body.Close()
		resBody, _ = io.ReadAll(res.Body)
	}

	status := res.StatusCode
	if status != expected {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, expected, strings.TrimSpace(string(resBody)))
	}
	if len(resBody) > 0 && result != nil {
		if raw, ok := result.(*[]byte); ok {
			*raw = resBody
			return status, nil
		}
		decoder := json.NewDecoder(bytes.NewReader(resBody))
		decoder.UseNumber()
		err = decoder.Decode(result)
	}
	return status, err
}
