// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package api_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/orderdesk/core/access"
	"github.com/relabs-tech/orderdesk/core/api"
	"github.com/relabs-tech/orderdesk/core/client"
	"github.com/relabs-tech/orderdesk/core/datastore"
	"github.com/relabs-tech/orderdesk/core/datastore/datastoretest"
	"github.com/relabs-tech/orderdesk/core/logger"
	"github.com/relabs-tech/orderdesk/core/notify"
	"github.com/relabs-tech/orderdesk/core/orders"
	"github.com/relabs-tech/orderdesk/core/schema"
)

const gatewayResponse = `{"SMSMessageData":{"Message":"Sent to 1/1 Total Cost: KES 0.8000","Recipients":[{"number":"+254777777777","status":"Success"}]}}`

var allScopes = []string{
	api.ScopeReadCustomers, api.ScopeWriteCustomers,
	api.ScopeReadOrders, api.ScopeWriteOrders,
	api.ScopeReadNotifications, api.ScopeWriteNotifications,
}

type fakeGateway struct {
	mu    sync.Mutex
	sent  int
	err   error
	panic bool
}

func (g *fakeGateway) Send(ctx context.Context, message string, recipients []string, sender string) (json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.panic {
		panic("gateway exploded")
	}
	g.sent++
	if g.err != nil {
		return nil, g.err
	}
	return json.RawMessage(gatewayResponse), nil
}

type testAPI struct {
	memory  *datastoretest.Memory
	gateway *fakeGateway
	handler http.Handler
	client  client.Client
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger.InitLogger("error")
	memory := datastoretest.NewMemory()
	gateway := &fakeGateway{}
	store := datastore.New(memory)
	dispatcher := notify.NewDispatcher(notify.NewNotifier(gateway, ""), store, 3)

	a := api.New(&api.Builder{
		Router:  mux.NewRouter(),
		Service: orders.NewService(store, dispatcher, nil),
		Backdoors: map[string]access.Authorization{
			"please": {Subject: "dev", Scopes: []string{api.ScopeReadOrders}},
		},
	})
	handler := a.Handler()
	return &testAPI{
		memory:  memory,
		gateway: gateway,
		handler: handler,
		client:  client.NewWithRouter(handler).WithScopes(allScopes...),
	}
}

func (ta *testAPI) createCustomer(t *testing.T) map[string]any {
	var created []map[string]any
	_, err := ta.client.Customers().Create(map[string]any{
		"customerfname":   "Jane",
		"customerlname":   "Doe",
		"customerphoneno": 254777777777,
	}, &created)
	require.NoError(t, err)
	require.Len(t, created, 1)
	return created[0]
}

func TestNew_MissingSchemas(t *testing.T) {
	validator, err := schema.Load(fstest.MapFS{})
	require.NoError(t, err)
	store := datastore.New(datastoretest.NewMemory())
	service := orders.NewService(store, notify.NewDispatcher(notify.NewNotifier(&fakeGateway{}, ""), store, 3), nil)

	assert.Panics(t, func() {
		api.New(&api.Builder{Router: mux.NewRouter(), Service: service, Validator: validator})
	})
}

func TestHealth(t *testing.T) {
	ta := newTestAPI(t)
	var health map[string]string
	status, err := client.NewWithRouter(ta.handler).Health(&health)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", health["status"])
}

func TestCustomers(t *testing.T) {
	ta := newTestAPI(t)
	customer := ta.createCustomer(t)
	assert.Equal(t, json.Number("1"), customer["customerid"])
	assert.Equal(t, json.Number("254777777777"), customer["customerphoneno"])

	var found []map[string]any
	status, err := ta.client.Customers().WithFilter("customerid", "eq", "1").List(&found)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, found, 1)
	assert.Equal(t, customer, found[0])

	var updated []map[string]any
	status, err = ta.client.Customers().Patch(map[string]any{"customerid": 1, "customerlname": "Smith"}, &updated)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, updated, 1)
	assert.Equal(t, "Smith", updated[0]["customerlname"])
	assert.Equal(t, "Jane", updated[0]["customerfname"])
}

func TestCustomers_Invalid(t *testing.T) {
	ta := newTestAPI(t)

	status, err := ta.client.Customers().Patch(map[string]any{"customerlname": "Smith"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.ErrorContains(t, err, `{"error":"Missing customerid!"}`)

	status, err = ta.client.Customers().Create(map[string]any{"customerfname": "Jane"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.ErrorContains(t, err, "the document is not valid")

	status, err = ta.client.Customers().Create([]byte(`{"customerfname": `), nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Error(t, err)

	status, err = ta.client.Customers().WithFilter("customerid", "between", "1").List(nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.ErrorContains(t, err, "unsupported operator")

	status, err = ta.client.RawGet("/customers?customerid=1", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.ErrorContains(t, err, "column=operator.value")
}

func TestCreateOrder(t *testing.T) {
	ta := newTestAPI(t)
	ta.createCustomer(t)

	var order map[string]any
	status, err := ta.client.Orders().Create(map[string]any{
		"customerid":  1,
		"orderitem":   "Shoes",
		"orderamount": 1500,
	}, &order)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, json.Number("1"), order["orderid"])
	assert.Equal(t, "Hello Jane Doe.\nYour order (OrderID: 1) of 1500, Shoes is being processed.", order["message"])
	assert.Equal(t, []any{"+254777777777"}, order["recipients"])
	assert.Contains(t, order["notification"], "SMSMessageData")
	assert.Equal(t, 1, ta.gateway.sent)

	var listed []map[string]any
	_, err = ta.client.Orders().WithFilter("customerid", "eq", "1").List(&listed)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "Incomplete", listed[0]["orderstatus"])
}

func TestCreateOrder_GatewayFailure(t *testing.T) {
	ta := newTestAPI(t)
	ta.gateway.err = errors.New("gateway unavailable")
	ta.createCustomer(t)

	var order map[string]any
	status, err := ta.client.Orders().Create(map[string]any{
		"customerid":  1,
		"orderitem":   "Shoes",
		"orderamount": "1500.50",
	}, &order)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, order["message"])
	assert.Equal(t, []any{"+254777777777"}, order["recipients"])
	assert.Equal(t, map[string]any{"error": "gateway unavailable"}, order["notification"])

	var notifications []map[string]any
	_, err = ta.client.Notifications().WithFilter("status", "eq", notify.StatusFailed).List(&notifications)
	require.NoError(t, err)
	assert.Len(t, notifications, 1)
}

func TestCreateOrder_CustomerNotFound(t *testing.T) {
	ta := newTestAPI(t)

	status, err := ta.client.Orders().Create(map[string]any{
		"customerid":  99,
		"orderitem":   "Shoes",
		"orderamount": 1500,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.ErrorContains(t, err, `{"error":"Customer not found!"}`)
	assert.Equal(t, 0, ta.gateway.sent)
}

func TestDatastoreFailure(t *testing.T) {
	ta := newTestAPI(t)
	ta.memory.FailOn(orders.OrdersTable, errors.New("connection refused"))

	status, err := ta.client.Orders().List(nil)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.ErrorContains(t, err, "connection refused")
}

func TestNotifications(t *testing.T) {
	ta := newTestAPI(t)

	var record map[string]any
	status, err := ta.client.Notifications().Create(map[string]any{
		"message":    "Your parcel has arrived",
		"recipients": []string{"+254777777777"},
	}, &record)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, notify.StatusSent, record["status"])

	status, err = ta.client.Notifications().Create(map[string]any{
		"message":    "",
		"recipients": []string{"+254777777777"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.ErrorContains(t, err, "Message content is empty.")

	status, err = ta.client.Notifications().Create(map[string]any{
		"message":    "Hello",
		"recipients": []string{},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.ErrorContains(t, err, "recipients must be a non-empty list.")

	var listed []map[string]any
	_, err = ta.client.Notifications().List(&listed)
	require.NoError(t, err)
	assert.Len(t, listed, 3, "rejected notifications are recorded as abandoned")
}

func TestAuthorization(t *testing.T) {
	ta := newTestAPI(t)

	status, err := client.NewWithRouter(ta.handler).Orders().List(nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.ErrorContains(t, err, "Authorization header is expected")

	status, err = client.NewWithRouter(ta.handler).WithHeader("Authorization", "Token abc").Orders().List(nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.ErrorContains(t, err, "Authorization header must be Bearer token")

	status, err = client.NewWithRouter(ta.handler).WithScopes(api.ScopeReadOrders).Orders().Create(map[string]any{}, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.ErrorContains(t, err, "You don't have access to this resource")

	backdoor := client.NewWithRouter(ta.handler).WithHeader("Authorization", "Bearer please")
	status, err = backdoor.Orders().List(nil)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	auth, _, err := backdoor.Authorization()
	require.NoError(t, err)
	assert.Equal(t, "dev", auth.Subject)
}

func TestCORS(t *testing.T) {
	ta := newTestAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/orders", nil)
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get(logger.RequestIDHeader))
}

func TestCompression(t *testing.T) {
	ta := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
}

func TestRecovery(t *testing.T) {
	ta := newTestAPI(t)
	ta.gateway.panic = true
	status, _ := ta.client.Notifications().Create(map[string]any{
		"message":    "Hello",
		"recipients": []string{"+254777777777"},
	}, nil)
	assert.Equal(t, http.StatusInternalServerError, status)
}
