// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package api provides the REST interface of orderdesk

	GET   /health         liveness, no authorization
	GET   /customers      read:customers
	POST  /customers      write:customers
	PATCH /customers      write:customers
	GET   /orders         read:orders
	POST  /orders         write:orders
	GET   /notifications  read:notifications
	POST  /notifications  write:notifications
	GET   /authorization  any valid token

List endpoints accept filters as query parameters of the form column=operator.value,
for example

	GET /orders?customerid=eq.4&orderstatus=in.(Incomplete,Shipped)

Errors are returned as {"error": "<message>"}.
*/
package api

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/orderdesk/core/access"
	"github.com/relabs-tech/orderdesk/core/logger"
	"github.com/relabs-tech/orderdesk/core/orders"
	"github.com/relabs-tech/orderdesk/core/schema"
)

// Scopes
const (
	ScopeReadCustomers      = "read:customers"
	ScopeWriteCustomers     = "write:customers"
	ScopeReadOrders         = "read:orders"
	ScopeWriteOrders        = "write:orders"
	ScopeReadNotifications  = "read:notifications"
	ScopeWriteNotifications = "write:notifications"
)

// API is the REST interface
type API struct {
	router    *mux.Router
	service   *orders.Service
	validator *schema.Validator
}

// Builder is a builder helper for the API
type Builder struct {
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Service implements the operations. This is mandatory.
	Service *orders.Service
	// Validator validates request bodies. Optional, defaults to the embedded schemas.
	Validator *schema.Validator
	// Verifier validates bearer tokens. Optional; without a verifier only backdoors and
	// authorizations already present in the request context are accepted.
	Verifier *access.Verifier
	// Backdoors maps static bearer tokens to authorizations. Optional, for development only.
	Backdoors map[string]access.Authorization
}

// New realizes the API. It installs the middlewares and adds all routes to the router.
func New(ab *Builder) *API {
	if ab.Router == nil {
		panic("Router is missing")
	}
	if ab.Service == nil {
		panic("Service is missing")
	}
	validator := ab.Validator
	if validator == nil {
		var err error
		validator, err = schema.Default()
		if err != nil {
			panic(err)
		}
	}
	if err := validator.Require(schema.Payloads...); err != nil {
		panic(err)
	}

	a := &API{
		router:    ab.Router,
		service:   ab.Service,
		validator: validator,
	}

	logger.AddRequestID(a.router)
	a.handleCORS()
	if len(ab.Backdoors) > 0 {
		logger.Default().Warnf("api: %d backdoor tokens are enabled", len(ab.Backdoors))
		a.router.Use(access.NewBackdoorMiddleware(ab.Backdoors))
	}
	if ab.Verifier != nil {
		a.router.Use(ab.Verifier.Middleware())
	}
	a.handleCompression()

	a.handleRoutes()
	return a
}

// Handler returns the router wrapped by a recovery handler which turns panics into
// internal server errors
func (a *API) Handler() http.Handler {
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(logger.Default()),
		handlers.PrintRecoveryStack(true),
	)(a.router)
}

func (a *API) handleCORS() {
	corsMiddleware := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Set CORS headers for all requests
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PATCH")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Request-Id")
			w.Header().Set("Access-Control-Expose-Headers", "*")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			// Handle preflight OPTIONS request
			if r.Method == http.MethodOptions {
				logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method, " (handled by CORS middleware)")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			h.ServeHTTP(w, r)
		})
	}
	a.router.Use(corsMiddleware)
}

func (a *API) handleCompression() {
	compressionMiddleware := func(h http.Handler) http.Handler {
		return handlers.CompressHandler(h)
	}
	a.router.Use(compressionMiddleware)
}

func (a *API) handleRoutes() {
	rlog := logger.Default()
	rlog.Debugln("api: handle routes")

	a.router.HandleFunc("/health", a.health).Methods(http.MethodOptions, http.MethodGet)

	rlog.Debugln("  handle route: /customers GET POST PATCH")
	a.router.Handle("/customers", access.RequireScopeFunc(ScopeReadCustomers, a.listCustomers)).
		Methods(http.MethodOptions, http.MethodGet)
	a.router.Handle("/customers", access.RequireScopeFunc(ScopeWriteCustomers, a.createCustomer)).
		Methods(http.MethodPost)
	a.router.Handle("/customers", access.RequireScopeFunc(ScopeWriteCustomers, a.updateCustomer)).
		Methods(http.MethodPatch)

	rlog.Debugln("  handle route: /orders GET POST")
	a.router.Handle("/orders", access.RequireScopeFunc(ScopeReadOrders, a.listOrders)).
		Methods(http.MethodOptions, http.MethodGet)
	a.router.Handle("/orders", access.RequireScopeFunc(ScopeWriteOrders, a.createOrder)).
		Methods(http.MethodPost)

	rlog.Debugln("  handle route: /notifications GET POST")
	a.router.Handle("/notifications", access.RequireScopeFunc(ScopeReadNotifications, a.listNotifications)).
		Methods(http.MethodOptions, http.MethodGet)
	a.router.Handle("/notifications", access.RequireScopeFunc(ScopeWriteNotifications, a.sendNotification)).
		Methods(http.MethodPost)

	access.HandleAuthorizationRoute(a.router)
}
