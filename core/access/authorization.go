/*
Package access provides utilities for access control

Requests carry an OAuth2 access token as "Authorization: Bearer" header. The
Verifier's middleware validates the token against the identity provider's
published key set and adds an Authorization to the request context, with

	ctx = ContextWithAuthorization(ctx, auth)

Handlers are protected with RequireScope, which retrieves the authorization with

	auth := AuthorizationFromContext(ctx)

and rejects the request unless the token was granted the requested scope.
*/
package access

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/orderdesk/core/logger"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context keys
const (
	contextKeyAuthorization contextKey = "_authorization_"
	contextKeyRejection     contextKey = "_rejection_"
)

// Authorization is the verified content of an access token
type Authorization struct {
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes"`
}

// HasScope returns true if the authorization was granted scope
func (a *Authorization) HasScope(scope string) bool {
	if a == nil {
		return false
	}
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ContextWithAuthorization returns a new context with the given authorization
func ContextWithAuthorization(ctx context.Context, auth *Authorization) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, auth)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, ok := ctx.Value(contextKeyAuthorization).(*Authorization)
	if ok {
		return a
	}
	return nil
}

// Rejection is the reason why a request cannot be authorized
type Rejection struct {
	Status int
	Reason string
}

func (r *Rejection) Error() string {
	return r.Reason
}

// Rejection reasons
const (
	ReasonHeaderExpected = "Authorization header is expected"
	ReasonBearerExpected = "Authorization header must be Bearer token"
	ReasonInvalidToken   = "Invalid token"
	ReasonNoAccess       = "You don't have access to this resource"
)

func contextWithRejection(ctx context.Context, rejection *Rejection) context.Context {
	return context.WithValue(ctx, contextKeyRejection, rejection)
}

func rejectionFromContext(ctx context.Context) *Rejection {
	r, _ := ctx.Value(contextKeyRejection).(*Rejection)
	return r
}

// Authenticate returns the authorization of the request, or the reason why there is none
func Authenticate(r *http.Request) (*Authorization, *Rejection) {
	if auth := AuthorizationFromContext(r.Context()); auth != nil {
		return auth, nil
	}
	if rejection := rejectionFromContext(r.Context()); rejection != nil {
		return nil, rejection
	}
	if _, err := BearerToken(r.Header.Get("Authorization")); err != nil {
		return nil, err.(*Rejection)
	}
	// a token is present but was never verified
	return nil, &Rejection{Status: http.StatusUnauthorized, Reason: ReasonInvalidToken}
}

// RequireScope returns a handler which invokes h only if the request's authorization
// was granted scope. All other requests are rejected with a json error.
func RequireScope(scope string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		auth, rejection := Authenticate(r)
		if rejection != nil {
			rlog.Infof("access: rejected %s %s: %s", r.Method, r.URL.Path, rejection.Reason)
			writeRejection(w, rejection)
			return
		}
		if !auth.HasScope(scope) {
			rlog.Infof("access: %s lacks scope %s for %s %s", auth.Subject, scope, r.Method, r.URL.Path)
			writeRejection(w, &Rejection{Status: http.StatusForbidden, Reason: ReasonNoAccess})
			return
		}
		h.ServeHTTP(w, r)
	})
}

// RequireScopeFunc is RequireScope for handler functions
func RequireScopeFunc(scope string, f http.HandlerFunc) http.Handler {
	return RequireScope(scope, f)
}

func writeRejection(w http.ResponseWriter, rejection *Rejection) {
	if rejection.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rejection.Status)
	jsonData, _ := json.Marshal(map[string]string{"error": rejection.Reason})
	w.Write(jsonData)
}

// HandleAuthorizationRoute adds a route /authorization GET which returns the
// caller's authorization
func HandleAuthorizationRoute(router *mux.Router) {
	logger.Default().Debugln("authorization")
	logger.Default().Debugln("  handle route: /authorization GET")
	router.HandleFunc("/authorization", func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		rlog.Infoln("called route for", r.URL, r.Method)
		auth, rejection := Authenticate(r)
		if rejection != nil {
			writeRejection(w, rejection)
			return
		}
		jsonData, _ := json.MarshalIndent(auth, "", " ")
		w.Header().Set("Content-Type", "application/json")
		w.Write(jsonData)
	}).Methods(http.MethodGet)
}
