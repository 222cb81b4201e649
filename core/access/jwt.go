package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/orderdesk/core/logger"
)

// BearerToken extracts the token from an Authorization header of the form
// "Bearer <token>". The scheme is case insensitive. Errors are of type *Rejection.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", &Rejection{Status: http.StatusForbidden, Reason: ReasonHeaderExpected}
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", &Rejection{Status: http.StatusForbidden, Reason: ReasonBearerExpected}
	}
	return parts[1], nil
}

// Verifier validates access tokens issued by an Auth0 tenant for one API
type Verifier struct {
	keys     KeySet
	issuer   string
	audience string
}

// NewVerifier returns a verifier for tokens issued by domain for audience, signed with
// a key from keys
func NewVerifier(domain, audience string, keys KeySet) *Verifier {
	return &Verifier{
		keys:     keys,
		issuer:   Issuer(domain),
		audience: audience,
	}
}

// Issuer returns the token issuer of an Auth0 domain
func Issuer(domain string) string {
	domain = strings.TrimPrefix(strings.TrimPrefix(domain, "https://"), "http://")
	return "https://" + strings.TrimSuffix(domain, "/") + "/"
}

type claims struct {
	Scope       string   `json:"scope"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Verify checks signature, issuer, audience and lifetime of token and returns its
// authorization. The scopes are the token's space separated scope claim plus its
// permissions claim.
func (v *Verifier) Verify(ctx context.Context, token string) (*Authorization, error) {
	c := claims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	_, err := parser.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("token has no key id")
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		return nil, err
	}
	if !c.VerifyIssuer(v.issuer, true) {
		return nil, fmt.Errorf("unexpected issuer %q", c.Issuer)
	}
	if !c.VerifyAudience(v.audience, true) {
		return nil, fmt.Errorf("token is not issued for %q", v.audience)
	}

	auth := &Authorization{Subject: c.Subject, Scopes: strings.Fields(c.Scope)}
	for _, p := range c.Permissions {
		if !auth.HasScope(p) {
			auth.Scopes = append(auth.Scopes, p)
		}
	}
	return auth, nil
}

// Middleware returns a middleware which validates the bearer token of each request.
// A valid token adds its authorization to the request context and the subject to
// the logger. Requests without a valid token are passed on without authorization;
// RequireScope rejects them.
func (v *Verifier) Middleware() mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil { // already authorized
				h.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			if header == "" {
				h.ServeHTTP(w, r)
				return
			}

			rlog := logger.FromContext(r.Context())
			token, err := BearerToken(header)
			if err != nil {
				h.ServeHTTP(w, r.WithContext(contextWithRejection(r.Context(), err.(*Rejection))))
				return
			}

			auth, err := v.Verify(r.Context(), token)
			if err != nil {
				rlog.WithError(err).Infoln("access: invalid token")
				rejection := &Rejection{Status: http.StatusUnauthorized, Reason: ReasonInvalidToken}
				h.ServeHTTP(w, r.WithContext(contextWithRejection(r.Context(), rejection)))
				return
			}

			ctx := ContextWithAuthorization(r.Context(), auth)
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, auth.Subject)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
