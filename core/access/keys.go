package access

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/sync/singleflight"

	"github.com/relabs-tech/orderdesk/core/logger"
)

// ErrUnknownKey is returned for a key id which is not in the key set
var ErrUnknownKey = errors.New("unknown signing key")

// KeySet resolves token key ids to public keys
type KeySet interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// StaticKeys is a fixed key set
type StaticKeys map[string]*rsa.PublicKey

// Key implements KeySet
func (s StaticKeys) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := s[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownKey, kid)
}

// JWKSURL returns the well known key set url of an Auth0 domain
func JWKSURL(domain string) string {
	return Issuer(domain) + ".well-known/jwks.json"
}

// JWKS is a key set downloaded from a JSON Web Key Set endpoint. Keys are cached.
// The set is downloaded again when it is older than the refresh interval, or when a
// token references an unknown key id. Downloads happen at most once per minimum
// interval.
type JWKS struct {
	url             string
	httpClient      *http.Client
	RefreshInterval time.Duration
	MinInterval     time.Duration

	downloads   singleflight.Group
	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	attemptedAt time.Time
	now         func() time.Time
}

// NewJWKS returns a key set for url. If httpClient is nil, a client with a 10 second
// timeout is used.
func NewJWKS(url string, httpClient *http.Client) *JWKS {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &JWKS{
		url:             url,
		httpClient:      httpClient,
		RefreshInterval: 6 * time.Hour,
		MinInterval:     time.Minute,
		keys:            map[string]*rsa.PublicKey{},
		now:             time.Now,
	}
}

// Key implements KeySet. Concurrent callers share one download, and callers whose
// key is cached do not wait for it.
func (j *JWKS) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	j.mu.RLock()
	key, ok := j.keys[kid]
	fresh := j.now().Sub(j.fetchedAt) < j.RefreshInterval
	due := j.attemptedAt.IsZero() || j.now().Sub(j.attemptedAt) >= j.MinInterval
	j.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if due {
		_, err, _ := j.downloads.Do(j.url, func() (any, error) {
			return nil, j.refresh(context.WithoutCancel(ctx))
		})
		if err != nil {
			if ok {
				logger.FromContext(ctx).WithError(err).Warnln("access: keeping stale signing keys")
				return key, nil
			}
			return nil, err
		}
	}

	j.mu.RLock()
	key, ok = j.keys[kid]
	j.mu.RUnlock()
	if ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownKey, kid)
}

// refresh downloads the key set unless another download was attempted within the
// minimum interval. The lock is not held during the download.
func (j *JWKS) refresh(ctx context.Context) error {
	j.mu.Lock()
	if !j.attemptedAt.IsZero() && j.now().Sub(j.attemptedAt) < j.MinInterval {
		j.mu.Unlock()
		return nil
	}
	j.attemptedAt = j.now()
	j.mu.Unlock()

	keys, err := j.download(ctx)
	if err != nil {
		return err
	}

	j.mu.Lock()
	j.keys = keys
	j.fetchedAt = j.now()
	j.mu.Unlock()
	return nil
}

type jsonWebKey struct {
	Kty string   `json:"kty"`
	Kid string   `json:"kid"`
	Use string   `json:"use"`
	N   string   `json:"n"`
	E   string   `json:"e"`
	X5c []string `json:"x5c"`
}

func (j *JWKS) download(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	rlog := logger.FromContext(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.url, nil)
	if err != nil {
		return nil, err
	}
	res, err := j.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot download key set: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("cannot download key set: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cannot download key set: status %d", res.StatusCode)
	}

	var set struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("cannot parse key set: %w", err)
	}
	keys := map[string]*rsa.PublicKey{}
	for _, k := range set.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		key, err := k.publicKey()
		if err != nil {
			rlog.WithError(err).Warnf("access: skipping key %s", k.Kid)
			continue
		}
		keys[k.Kid] = key
	}
	rlog.Debugf("access: downloaded %d signing keys from %s", len(keys), j.url)
	return keys, nil
}

func (k jsonWebKey) publicKey() (*rsa.PublicKey, error) {
	if len(k.X5c) > 0 {
		cert := "-----BEGIN CERTIFICATE-----\n" + k.X5c[0] + "\n-----END CERTIFICATE-----"
		return jwt.ParseRSAPublicKeyFromPEM([]byte(cert))
	}
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}
	if len(n) == 0 || len(e) == 0 {
		return nil, errors.New("missing modulus or exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}, nil
}
