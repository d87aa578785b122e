// Package keyring caches an issuer's public signing keys, fetched from the
// issuer's well-known JWKS document. The cache is append-only: once a key id
// has been resolved it is treated as immutable for the process lifetime. Use
// Refreshing when key rotation without a restart is required.
package keyring

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// ErrKeyNotFound indicates the requested key id is absent from the issuer's
// fetched key set, i.e. the token was signed by an unknown or rotated key.
var ErrKeyNotFound = errors.New("keyring: key not found")

// ErrDiscoveryUnavailable indicates the JWKS document could not be fetched.
// Callers may retry; the decision engine does not and surfaces a Deny.
var ErrDiscoveryUnavailable = errors.New("keyring: discovery unavailable")

// KeySource resolves a key id to the public key material used to verify a
// token signature.
type KeySource interface {
	Resolve(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// Config controls construction of a Ring.
type Config struct {
	// Issuer is the token issuer base URL. Required unless JWKSURL is set.
	Issuer string
	// JWKSURL overrides the JWKS document location. Defaults to
	// Issuer + "/.well-known/jwks.json".
	JWKSURL string
	// HTTPClient used for the JWKS fetch. Defaults to a client with a 10s
	// timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Ring is a process-wide cache of an issuer's public signing keys. The full
// key set is fetched on first resolution and served from cache afterwards.
// A concurrent double-fetch on cold cache is benign: entries are inserted
// once and never replaced.
type Ring struct {
	jwksURL string
	client  *http.Client
	log     *slog.Logger

	mu      sync.RWMutex
	fetched bool
	keys    map[string]*rsa.PublicKey
}

var _ KeySource = (*Ring)(nil)

// New builds a Ring for a single issuer.
func New(cfg Config) (*Ring, error) {
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		if cfg.Issuer == "" {
			return nil, errors.New("keyring: issuer or jwks url required")
		}
		jwksURL = strings.TrimSuffix(cfg.Issuer, "/") + "/.well-known/jwks.json"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Ring{
		jwksURL: jwksURL,
		client:  client,
		log:     log,
		keys:    map[string]*rsa.PublicKey{},
	}, nil
}

// Resolve returns the public key for kid. The JWKS document is fetched at
// most once per process; a kid absent from the cached set yields
// ErrKeyNotFound without a further network call.
func (r *Ring) Resolve(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	r.mu.RLock()
	key, ok := r.keys[kid]
	fetched := r.fetched
	r.mu.RUnlock()
	if ok {
		return key, nil
	}
	if fetched {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}

	set, err := r.fetch(ctx)
	if err != nil {
		r.log.WarnContext(ctx, "jwks fetch failed", slog.String("url", r.jwksURL), slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryUnavailable, err)
	}

	r.mu.Lock()
	for id, k := range set {
		if _, exists := r.keys[id]; !exists {
			r.keys[id] = k
		}
	}
	r.fetched = true
	key, ok = r.keys[kid]
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}
	return key, nil
}

// Keyfunc adapts the ring to the golang-jwt parser contract, resolving the
// verification key from the token's declared kid header.
func (r *Ring) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return sourceKeyfunc(ctx, r)
}

func (r *Ring) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, r.jwksURL)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("invalid jwks document: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		pub, ok := k.Key.(*rsa.PublicKey)
		if !ok {
			// Only RSA signing keys participate in verification.
			continue
		}
		keys[k.KeyID] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks document contains no RSA keys")
	}
	return keys, nil
}

// sourceKeyfunc builds a jwt.Keyfunc backed by any KeySource.
func sourceKeyfunc(ctx context.Context, src KeySource) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header has no kid")
		}
		return src.Resolve(ctx, kid)
	}
}
