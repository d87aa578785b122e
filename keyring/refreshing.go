package keyring

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/MicahParks/jwkset"
	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Refreshing is a KeySource whose backing JWKS is refreshed in the
// background, so rotated keys become resolvable without a process restart.
// The JWKS location is learned from the issuer's OIDC discovery document.
type Refreshing struct {
	kf keyfunc.Keyfunc
}

var _ KeySource = (*Refreshing)(nil)

// NewRefreshing performs OIDC discovery against issuer to locate jwks_uri and
// starts an auto-refreshing key set bound to ctx.
func NewRefreshing(ctx context.Context, issuer string) (*Refreshing, error) {
	if issuer == "" {
		return nil, errors.New("keyring: issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryUnavailable, err)
	}
	var meta struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("%w: invalid discovery metadata: %v", ErrDiscoveryUnavailable, err)
	}
	if meta.JWKSURI == "" {
		return nil, fmt.Errorf("%w: discovery document has no jwks_uri", ErrDiscoveryUnavailable)
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JWKSURI})
	if err != nil {
		return nil, fmt.Errorf("%w: jwks init failed: %v", ErrDiscoveryUnavailable, err)
	}
	return &Refreshing{kf: kf}, nil
}

// Resolve returns the current public key for kid from the refreshed set.
func (r *Refreshing) Resolve(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	jwk, err := r.kf.Storage().KeyRead(ctx, kid)
	if err != nil {
		if errors.Is(err, jwkset.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
		}
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryUnavailable, err)
	}
	pub, ok := jwk.Key().(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: kid %q is not an RSA key", ErrKeyNotFound, kid)
	}
	return pub, nil
}

// Keyfunc exposes the underlying auto-refreshing keyfunc directly.
func (r *Refreshing) Keyfunc() jwt.Keyfunc {
	return r.kf.Keyfunc
}
