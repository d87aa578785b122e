package token

import (
	"context"
	"errors"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stepupauth/stepup-server-go/keyring"
)

// VerifierConfig controls signature verification policy.
type VerifierConfig struct {
	// Keys resolves the signing key declared by a token's kid header.
	Keys keyring.KeySource
	// AllowedAlgs defaults to RS256 only.
	AllowedAlgs []string
	Logger      *slog.Logger
}

// Verifier checks a token's signature and time-based claims against the
// issuer's published keys.
type Verifier struct {
	keys keyring.KeySource
	algs []string
	log  *slog.Logger
}

// NewVerifier builds a Verifier. Keys is required.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Keys == nil {
		return nil, errors.New("token: key source is required")
	}
	algs := cfg.AllowedAlgs
	if len(algs) == 0 {
		algs = []string{"RS256"}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Verifier{keys: cfg.Keys, algs: algs, log: log}, nil
}

// Verify reports whether the token's signature and standard time claims are
// valid. It returns false, never an error, on malformed input, unknown key
// id, expiry, bad signature, or a key discovery failure; each is a normal
// Deny outcome for the caller.
func (v *Verifier) Verify(ctx context.Context, t *Token) bool {
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.algs),
		jwt.WithExpirationRequired(),
	)
	_, err := parser.Parse(t.Raw(), func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header has no kid")
		}
		return v.keys.Resolve(ctx, kid)
	})
	if err != nil {
		v.log.WarnContext(ctx, "token verification failed", slog.String("err", err.Error()))
		return false
	}
	return true
}
