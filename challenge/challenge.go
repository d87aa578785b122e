// Package challenge verifies a follow-up multi-factor challenge response and
// transitions the step-up session to completed. Two interchangeable
// strategies exist, SMS and software token; they share the structural,
// token and session logic through a common core and differ only in the
// external factor check.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stepupauth/stepup-server-go/store"
	"github.com/stepupauth/stepup-server-go/token"
)

// ErrInvalidToken distinguishes a token-level failure of the challenge leg
// (unparseable, wrong class, failed verification, stale expiry) from a plain
// false result.
var ErrInvalidToken = errors.New("challenge: invalid token")

// responseLength is the exact challenge response length. Anything else fails
// before any external call.
const responseLength = 6

// Responder validates one challenge response against one factor.
type Responder interface {
	Validate(ctx context.Context) (bool, error)
}

// Config wires a responder.
type Config struct {
	// Token is the raw bearer access token, with or without Bearer prefix.
	Token string
	// Response is the challenge response supplied by the caller.
	Response string
	Verifier *token.Verifier
	Sessions store.SessionStore
	Logger   *slog.Logger
}

// core carries the strategy-independent steps.
type core struct {
	tok      *token.Token
	response string
	verifier *token.Verifier
	sessions store.SessionStore
	log      *slog.Logger
}

func newCore(cfg Config) (*core, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("challenge: verifier is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("challenge: session store is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &core{
		tok:      token.New(cfg.Token),
		response: cfg.Response,
		verifier: cfg.Verifier,
		sessions: cfg.Sessions,
		log:      log,
	}, nil
}

// checkResponse enforces the structural response-length rule.
func (c *core) checkResponse(ctx context.Context) bool {
	if len(c.response) != responseLength {
		c.log.WarnContext(ctx, "challenge response has incorrect length", slog.Int("len", len(c.response)))
		return false
	}
	return true
}

// checkToken requires an access token that passes verification and whose
// expiry is strictly in the future at evaluation time. The expiry is checked
// independently of signature verification: a well-formed but stale token
// must fail this leg even if cached verification would still accept it.
func (c *core) checkToken(ctx context.Context) error {
	use, err := c.tok.Classify()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if use != token.UseAccess {
		return fmt.Errorf("%w: not an access token", ErrInvalidToken)
	}
	if !c.verifier.Verify(ctx, c.tok) {
		return fmt.Errorf("%w: verification failed", ErrInvalidToken)
	}
	claims, err := c.tok.Claims()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !claims.ExpiresAt.After(time.Now()) {
		return fmt.Errorf("%w: token expired", ErrInvalidToken)
	}
	return nil
}

// completeSession flips the session addressed by the token's unique id to
// completed, pinning the write to a single observed time. A missing session
// means there is nothing to complete; no session is fabricated.
func (c *core) completeSession(ctx context.Context) (bool, error) {
	claims, err := c.tok.Claims()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sess, err := c.sessions.Get(ctx, claims.UniqueID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.log.WarnContext(ctx, "no session to complete", slog.String("session_id", claims.UniqueID))
			return false, nil
		}
		return false, fmt.Errorf("challenge: session lookup: %w", err)
	}

	sess.Status = store.StatusCompleted
	now := time.Now()
	if _, err := c.sessions.Update(ctx, sess, store.WithReferenceTime(now)); err != nil {
		return false, fmt.Errorf("challenge: session update: %w", err)
	}
	c.log.DebugContext(ctx, "step-up completed", slog.String("session_id", sess.SessionID))
	return true, nil
}
