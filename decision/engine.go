package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/stepupauth/stepup-server-go/store"
	"github.com/stepupauth/stepup-server-go/token"
)

// bearerHeaderPattern is the only accepted Authorization header shape. Any
// other shape is a structural error, not a verification failure.
var bearerHeaderPattern = regexp.MustCompile(`^Bearer [A-Za-z0-9\-_=.]+$`)

// Config wires the engine's collaborators.
type Config struct {
	Verifier *token.Verifier
	Sessions store.SessionStore
	Policies store.PolicyStore
	Logger   *slog.Logger
}

// Engine renders one Allow/Deny decision per request. It is stateless and
// safe for concurrent use; concurrent first-touch requests for one session
// id may both write a REQUIRED record (last writer wins), but can never
// produce a spurious Allow.
type Engine struct {
	verifier *token.Verifier
	sessions store.SessionStore
	policies store.PolicyStore
	log      *slog.Logger
}

// NewEngine builds an Engine. Verifier, Sessions and Policies are required.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("decision: verifier is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("decision: session store is required")
	}
	if cfg.Policies == nil {
		return nil, errors.New("decision: policy store is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		verifier: cfg.Verifier,
		sessions: cfg.Sessions,
		policies: cfg.Policies,
		log:      log,
	}, nil
}

// Evaluate runs the decision state machine for one request. It returns
// ErrUnauthenticated for requests that must be answered with a generic
// unauthenticated response; every other outcome is a structured Decision.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Decision, error) {
	// Structural check. A missing or malformed header terminates before any
	// token work and never creates a session.
	if !bearerHeaderPattern.MatchString(req.AuthorizationHeader) {
		e.log.WarnContext(ctx, "authorization header missing or malformed")
		return nil, fmt.Errorf("%w: invalid authorization header", ErrUnauthenticated)
	}

	tok := token.New(req.AuthorizationHeader)

	// The protection leg accepts access tokens only; identity tokens are
	// consumed by the challenge-completion leg.
	use, err := tok.Classify()
	if err != nil {
		e.log.WarnContext(ctx, "token could not be classified", slog.String("err", err.Error()))
		return e.deny(req, StatusClaimError, ""), nil
	}
	if use != token.UseAccess {
		e.log.WarnContext(ctx, "token is not an access token", slog.String("token_use", string(use)))
		return e.deny(req, StatusClaimError, ""), nil
	}
	if !e.verifier.Verify(ctx, tok) {
		e.log.WarnContext(ctx, "access token failed verification")
		return e.deny(req, StatusClaimError, ""), nil
	}

	claims, err := tok.Claims()
	if err != nil {
		return e.deny(req, StatusClaimError, ""), nil
	}
	sessionID := claims.UniqueID
	principal := claims.Username
	clientID := claims.ClientID

	sess, err := e.sessions.Get(ctx, sessionID)
	switch {
	case err == nil:
		switch sess.Status {
		case store.StatusRequired:
			// Step-up was demanded and not yet satisfied. Policy is not
			// re-consulted.
			e.log.DebugContext(ctx, "session awaiting step-up", slog.String("session_id", sessionID))
			return nil, fmt.Errorf("%w: step-up pending for session %s", ErrUnauthenticated, sessionID)
		case store.StatusCompleted:
			return e.allow(req, principal, StatusClaimCompleted, sessionID), nil
		case store.StatusNotRequired:
			return e.allow(req, principal, StatusClaimNotRequired, sessionID), nil
		}
		// A prior inconclusive record (e.g. ERROR): fall through to the
		// policy evaluation below.
	case errors.Is(err, store.ErrNotFound):
		// First touch for this session id.
	default:
		// A session read failure must never be read as "step-up satisfied".
		e.log.WarnContext(ctx, "session lookup failed", slog.String("session_id", sessionID), slog.String("err", err.Error()))
		return e.deny(req, StatusClaimError, sessionID), nil
	}

	return e.evaluatePolicy(ctx, req, sessionID, principal, clientID)
}

// evaluatePolicy resolves the resource's step-up requirement and, when
// step-up is required, records a new pending session. This path runs at most
// once per session lifetime.
func (e *Engine) evaluatePolicy(ctx context.Context, req Request, sessionID, principal, clientID string) (*Decision, error) {
	requirement := store.RequirementFor(ctx, e.policies, req.Resource)
	e.log.DebugContext(ctx, "resolved policy requirement",
		slog.String("resource", req.Resource),
		slog.String("requirement", string(requirement)))

	switch requirement {
	case store.RequirementRequired:
		referrer := req.ReferrerURL
		if referrer == "" {
			referrer = req.Resource
		}
		sess := store.NewSession(sessionID, principal, clientID, "", referrer, store.StatusRequired)
		if _, err := e.sessions.Create(ctx, sess); err != nil {
			e.log.ErrorContext(ctx, "session create failed", slog.String("session_id", sessionID), slog.String("err", err.Error()))
		}
		return nil, fmt.Errorf("%w: step-up required for session %s", ErrUnauthenticated, sessionID)

	case store.RequirementDeny:
		return e.deny(req, StatusClaimDeny, ""), nil
	}

	return e.allow(req, principal, StatusClaimNotRequired, ""), nil
}

func (e *Engine) allow(req Request, principal, status, sessionID string) *Decision {
	return &Decision{
		Effect:      EffectAllow,
		Resource:    req.Resource,
		PrincipalID: principal,
		Context:     Context{StepUpStatus: status, SessionID: sessionID},
	}
}

func (e *Engine) deny(req Request, status, sessionID string) *Decision {
	return &Decision{
		Effect:   EffectDeny,
		Resource: req.Resource,
		Context:  Context{StepUpStatus: status, SessionID: sessionID},
	}
}
