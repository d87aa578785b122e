// Package decision implements the step-up authorization decision engine: the
// per-request state machine that validates the bearer token, consults the
// session and policy stores, and renders an Allow or Deny decision with
// step-up context.
package decision

import "errors"

// ErrUnauthenticated is the distinguished terminal condition for requests
// the transport should answer with a generic "not authenticated" response
// rather than a structured decision: a missing or malformed Authorization
// header, or a session still waiting on step-up completion.
var ErrUnauthenticated = errors.New("decision: unauthenticated")

// Effect is a terminal state of the decision state machine.
type Effect string

const (
	EffectAllow Effect = "Allow"
	EffectDeny  Effect = "Deny"
)

// Step-up status values carried in the decision context, echoed to callers
// and into downstream token claims.
const (
	StatusClaimRequired    = "required"
	StatusClaimNotRequired = "not_required"
	StatusClaimCompleted   = "complete"
	StatusClaimDeny        = "deny"
	StatusClaimError       = "error"
)

// Context is the step-up payload attached to every decision.
type Context struct {
	// StepUpStatus is the status the engine observed for this request.
	StepUpStatus string `json:"step_up"`
	// SessionID is the step-up session the status refers to, empty when no
	// session exists.
	SessionID string `json:"session_id"`
}

// Decision is the engine's answer for one request.
type Decision struct {
	Effect      Effect  `json:"effect"`
	Resource    string  `json:"resource"`
	PrincipalID string  `json:"principalId,omitempty"`
	Context     Context `json:"context"`
}

// Request carries the inputs the engine needs for one evaluation.
type Request struct {
	// AuthorizationHeader is the raw Authorization header value; the engine
	// requires the exact "Bearer <token>" shape.
	AuthorizationHeader string
	// Resource is the canonical identifier of the protected operation, used
	// for the policy lookup and echoed in the decision.
	Resource string
	// ReferrerURL is stored on a newly created session for audit/redirect.
	// Defaults to Resource when empty.
	ReferrerURL string
}
