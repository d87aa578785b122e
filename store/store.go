// Package store defines the durable records tracking step-up progress per
// session and the per-resource step-up policy, plus the point-lookup /
// point-write interfaces the decision engine consumes. Backends live in the
// memory, redis and dynamo subpackages.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no visible record exists for the key.
// Expired session records are invisible to readers and also report this.
var ErrNotFound = errors.New("store: record not found")

// Status tracks a session's progress toward satisfying step-up.
type Status string

const (
	StatusRequired    Status = "STEP_UP_REQUIRED"
	StatusNotRequired Status = "STEP_UP_NOT_REQUIRED"
	StatusCompleted   Status = "STEP_UP_COMPLETED"
	StatusError       Status = "STEP_UP_ERROR"
)

// Requirement is the policy-level step-up rule for a protected resource.
type Requirement string

const (
	RequirementRequired    Requirement = "STEP_UP_REQUIRED"
	RequirementNotRequired Requirement = "STEP_UP_NOT_REQUIRED"
	RequirementDeny        Requirement = "STEP_UP_DENY"
)

// DefaultRetention is how long a session record stays visible after its last
// update.
const DefaultRetention = 365 * 24 * time.Hour

// Session represents one principal's progress toward satisfying step-up for
// one logical interaction. SessionID derives from the token's unique-id
// claim, so repeated requests with the same token address the same record.
type Session struct {
	SessionID   string    `json:"sessionId" dynamodbav:"sessionId"`
	UserID      string    `json:"userId" dynamodbav:"userId"`
	ClientID    string    `json:"clientId" dynamodbav:"clientId"`
	Token       string    `json:"token" dynamodbav:"token"`
	ReferrerURL string    `json:"referrerUrl" dynamodbav:"referrerUrl"`
	Status      Status    `json:"stepUpStatus" dynamodbav:"stepUpStatus"`
	CreatedAt   time.Time `json:"createTimestamp" dynamodbav:"createTimestamp"`
	UpdatedAt   time.Time `json:"lastUpdateTimestamp" dynamodbav:"lastUpdateTimestamp"`
	// ExpiresAt is absolute epoch seconds. The record becomes invisible to
	// readers at this time. Recomputed on every write from the write's
	// reference time plus the retention window, never extended by reads.
	ExpiresAt int64 `json:"ttl" dynamodbav:"ttl"`
}

// NewSession builds a session record. An empty sessionID gets a random id;
// an empty token falls back to the session id (the token attribute is
// indexed and may not be empty); an empty status defaults to
// STEP_UP_NOT_REQUIRED.
func NewSession(sessionID, userID, clientID, token, referrerURL string, status Status) *Session {
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	if token == "" {
		token = sessionID
	}
	if status == "" {
		status = StatusNotRequired
	}
	return &Session{
		SessionID:   sessionID,
		UserID:      userID,
		ClientID:    clientID,
		Token:       token,
		ReferrerURL: referrerURL,
		Status:      status,
	}
}

// NewSessionID returns a random 8-byte hex session id.
func NewSessionID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Expired reports whether the record is invisible to readers at now.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt > 0 && now.Unix() >= s.ExpiresAt
}

// Policy declares whether a protected resource requires step-up. Records are
// administered out-of-band; the decision engine only reads them.
type Policy struct {
	ResourceID  string      `json:"id" dynamodbav:"id"`
	Requirement Requirement `json:"stepUpState" dynamodbav:"stepUpState"`
	CreatedAt   time.Time   `json:"createTimestamp" dynamodbav:"createTimestamp"`
	UpdatedAt   time.Time   `json:"lastUpdateTimestamp" dynamodbav:"lastUpdateTimestamp"`
}

// Option configures a write operation.
type Option func(*Options)

// Options carries write configuration.
type Options struct {
	// ReferenceTime pins the timestamp used for UpdatedAt and the expiry
	// recomputation, avoiding clock skew between a read and a write within
	// one logical operation. Defaults to the backend's current time.
	ReferenceTime *time.Time
}

// WithReferenceTime pins the write's reference timestamp.
func WithReferenceTime(t time.Time) Option {
	return func(o *Options) {
		o.ReferenceTime = &t
	}
}

// ApplyOptions folds opts into an Options value.
func ApplyOptions(opts []Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SessionStore is keyed point access to session records. There is no
// cross-session locking: concurrent writes to the same id are last-write-
// wins, which is accepted for the single-principal sequential-retry common
// case.
type SessionStore interface {
	// Get returns the visible session for sessionID or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*Session, error)
	// Create persists a new record, recomputing its expiry from the
	// reference time plus the retention window.
	Create(ctx context.Context, s *Session, opts ...Option) (string, error)
	// Update persists an existing record, recomputing timestamps the same
	// way Create does.
	Update(ctx context.Context, s *Session, opts ...Option) (string, error)
}

// PolicyStore is keyed point access to policy records. Put and Delete exist
// for administration; the engine only calls Get (via RequirementFor).
type PolicyStore interface {
	Get(ctx context.Context, resourceID string) (*Policy, error)
	Put(ctx context.Context, p *Policy, opts ...Option) error
	Delete(ctx context.Context, resourceID string) error
}

// RequirementFor maps a resource to its step-up requirement. Both a missing
// record and a lookup failure yield STEP_UP_NOT_REQUIRED: policy-store
// unavailability must never lock callers out of resources that were never
// configured to require step-up. This fail-open mapping is deliberate.
func RequirementFor(ctx context.Context, ps PolicyStore, resourceID string) Requirement {
	p, err := ps.Get(ctx, resourceID)
	if err != nil {
		return RequirementNotRequired
	}
	switch p.Requirement {
	case RequirementRequired:
		return RequirementRequired
	case RequirementDeny:
		return RequirementDeny
	}
	return RequirementNotRequired
}
