// Package mfa defines the boundary to the external MFA-verification
// collaborator: the identity provider that actually knows whether a
// one-time code is correct. A non-success result is a normal negative
// outcome; only an unreachable collaborator is an error.
package mfa

import (
	"context"
	"errors"
)

// ErrRateLimited indicates the collaborator refused to issue another code
// right now. Transports map it to a throttling response.
var ErrRateLimited = errors.New("mfa: rate limited")

// Result is the collaborator's answer for one code check.
type Result struct {
	OK bool
	// Status is the collaborator's machine status string, useful for logs.
	Status string
}

// Verifier checks a challenge response against a specific factor.
type Verifier interface {
	// VerifyPhoneAttribute checks an SMS code delivered to the caller's
	// verified phone number.
	VerifyPhoneAttribute(ctx context.Context, accessToken, code string) (Result, error)
	// VerifySoftwareToken checks a TOTP code from the caller's registered
	// software token.
	VerifySoftwareToken(ctx context.Context, accessToken, code string) (Result, error)
}

// Factor identifies which challenge flow the caller should run.
type Factor string

const (
	FactorSMS           Factor = "SMS_STEP_UP"
	FactorSoftwareToken Factor = "SOFTWARE_TOKEN_STEP_UP"
	// FactorMaybeSoftwareToken is returned when the caller has no
	// discoverable factor preference; the client may try a software token.
	FactorMaybeSoftwareToken Factor = "MAYBE_SOFTWARE_TOKEN_STEP_UP"
)

// FactorSelector picks the factor for a caller and requests out-of-band code
// delivery where the factor needs one. Delivery mechanics stay with the
// collaborator.
type FactorSelector interface {
	// PreferredFactor inspects the caller's MFA configuration.
	PreferredFactor(ctx context.Context, accessToken string) (Factor, error)
	// RequestPhoneCode asks the collaborator to send an SMS verification
	// code. Returns ErrRateLimited when throttled.
	RequestPhoneCode(ctx context.Context, accessToken string) error
}
