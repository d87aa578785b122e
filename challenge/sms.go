package challenge

import (
	"context"
	"log/slog"

	"github.com/stepupauth/stepup-server-go/mfa"
)

// SMSResponder validates an SMS challenge response by verifying the code
// against the caller's phone-number attribute.
type SMSResponder struct {
	*core
	mfa mfa.Verifier
}

var _ Responder = (*SMSResponder)(nil)

// NewSMS builds the SMS strategy.
func NewSMS(cfg Config, verifier mfa.Verifier) (*SMSResponder, error) {
	c, err := newCore(cfg)
	if err != nil {
		return nil, err
	}
	return &SMSResponder{core: c, mfa: verifier}, nil
}

// Validate runs the shared pre-checks, the phone-attribute code check, and
// on success completes the session.
func (r *SMSResponder) Validate(ctx context.Context) (bool, error) {
	if !r.checkResponse(ctx) {
		return false, nil
	}
	if err := r.checkToken(ctx); err != nil {
		return false, err
	}

	result, err := r.mfa.VerifyPhoneAttribute(ctx, r.tok.Raw(), r.response)
	if err != nil {
		return false, err
	}
	if !result.OK {
		r.log.WarnContext(ctx, "sms challenge rejected", slog.String("status", result.Status))
		return false, nil
	}

	return r.completeSession(ctx)
}
