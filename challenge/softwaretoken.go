package challenge

import (
	"context"
	"log/slog"

	"github.com/stepupauth/stepup-server-go/mfa"
)

// SoftwareTokenResponder validates a TOTP challenge response against the
// caller's registered software token.
type SoftwareTokenResponder struct {
	*core
	mfa mfa.Verifier
}

var _ Responder = (*SoftwareTokenResponder)(nil)

// NewSoftwareToken builds the software-token strategy.
func NewSoftwareToken(cfg Config, verifier mfa.Verifier) (*SoftwareTokenResponder, error) {
	c, err := newCore(cfg)
	if err != nil {
		return nil, err
	}
	return &SoftwareTokenResponder{core: c, mfa: verifier}, nil
}

// Validate runs the shared pre-checks, the software-token code check, and on
// success completes the session.
func (r *SoftwareTokenResponder) Validate(ctx context.Context) (bool, error) {
	if !r.checkResponse(ctx) {
		return false, nil
	}
	if err := r.checkToken(ctx); err != nil {
		return false, err
	}

	result, err := r.mfa.VerifySoftwareToken(ctx, r.tok.Raw(), r.response)
	if err != nil {
		return false, err
	}
	if !result.OK {
		r.log.WarnContext(ctx, "software token challenge rejected", slog.String("status", result.Status))
		return false, nil
	}

	return r.completeSession(ctx)
}
