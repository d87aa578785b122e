package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/stepupauth/stepup-server-go/decision"
)

type decisionContextKey struct{}

// DecisionFromContext returns the decision attached by Protect, or nil when
// the request did not pass through the middleware.
func DecisionFromContext(ctx context.Context) *decision.Decision {
	d, _ := ctx.Value(decisionContextKey{}).(*decision.Decision)
	return d
}

// Protect gates next behind the decision engine. Requests that fail
// authentication receive 401, denied requests receive 403 with the decision
// body, and allowed requests are forwarded with the decision attached to the
// request context and echoed in X-Step-Up-* headers.
func (h *Handler) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		d, err := h.engine.Evaluate(ctx, decision.Request{
			AuthorizationHeader: r.Header.Get(authorizationHeader),
			Resource:            r.URL.Path,
			ReferrerURL:         referrerURL(r),
		})
		if err != nil {
			if !errors.Is(err, decision.ErrUnauthenticated) {
				h.log.ErrorContext(ctx, "authorization evaluation failed", slog.String("err", err.Error()))
			}
			h.writeJSON(w, http.StatusUnauthorized, errorCode{Code: "UNAUTHENTICATED"})
			return
		}
		if d.Effect == decision.EffectDeny {
			h.writeJSON(w, http.StatusForbidden, d)
			return
		}

		r.Header.Set("X-Step-Up-Status", d.Context.StepUpStatus)
		if d.Context.SessionID != "" {
			r.Header.Set("X-Step-Up-Session-Id", d.Context.SessionID)
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, decisionContextKey{}, d)))
	})
}

// referrerURL reconstructs the URL the caller hit, preferring proxy headers
// when present.
func referrerURL(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	if host == "" {
		return ""
	}
	return scheme + "://" + host + r.URL.Path
}
