// Package httpserver is the HTTP transport for the step-up authorization
// service. It exposes the challenge and initiate legs, and a Protect
// middleware that gates arbitrary handlers behind the decision engine.
package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"

	"github.com/stepupauth/stepup-server-go/challenge"
	"github.com/stepupauth/stepup-server-go/decision"
	"github.com/stepupauth/stepup-server-go/internal/logctx"
	"github.com/stepupauth/stepup-server-go/mfa"
	"github.com/stepupauth/stepup-server-go/store"
	"github.com/stepupauth/stepup-server-go/token"
)

const (
	initiatePath  = "/initiate-auth"
	challengePath = "/respond-to-challenge"

	authorizationHeader = "Authorization"
)

var bearerHeaderPattern = regexp.MustCompile(`^Bearer [A-Za-z0-9\-_=.]+$`)

// Config controls the HTTP surface. Defaults can be loaded via envdecode.
type Config struct {
	// Addr to listen on. ENV: STEPUP_ADDR
	Addr string `env:"STEPUP_ADDR,default=:8080"`
	// AllowedOrigin for CORS responses. ENV: STEPUP_ALLOWED_ORIGIN
	AllowedOrigin string `env:"STEPUP_ALLOWED_ORIGIN,default=*"`
}

// ConfigFromEnv populates Config via envdecode.
func ConfigFromEnv() Config {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return cfg
}

// Deps wires the handler's collaborators.
type Deps struct {
	Engine   *decision.Engine
	Verifier *token.Verifier
	Sessions store.SessionStore
	MFA      mfa.Verifier
	Factors  mfa.FactorSelector
	Logger   *slog.Logger
}

// Handler serves the step-up endpoints.
type Handler struct {
	cfg      Config
	mux      *http.ServeMux
	engine   *decision.Engine
	verifier *token.Verifier
	sessions store.SessionStore
	mfa      mfa.Verifier
	factors  mfa.FactorSelector
	log      *slog.Logger
}

// New builds the handler. Engine, Verifier, Sessions and MFA are required;
// Factors may be nil when the initiate leg is not served.
func New(cfg Config, deps Deps) (*Handler, error) {
	if deps.Engine == nil {
		return nil, errors.New("httpserver: engine is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("httpserver: verifier is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("httpserver: session store is required")
	}
	if deps.MFA == nil {
		return nil, errors.New("httpserver: mfa verifier is required")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.AllowedOrigin == "" {
		cfg.AllowedOrigin = "*"
	}

	h := &Handler{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		engine:   deps.Engine,
		verifier: deps.Verifier,
		sessions: deps.Sessions,
		mfa:      deps.MFA,
		factors:  deps.Factors,
		log:      log,
	}

	h.mux.HandleFunc("POST "+challengePath, h.handleChallenge)
	h.mux.HandleFunc("OPTIONS "+challengePath, h.handlePreflight)
	if h.factors != nil {
		h.mux.HandleFunc("POST "+initiatePath, h.handleInitiate)
		h.mux.HandleFunc("OPTIONS "+initiatePath, h.handlePreflight)
	}
	return h, nil
}

// ServeHTTP implements http.Handler, attaching request correlation data for
// logctx before routing.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

func (h *Handler) baseHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", h.cfg.AllowedOrigin)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,identification")
	w.Header().Set("Access-Control-Allow-Methods", "OPTIONS,POST,GET")
}

func (h *Handler) handlePreflight(w http.ResponseWriter, r *http.Request) {
	h.baseHeaders(w)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	h.baseHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusInfo is the challenge endpoint's response body.
type statusInfo struct {
	Name    string `json:"name"`
	Details string `json:"details"`
}

// errorCode is the generic machine-readable error body.
type errorCode struct {
	Code string `json:"code"`
}

// bearerToken extracts the raw token from a structurally valid Authorization
// header, or reports failure.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get(authorizationHeader)
	if !bearerHeaderPattern.MatchString(header) {
		return "", false
	}
	return header[len("Bearer "):], true
}

// challengeRequest is the challenge endpoint's request body.
type challengeRequest struct {
	StepUpType string `json:"step-up-type"`
	Response   string `json:"challenge-response"`
}

func (h *Handler) handleChallenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, ok := bearerToken(r)
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, errorCode{Code: "UNAUTHENTICATED"})
		return
	}

	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StepUpType == "" || req.Response == "" {
		h.log.WarnContext(ctx, "challenge request body missing required keys")
		h.writeJSON(w, http.StatusBadRequest, statusInfo{Name: "Status", Details: "Challenge Failed - Check Keys in Body of Request"})
		return
	}

	cfg := challenge.Config{
		Token:    raw,
		Response: req.Response,
		Verifier: h.verifier,
		Sessions: h.sessions,
		Logger:   h.log,
	}

	var (
		responder challenge.Responder
		err       error
	)
	switch mfa.Factor(req.StepUpType) {
	case mfa.FactorSMS:
		responder, err = challenge.NewSMS(cfg, h.mfa)
	case mfa.FactorSoftwareToken, mfa.FactorMaybeSoftwareToken:
		responder, err = challenge.NewSoftwareToken(cfg, h.mfa)
	default:
		h.writeJSON(w, http.StatusBadRequest, statusInfo{Name: "Status", Details: "Challenge Failed - Check Keys in Body of Request"})
		return
	}
	if err != nil {
		h.log.ErrorContext(ctx, "responder construction failed", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	completed, err := responder.Validate(ctx)
	switch {
	case errors.Is(err, challenge.ErrInvalidToken):
		h.log.WarnContext(ctx, "challenge token invalid", slog.String("err", err.Error()))
		h.writeJSON(w, http.StatusUnauthorized, errorCode{Code: "INVALID_TOKEN"})
		return
	case err != nil:
		h.log.ErrorContext(ctx, "challenge validation error", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	case !completed:
		h.writeJSON(w, http.StatusUnauthorized, statusInfo{Name: "Status", Details: "Challenge Failed - Code Mismatch or Expired Code"})
		return
	}

	h.writeJSON(w, http.StatusOK, statusInfo{Name: "Status", Details: "Challenge Successful"})
}

func (h *Handler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, ok := bearerToken(r)
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, errorCode{Code: "UNAUTHENTICATED"})
		return
	}

	factor, err := h.factors.PreferredFactor(ctx, raw)
	if err != nil {
		h.log.WarnContext(ctx, "factor selection failed", slog.String("err", err.Error()))
		h.writeJSON(w, http.StatusBadRequest, errorCode{Code: "BAD_REQUEST"})
		return
	}

	if factor == mfa.FactorSMS {
		if err := h.factors.RequestPhoneCode(ctx, raw); err != nil {
			if errors.Is(err, mfa.ErrRateLimited) {
				h.writeJSON(w, http.StatusTooManyRequests, errorCode{Code: "RATE_LIMITED"})
				return
			}
			h.log.WarnContext(ctx, "phone code request failed", slog.String("err", err.Error()))
			h.writeJSON(w, http.StatusBadRequest, errorCode{Code: "BAD_REQUEST"})
			return
		}
	}

	h.writeJSON(w, http.StatusOK, errorCode{Code: string(factor)})
}
