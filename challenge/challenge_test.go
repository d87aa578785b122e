package challenge

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stepupauth/stepup-server-go/mfa"
	"github.com/stepupauth/stepup-server-go/store"
	"github.com/stepupauth/stepup-server-go/store/memory"
	"github.com/stepupauth/stepup-server-go/token"
)

type staticKeys struct {
	pub *rsa.PublicKey
}

func (s staticKeys) Resolve(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	return s.pub, nil
}

// fakeMFA scripts the factor check and records whether it ran.
type fakeMFA struct {
	result mfa.Result
	err    error
	calls  int
}

func (f *fakeMFA) VerifyPhoneAttribute(ctx context.Context, accessToken, code string) (mfa.Result, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeMFA) VerifySoftwareToken(ctx context.Context, accessToken, code string) (mfa.Result, error) {
	f.calls++
	return f.result, f.err
}

type fixture struct {
	pk       *rsa.PrivateKey
	verifier *token.Verifier
	sessions *memory.SessionStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	verifier, err := token.NewVerifier(token.VerifierConfig{Keys: staticKeys{pub: &pk.PublicKey}})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	sessions, err := memory.NewSessionStore(memory.Config{})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	return &fixture{pk: pk, verifier: verifier, sessions: sessions}
}

func (f *fixture) signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "k1"
	s, err := tok.SignedString(f.pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func (f *fixture) accessToken(t *testing.T, jti string, exp time.Time) string {
	t.Helper()
	return f.signToken(t, jwt.MapClaims{
		"token_use": "access",
		"sub":       "user-123",
		"username":  "jdoe",
		"client_id": "client-abc",
		"jti":       jti,
		"exp":       exp.Unix(),
	})
}

func (f *fixture) config(tok, response string) Config {
	return Config{
		Token:    tok,
		Response: response,
		Verifier: f.verifier,
		Sessions: f.sessions,
	}
}

func (f *fixture) seedSession(t *testing.T, id string) {
	t.Helper()
	sess := store.NewSession(id, "jdoe", "client-abc", "", "/transfer", store.StatusRequired)
	if _, err := f.sessions.Create(context.Background(), sess); err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func TestSMS_ShortResponseFailsWithoutFactorCall(t *testing.T) {
	f := newFixture(t)
	mock := &fakeMFA{result: mfa.Result{OK: true}}
	tok := f.accessToken(t, "sess-1", time.Now().Add(time.Hour))

	r, err := NewSMS(f.config(tok, "42"), mock)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ok, err := r.Validate(context.Background())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if ok {
		t.Fatalf("short response must fail")
	}
	if mock.calls != 0 {
		t.Fatalf("short response must not reach the factor check, got %d calls", mock.calls)
	}
}

func TestSMS_SuccessCompletesSession(t *testing.T) {
	f := newFixture(t)
	f.seedSession(t, "sess-1")
	mock := &fakeMFA{result: mfa.Result{OK: true, Status: "SUCCESS"}}
	tok := f.accessToken(t, "sess-1", time.Now().Add(time.Hour))

	r, err := NewSMS(f.config(tok, "123456"), mock)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ok, err := r.Validate(context.Background())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !ok {
		t.Fatalf("expected challenge success")
	}

	sess, err := f.sessions.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != store.StatusCompleted {
		t.Fatalf("want %s, got %s", store.StatusCompleted, sess.Status)
	}
}

func TestSMS_CodeMismatchLeavesSessionPending(t *testing.T) {
	f := newFixture(t)
	f.seedSession(t, "sess-1")
	mock := &fakeMFA{result: mfa.Result{OK: false, Status: "CodeMismatchException"}}
	tok := f.accessToken(t, "sess-1", time.Now().Add(time.Hour))

	r, err := NewSMS(f.config(tok, "000000"), mock)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ok, err := r.Validate(context.Background())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if ok {
		t.Fatalf("mismatched code must fail")
	}

	sess, _ := f.sessions.Get(context.Background(), "sess-1")
	if sess.Status != store.StatusRequired {
		t.Fatalf("failed challenge must not complete session, got %s", sess.Status)
	}
}

func TestSMS_FactorBackendError(t *testing.T) {
	f := newFixture(t)
	f.seedSession(t, "sess-1")
	mock := &fakeMFA{err: errors.New("cognito unavailable")}
	tok := f.accessToken(t, "sess-1", time.Now().Add(time.Hour))

	r, err := NewSMS(f.config(tok, "123456"), mock)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ok, err := r.Validate(context.Background())
	if err == nil {
		t.Fatalf("backend failure must surface as an error")
	}
	if ok {
		t.Fatalf("backend failure must not report success")
	}
}

func TestSMS_ExpiredTokenIsInvalid(t *testing.T) {
	f := newFixture(t)
	mock := &fakeMFA{result: mfa.Result{OK: true}}
	tok := f.accessToken(t, "sess-1", time.Now().Add(-time.Minute))

	r, err := NewSMS(f.config(tok, "123456"), mock)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = r.Validate(context.Background())
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken for expired token, got %v", err)
	}
	if mock.calls != 0 {
		t.Fatalf("invalid token must not reach the factor check")
	}
}

func TestSMS_IDTokenIsInvalid(t *testing.T) {
	f := newFixture(t)
	mock := &fakeMFA{result: mfa.Result{OK: true}}
	tok := f.signToken(t, jwt.MapClaims{
		"token_use":        "id",
		"cognito:username": "jdoe",
		"aud":              []string{"client-abc"},
		"exp":              time.Now().Add(time.Hour).Unix(),
	})

	r, err := NewSMS(f.config(tok, "123456"), mock)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := r.Validate(context.Background()); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken for identity token, got %v", err)
	}
}

func TestSMS_MissingSession(t *testing.T) {
	f := newFixture(t)
	mock := &fakeMFA{result: mfa.Result{OK: true}}
	tok := f.accessToken(t, "sess-ghost", time.Now().Add(time.Hour))

	r, err := NewSMS(f.config(tok, "123456"), mock)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ok, err := r.Validate(context.Background())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if ok {
		t.Fatalf("a correct code with no session must not succeed")
	}
}

func TestSoftwareToken_SuccessCompletesSession(t *testing.T) {
	f := newFixture(t)
	f.seedSession(t, "sess-1")
	mock := &fakeMFA{result: mfa.Result{OK: true, Status: "SUCCESS"}}
	tok := f.accessToken(t, "sess-1", time.Now().Add(time.Hour))

	r, err := NewSoftwareToken(f.config(tok, "654321"), mock)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ok, err := r.Validate(context.Background())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !ok {
		t.Fatalf("expected challenge success")
	}

	sess, _ := f.sessions.Get(context.Background(), "sess-1")
	if sess.Status != store.StatusCompleted {
		t.Fatalf("want %s, got %s", store.StatusCompleted, sess.Status)
	}
}

func TestSoftwareToken_RepeatCompletionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedSession(t, "sess-1")
	mock := &fakeMFA{result: mfa.Result{OK: true, Status: "SUCCESS"}}
	tok := f.accessToken(t, "sess-1", time.Now().Add(time.Hour))

	for i := 0; i < 2; i++ {
		r, err := NewSoftwareToken(f.config(tok, "654321"), mock)
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		ok, err := r.Validate(context.Background())
		if err != nil {
			t.Fatalf("validate round %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("round %d failed", i)
		}
	}

	sess, _ := f.sessions.Get(context.Background(), "sess-1")
	if sess.Status != store.StatusCompleted {
		t.Fatalf("want %s, got %s", store.StatusCompleted, sess.Status)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := NewSMS(Config{Response: "123456"}, &fakeMFA{}); err == nil {
		t.Fatalf("expected error without verifier and sessions")
	}
}
