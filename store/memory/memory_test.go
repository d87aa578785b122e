package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stepupauth/stepup-server-go/store"
)

func newSessions(t *testing.T, cfg Config) *SessionStore {
	t.Helper()
	s, err := NewSessionStore(cfg)
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	return s
}

func TestSessionStore_CreateAndGet(t *testing.T) {
	s := newSessions(t, Config{})
	ctx := context.Background()

	sess := store.NewSession("sess-1", "jdoe", "client-abc", "", "/transfer", store.StatusRequired)
	id, err := s.Create(ctx, sess)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "sess-1" {
		t.Fatalf("want id sess-1, got %q", id)
	}

	got, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.StatusRequired {
		t.Fatalf("want status %s, got %s", store.StatusRequired, got.Status)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", got)
	}
	if got.ExpiresAt == 0 {
		t.Fatalf("expiry not set")
	}
}

func TestSessionStore_GetMissing(t *testing.T) {
	s := newSessions(t, Config{})
	if _, err := s.Get(context.Background(), "absent"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestSessionStore_GetReturnsCopy(t *testing.T) {
	s := newSessions(t, Config{})
	ctx := context.Background()

	sess := store.NewSession("sess-1", "jdoe", "client-abc", "", "/transfer", store.StatusRequired)
	if _, err := s.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	a, _ := s.Get(ctx, "sess-1")
	a.Status = store.StatusCompleted

	b, _ := s.Get(ctx, "sess-1")
	if b.Status != store.StatusRequired {
		t.Fatalf("mutating a read leaked into the store")
	}
}

func TestSessionStore_UpdateTransition(t *testing.T) {
	s := newSessions(t, Config{})
	ctx := context.Background()

	sess := store.NewSession("sess-1", "jdoe", "client-abc", "", "/transfer", store.StatusRequired)
	if _, err := s.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, _ := s.Get(ctx, "sess-1")
	got.Status = store.StatusCompleted
	if _, err := s.Update(ctx, got, store.WithReferenceTime(time.Now())); err != nil {
		t.Fatalf("update: %v", err)
	}

	after, _ := s.Get(ctx, "sess-1")
	if after.Status != store.StatusCompleted {
		t.Fatalf("want %s after update, got %s", store.StatusCompleted, after.Status)
	}
	if after.CreatedAt.After(after.UpdatedAt) {
		t.Fatalf("create timestamp moved forward past update")
	}
}

func TestSessionStore_ExpiredInvisible(t *testing.T) {
	s := newSessions(t, Config{Retention: time.Hour})
	ctx := context.Background()

	past := time.Now().Add(-2 * time.Hour)
	sess := store.NewSession("sess-old", "jdoe", "client-abc", "", "/transfer", store.StatusCompleted)
	if _, err := s.Create(ctx, sess, store.WithReferenceTime(past)); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := s.Get(ctx, "sess-old"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expired session must be invisible, got %v", err)
	}
}

func TestSessionStore_WriteRefreshesExpiry(t *testing.T) {
	s := newSessions(t, Config{Retention: time.Hour})
	ctx := context.Background()

	past := time.Now().Add(-50 * time.Minute)
	sess := store.NewSession("sess-1", "jdoe", "client-abc", "", "/transfer", store.StatusRequired)
	if _, err := s.Create(ctx, sess, store.WithReferenceTime(past)); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	firstExpiry := got.ExpiresAt

	got.Status = store.StatusCompleted
	if _, err := s.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	after, _ := s.Get(ctx, "sess-1")
	if after.ExpiresAt <= firstExpiry {
		t.Fatalf("update must push expiry forward: %d -> %d", firstExpiry, after.ExpiresAt)
	}
}

func TestPolicyStore_RoundTrip(t *testing.T) {
	p, err := NewPolicyStore(Config{})
	if err != nil {
		t.Fatalf("new policy store: %v", err)
	}
	ctx := context.Background()

	if err := p.Put(ctx, &store.Policy{ResourceID: "/transfer", Requirement: store.RequirementRequired}); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := p.Get(ctx, "/transfer")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Requirement != store.RequirementRequired {
		t.Fatalf("want %s, got %s", store.RequirementRequired, got.Requirement)
	}

	if err := p.Delete(ctx, "/transfer"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := p.Get(ctx, "/transfer"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound after delete, got %v", err)
	}

	// Deleting an absent record stays quiet.
	if err := p.Delete(ctx, "/transfer"); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
}

func TestPolicyStore_FailOpenViaRequirementFor(t *testing.T) {
	p, err := NewPolicyStore(Config{})
	if err != nil {
		t.Fatalf("new policy store: %v", err)
	}

	got := store.RequirementFor(context.Background(), p, "/unconfigured")
	if got != store.RequirementNotRequired {
		t.Fatalf("unconfigured resource must fail open, got %s", got)
	}
}
