// Package memory provides in-memory SessionStore and PolicyStore
// implementations backed by github.com/hashicorp/golang-lru/v2, with lazy
// expiry on read plus a periodic background sweep. Intended for tests and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stepupauth/stepup-server-go/store"
)

// Config controls the in-memory backends.
type Config struct {
	// MaxItems bounds each cache. Default: 4096.
	MaxItems int
	// Retention is the session visibility window. Default:
	// store.DefaultRetention.
	Retention time.Duration
}

func (c *Config) normalize() {
	if c.MaxItems == 0 {
		c.MaxItems = 4096
	}
	if c.Retention == 0 {
		c.Retention = store.DefaultRetention
	}
}

// SessionStore is the in-memory session backend.
type SessionStore struct {
	mu        sync.RWMutex
	cache     *lru.Cache[string, *store.Session]
	retention time.Duration
}

var _ store.SessionStore = (*SessionStore)(nil)

// NewSessionStore builds the backend and starts its expiry sweep.
func NewSessionStore(cfg Config) (*SessionStore, error) {
	cfg.normalize()
	cache, err := lru.New[string, *store.Session](cfg.MaxItems)
	if err != nil {
		return nil, fmt.Errorf("memory: create session cache: %w", err)
	}
	s := &SessionStore{cache: cache, retention: cfg.Retention}
	go s.sweepExpired()
	return s, nil
}

// Get returns the visible session for sessionID or store.ErrNotFound.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*store.Session, error) {
	s.mu.RLock()
	sess, ok := s.cache.Get(sessionID)
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sessionId %q", store.ErrNotFound, sessionID)
	}
	if sess.Expired(time.Now()) {
		s.mu.Lock()
		s.cache.Remove(sessionID)
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: sessionId %q", store.ErrNotFound, sessionID)
	}
	cp := *sess
	return &cp, nil
}

// Create persists a new session record.
func (s *SessionStore) Create(ctx context.Context, sess *store.Session, opts ...store.Option) (string, error) {
	return s.put(sess, true, store.ApplyOptions(opts))
}

// Update persists an existing session record.
func (s *SessionStore) Update(ctx context.Context, sess *store.Session, opts ...store.Option) (string, error) {
	return s.put(sess, false, store.ApplyOptions(opts))
}

func (s *SessionStore) put(sess *store.Session, create bool, o *store.Options) (string, error) {
	ref := time.Now()
	if o.ReferenceTime != nil {
		ref = *o.ReferenceTime
	}

	cp := *sess
	if create || cp.CreatedAt.IsZero() {
		cp.CreatedAt = ref
	}
	cp.UpdatedAt = ref
	cp.ExpiresAt = ref.Add(s.retention).Unix()

	s.mu.Lock()
	s.cache.Add(cp.SessionID, &cp)
	s.mu.Unlock()
	return cp.SessionID, nil
}

func (s *SessionStore) sweepExpired() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		s.mu.Lock()
		for _, key := range s.cache.Keys() {
			if sess, ok := s.cache.Peek(key); ok && sess.Expired(now) {
				s.cache.Remove(key)
			}
		}
		s.mu.Unlock()
	}
}

// PolicyStore is the in-memory policy backend. Policy records carry no TTL.
type PolicyStore struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *store.Policy]
}

var _ store.PolicyStore = (*PolicyStore)(nil)

// NewPolicyStore builds the backend.
func NewPolicyStore(cfg Config) (*PolicyStore, error) {
	cfg.normalize()
	cache, err := lru.New[string, *store.Policy](cfg.MaxItems)
	if err != nil {
		return nil, fmt.Errorf("memory: create policy cache: %w", err)
	}
	return &PolicyStore{cache: cache}, nil
}

// Get returns the policy for resourceID or store.ErrNotFound.
func (p *PolicyStore) Get(ctx context.Context, resourceID string) (*store.Policy, error) {
	p.mu.RLock()
	pol, ok := p.cache.Get(resourceID)
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: resourceId %q", store.ErrNotFound, resourceID)
	}
	cp := *pol
	return &cp, nil
}

// Put creates or replaces a policy record.
func (p *PolicyStore) Put(ctx context.Context, pol *store.Policy, opts ...store.Option) error {
	o := store.ApplyOptions(opts)
	ref := time.Now()
	if o.ReferenceTime != nil {
		ref = *o.ReferenceTime
	}

	cp := *pol
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = ref
	}
	cp.UpdatedAt = ref

	p.mu.Lock()
	p.cache.Add(cp.ResourceID, &cp)
	p.mu.Unlock()
	return nil
}

// Delete removes a policy record. Deleting an absent record is not an error.
func (p *PolicyStore) Delete(ctx context.Context, resourceID string) error {
	p.mu.Lock()
	p.cache.Remove(resourceID)
	p.mu.Unlock()
	return nil
}
