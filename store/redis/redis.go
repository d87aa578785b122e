// Package redis provides Redis-backed SessionStore and PolicyStore
// implementations. Session keys carry a native TTL matching the record's
// expiry; policy keys never expire.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/stepupauth/stepup-server-go/store"
)

// Config controls the Redis backends. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: STEPUP_REDIS_ADDR
	RedisAddr string `env:"STEPUP_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: STEPUP_REDIS_KEY_PREFIX
	KeyPrefix string `env:"STEPUP_REDIS_KEY_PREFIX,default=stepup:"`
	// Retention is the session visibility window. ENV: STEPUP_SESSION_RETENTION
	Retention time.Duration `env:"STEPUP_SESSION_RETENTION,default=8760h"`

	// Client overrides RedisAddr when set.
	Client *redis.Client
}

// Stores bundles the two backends sharing one client.
type Stores struct {
	Sessions *SessionStore
	Policies *PolicyStore

	client *redis.Client
}

// New connects (unless cfg.Client is supplied) and builds both stores.
func New(ctx context.Context, cfg Config) (*Stores, error) {
	client := cfg.Client
	if client == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "stepup:"
	}
	retention := cfg.Retention
	if retention == 0 {
		retention = store.DefaultRetention
	}
	return &Stores{
		Sessions: &SessionStore{client: client, keyPrefix: prefix + "session:", retention: retention},
		Policies: &PolicyStore{client: client, keyPrefix: prefix + "policy:"},
		client:   client,
	}, nil
}

// NewFromEnv builds Stores using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Stores, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(ctx, cfg)
}

// Close closes the shared Redis client.
func (s *Stores) Close() error { return s.client.Close() }

// SessionStore is the Redis session backend.
type SessionStore struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
}

var _ store.SessionStore = (*SessionStore)(nil)

// Get returns the visible session for sessionID or store.ErrNotFound.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*store.Session, error) {
	key := s.keyPrefix + sessionID
	raw, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: sessionId %q", store.ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}

	var sess store.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("redis: unmarshal session %s: %w", key, err)
	}
	if sess.Expired(time.Now()) {
		// Redis should have evicted this already; treat it as invisible.
		s.client.Del(ctx, key)
		return nil, fmt.Errorf("%w: sessionId %q", store.ErrNotFound, sessionID)
	}
	return &sess, nil
}

// Create persists a new session record.
func (s *SessionStore) Create(ctx context.Context, sess *store.Session, opts ...store.Option) (string, error) {
	return s.put(ctx, sess, true, store.ApplyOptions(opts))
}

// Update persists an existing session record.
func (s *SessionStore) Update(ctx context.Context, sess *store.Session, opts ...store.Option) (string, error) {
	return s.put(ctx, sess, false, store.ApplyOptions(opts))
}

func (s *SessionStore) put(ctx context.Context, sess *store.Session, create bool, o *store.Options) (string, error) {
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

	data, err := json.Marshal(&cp)
	if err != nil {
		return "", fmt.Errorf("redis: marshal session: %w", err)
	}
	key := s.keyPrefix + cp.SessionID
	ttl := time.Until(time.Unix(cp.ExpiresAt, 0))
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return "", fmt.Errorf("redis: set %s: %w", key, err)
	}
	return cp.SessionID, nil
}

// PolicyStore is the Redis policy backend.
type PolicyStore struct {
	client    *redis.Client
	keyPrefix string
}

var _ store.PolicyStore = (*PolicyStore)(nil)

// Get returns the policy for resourceID or store.ErrNotFound.
func (p *PolicyStore) Get(ctx context.Context, resourceID string) (*store.Policy, error) {
	key := p.keyPrefix + resourceID
	raw, err := p.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: resourceId %q", store.ErrNotFound, resourceID)
		}
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}
	var pol store.Policy
	if err := json.Unmarshal([]byte(raw), &pol); err != nil {
		return nil, fmt.Errorf("redis: unmarshal policy %s: %w", key, err)
	}
	return &pol, nil
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

	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("redis: marshal policy: %w", err)
	}
	key := p.keyPrefix + cp.ResourceID
	if err := p.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

// Delete removes a policy record.
func (p *PolicyStore) Delete(ctx context.Context, resourceID string) error {
	key := p.keyPrefix + resourceID
	if err := p.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: del %s: %w", key, err)
	}
	return nil
}
