// Package dynamo provides DynamoDB-backed SessionStore and PolicyStore
// implementations. The session table is expected to have a TTL enabled on
// its ttl attribute; because DynamoDB expiry is lazy, reads additionally
// filter records past their expiry so they stay invisible.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/stepupauth/stepup-server-go/store"
)

const (
	defaultSessionTable = "step-up-auth-session"
	defaultPolicyTable  = "step-up-auth-policy"
)

// Config controls the DynamoDB backends.
type Config struct {
	// Client is required.
	Client *dynamodb.Client
	// EnvironmentSuffix, when set, is appended to the default table names
	// ("step-up-auth-session-dev" etc).
	EnvironmentSuffix string
	// SessionTable / PolicyTable override the derived table names.
	SessionTable string
	PolicyTable  string
	// Retention is the session visibility window. Default:
	// store.DefaultRetention.
	Retention time.Duration
}

// Stores bundles the two backends sharing one client.
type Stores struct {
	Sessions *SessionStore
	Policies *PolicyStore
}

// New builds both stores.
func New(cfg Config) (*Stores, error) {
	if cfg.Client == nil {
		return nil, errors.New("dynamo: client is required")
	}
	sessionTable := cfg.SessionTable
	if sessionTable == "" {
		sessionTable = tableName(defaultSessionTable, cfg.EnvironmentSuffix)
	}
	policyTable := cfg.PolicyTable
	if policyTable == "" {
		policyTable = tableName(defaultPolicyTable, cfg.EnvironmentSuffix)
	}
	retention := cfg.Retention
	if retention == 0 {
		retention = store.DefaultRetention
	}
	return &Stores{
		Sessions: &SessionStore{client: cfg.Client, table: sessionTable, retention: retention},
		Policies: &PolicyStore{client: cfg.Client, table: policyTable},
	}, nil
}

func tableName(base, suffix string) string {
	if suffix == "" {
		return base
	}
	return base + "-" + suffix
}

// sessionRecord is the table shape. Timestamps persist as RFC 3339 strings,
// ttl as epoch seconds.
type sessionRecord struct {
	SessionID   string `dynamodbav:"sessionId"`
	UserID      string `dynamodbav:"userId"`
	ClientID    string `dynamodbav:"clientId"`
	Token       string `dynamodbav:"token"`
	ReferrerURL string `dynamodbav:"referrerUrl"`
	Status      string `dynamodbav:"stepUpStatus"`
	CreatedAt   string `dynamodbav:"createTimestamp"`
	UpdatedAt   string `dynamodbav:"lastUpdateTimestamp"`
	TTL         int64  `dynamodbav:"ttl"`
}

func toSessionRecord(s *store.Session) sessionRecord {
	return sessionRecord{
		SessionID:   s.SessionID,
		UserID:      s.UserID,
		ClientID:    s.ClientID,
		Token:       s.Token,
		ReferrerURL: s.ReferrerURL,
		Status:      string(s.Status),
		CreatedAt:   formatTime(s.CreatedAt),
		UpdatedAt:   formatTime(s.UpdatedAt),
		TTL:         s.ExpiresAt,
	}
}

func (r sessionRecord) toSession() *store.Session {
	return &store.Session{
		SessionID:   r.SessionID,
		UserID:      r.UserID,
		ClientID:    r.ClientID,
		Token:       r.Token,
		ReferrerURL: r.ReferrerURL,
		Status:      store.Status(r.Status),
		CreatedAt:   parseTime(r.CreatedAt),
		UpdatedAt:   parseTime(r.UpdatedAt),
		ExpiresAt:   r.TTL,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SessionStore is the DynamoDB session backend.
type SessionStore struct {
	client    *dynamodb.Client
	table     string
	retention time.Duration
}

var _ store.SessionStore = (*SessionStore)(nil)

// Get returns the visible session for sessionID or store.ErrNotFound.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*store.Session, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"sessionId": &types.AttributeValueMemberS{Value: sessionID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: get session %q: %w", sessionID, err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("%w: sessionId %q", store.ErrNotFound, sessionID)
	}

	var rec sessionRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("dynamo: unmarshal session %q: %w", sessionID, err)
	}
	sess := rec.toSession()
	if sess.Expired(time.Now()) {
		return nil, fmt.Errorf("%w: sessionId %q", store.ErrNotFound, sessionID)
	}
	return sess, nil
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

	item, err := attributevalue.MarshalMap(toSessionRecord(&cp))
	if err != nil {
		return "", fmt.Errorf("dynamo: marshal session: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return "", fmt.Errorf("dynamo: put session %q: %w", cp.SessionID, err)
	}
	return cp.SessionID, nil
}

// policyRecord is the policy table shape.
type policyRecord struct {
	ResourceID  string `dynamodbav:"id"`
	Requirement string `dynamodbav:"stepUpState"`
	CreatedAt   string `dynamodbav:"createTimestamp"`
	UpdatedAt   string `dynamodbav:"lastUpdateTimestamp"`
}

// PolicyStore is the DynamoDB policy backend.
type PolicyStore struct {
	client *dynamodb.Client
	table  string
}

var _ store.PolicyStore = (*PolicyStore)(nil)

// Get returns the policy for resourceID or store.ErrNotFound.
func (p *PolicyStore) Get(ctx context.Context, resourceID string) (*store.Policy, error) {
	out, err := p.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(p.table),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: resourceID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: get policy %q: %w", resourceID, err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("%w: resourceId %q", store.ErrNotFound, resourceID)
	}

	var rec policyRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("dynamo: unmarshal policy %q: %w", resourceID, err)
	}
	return &store.Policy{
		ResourceID:  rec.ResourceID,
		Requirement: store.Requirement(rec.Requirement),
		CreatedAt:   parseTime(rec.CreatedAt),
		UpdatedAt:   parseTime(rec.UpdatedAt),
	}, nil
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

	item, err := attributevalue.MarshalMap(policyRecord{
		ResourceID:  cp.ResourceID,
		Requirement: string(cp.Requirement),
		CreatedAt:   formatTime(cp.CreatedAt),
		UpdatedAt:   formatTime(cp.UpdatedAt),
	})
	if err != nil {
		return fmt.Errorf("dynamo: marshal policy: %w", err)
	}
	if _, err := p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("dynamo: put policy %q: %w", cp.ResourceID, err)
	}
	return nil
}

// Delete removes a policy record.
func (p *PolicyStore) Delete(ctx context.Context, resourceID string) error {
	if _, err := p.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(p.table),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: resourceID},
		},
	}); err != nil {
		return fmt.Errorf("dynamo: delete policy %q: %w", resourceID, err)
	}
	return nil
}
