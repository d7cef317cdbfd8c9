// Package auth validates API credentials presented by third-party callers.
//
// A credential is an opaque bearer token "nptu_<hex>". Only its SHA-256 hash is
// stored; the raw token is shown once at issuance. Validation resolves the
// owner, the granted scopes and the owner's active billing subscription.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sudigital/neptu-api/internal/idgen"
)

// TokenPrefix marks every API credential.
const TokenPrefix = "nptu_"

// tokenEntropyBytes is the random part of a token (48 hex chars).
const tokenEntropyBytes = 24

// Errors
var (
	ErrMissingCredential   = errors.New("authorization header required")
	ErrMalformedCredential = errors.New("malformed credential")
	ErrInvalidCredential   = errors.New("invalid or expired credential")
	ErrCredentialNotFound  = errors.New("credential not found")

	// ErrMalformedHeader and ErrMalformedToken both match ErrMalformedCredential.
	ErrMalformedHeader = fmt.Errorf("%w: expected Bearer scheme", ErrMalformedCredential)
	ErrMalformedToken  = fmt.Errorf("%w: token prefix mismatch", ErrMalformedCredential)
)

// Credential is the stored form of an API key.
type Credential struct {
	ID                string     `json:"id"`
	OwnerID           string     `json:"ownerId"`
	Name              string     `json:"name"`
	KeyHash           string     `json:"-"`
	KeyPrefix         string     `json:"keyPrefix"` // first characters of the raw token, for display
	Scopes            []string   `json:"scopes"`
	RequestsPerMinute int        `json:"requestsPerMinute,omitempty"` // 0 means plan or gateway default
	RevokedAt         *time.Time `json:"revokedAt,omitempty"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// Usable reports whether the credential is neither revoked nor expired at now.
func (c *Credential) Usable(now time.Time) bool {
	if c.RevokedAt != nil {
		return false
	}
	return c.ExpiresAt == nil || now.Before(*c.ExpiresAt)
}

// Subscription is the billing linkage resolved for an owner.
type Subscription struct {
	ID                string
	PlanID            string
	RequestsPerMinute int
}

// Identity is the result of a successful validation.
type Identity struct {
	CredentialID      string
	OwnerID           string
	Scopes            ScopeSet
	SubscriptionID    string // empty when the owner has no active subscription
	PlanID            string
	RequestsPerMinute int // 0 means the gateway default applies
}

// HasSubscription reports whether a billing subscription is attached.
func (id *Identity) HasSubscription() bool {
	return id.SubscriptionID != ""
}

// Store persists credentials.
type Store interface {
	Create(ctx context.Context, cred *Credential) error
	GetByHash(ctx context.Context, hash string) (*Credential, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Credential, error)
	Revoke(ctx context.Context, id string, at time.Time) error
}

// SubscriptionResolver finds an owner's active subscription.
// It returns (nil, nil) when the owner has none.
type SubscriptionResolver interface {
	ActiveSubscription(ctx context.Context, ownerID string) (*Subscription, error)
}

// Validator checks bearer credentials. It has no side effects.
type Validator struct {
	store    Store
	resolver SubscriptionResolver
	now      func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates a validator. resolver may be nil, in which case no
// subscription is ever attached.
func NewValidator(store Store, resolver SubscriptionResolver, opts ...Option) *Validator {
	v := &Validator{store: store, resolver: resolver, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingCredential
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || scheme != "Bearer" {
		return "", ErrMalformedHeader
	}
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, TokenPrefix) || len(token) == len(TokenPrefix) {
		return "", ErrMalformedToken
	}
	return token, nil
}

// Validate authenticates an Authorization header value.
func (v *Validator) Validate(ctx context.Context, header string) (*Identity, error) {
	token, err := ParseBearer(header)
	if err != nil {
		return nil, err
	}

	cred, err := v.store.GetByHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, fmt.Errorf("%w: lookup: %v", ErrInvalidCredential, err)
	}
	if !cred.Usable(v.now()) {
		return nil, ErrInvalidCredential
	}

	id := &Identity{
		CredentialID:      cred.ID,
		OwnerID:           cred.OwnerID,
		Scopes:            NewScopeSet(cred.Scopes...),
		RequestsPerMinute: cred.RequestsPerMinute,
	}

	if v.resolver != nil {
		sub, err := v.resolver.ActiveSubscription(ctx, cred.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("%w: subscription lookup: %v", ErrInvalidCredential, err)
		}
		if sub != nil {
			id.SubscriptionID = sub.ID
			id.PlanID = sub.PlanID
			if id.RequestsPerMinute == 0 {
				id.RequestsPerMinute = sub.RequestsPerMinute
			}
		}
	}

	return id, nil
}

// IssueParams describes a new credential.
type IssueParams struct {
	OwnerID           string
	Name              string
	Scopes            []string
	RequestsPerMinute int
	ExpiresAt         *time.Time
}

// Issue creates a credential and returns the raw token, which is not stored.
func Issue(ctx context.Context, store Store, p IssueParams) (string, *Credential, error) {
	if p.OwnerID == "" {
		return "", nil, errors.New("owner id is required")
	}
	for _, s := range p.Scopes {
		if !IsKnownScope(s) {
			return "", nil, fmt.Errorf("unknown scope %q", s)
		}
	}

	raw := idgen.Secret(TokenPrefix, tokenEntropyBytes)
	cred := &Credential{
		ID:                idgen.WithPrefix("key_"),
		OwnerID:           p.OwnerID,
		Name:              p.Name,
		KeyHash:           HashToken(raw),
		KeyPrefix:         raw[:len(TokenPrefix)+8],
		Scopes:            append([]string(nil), p.Scopes...),
		RequestsPerMinute: p.RequestsPerMinute,
		ExpiresAt:         p.ExpiresAt,
		CreatedAt:         time.Now().UTC(),
	}
	if err := store.Create(ctx, cred); err != nil {
		return "", nil, err
	}
	return raw, cred, nil
}

// HashToken returns the hex SHA-256 of a raw token.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
