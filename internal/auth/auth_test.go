package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	sub *Subscription
	err error
}

func (s stubResolver) ActiveSubscription(context.Context, string) (*Subscription, error) {
	return s.sub, s.err
}

func issue(t *testing.T, store Store, p IssueParams) (string, *Credential) {
	t.Helper()
	raw, cred, err := Issue(context.Background(), store, p)
	require.NoError(t, err)
	return raw, cred
}

func TestIssue_TokenFormat(t *testing.T) {
	store := NewMemoryStore()
	raw, cred := issue(t, store, IssueParams{OwnerID: "user_1", Name: "ci", Scopes: []string{ScopeRead}})

	assert.True(t, strings.HasPrefix(raw, TokenPrefix))
	assert.Len(t, raw, len(TokenPrefix)+48)
	assert.True(t, strings.HasPrefix(cred.ID, "key_"))
	assert.Equal(t, HashToken(raw), cred.KeyHash)
	assert.True(t, strings.HasPrefix(raw, cred.KeyPrefix))
	assert.NotContains(t, cred.KeyHash, raw)
}

func TestIssue_RejectsUnknownScope(t *testing.T) {
	_, _, err := Issue(context.Background(), NewMemoryStore(), IssueParams{OwnerID: "u", Scopes: []string{"neptu:everything"}})
	assert.Error(t, err)
}

func TestParseBearer(t *testing.T) {
	tests := []struct {
		header  string
		wantErr error
	}{
		{"", ErrMissingCredential},
		{"   ", ErrMissingCredential},
		{"nptu_abc", ErrMalformedHeader},
		{"Basic nptu_abc", ErrMalformedHeader},
		{"bearer nptu_abc", ErrMalformedHeader},
		{"Bearer sk_abc", ErrMalformedToken},
		{"Bearer nptu_", ErrMalformedToken},
		{"Bearer nptu_abc", nil},
	}
	for _, tt := range tests {
		_, err := ParseBearer(tt.header)
		if tt.wantErr == nil {
			assert.NoError(t, err, tt.header)
			continue
		}
		assert.ErrorIs(t, err, tt.wantErr, tt.header)
	}

	_, err := ParseBearer("Bearer sk_abc")
	assert.ErrorIs(t, err, ErrMalformedCredential)
}

func TestValidate_Success(t *testing.T) {
	store := NewMemoryStore()
	raw, cred := issue(t, store, IssueParams{OwnerID: "user_1", Scopes: []string{ScopeRead, ScopeAI}})

	v := NewValidator(store, stubResolver{sub: &Subscription{ID: "sub_1", PlanID: "pro", RequestsPerMinute: 120}})
	id, err := v.Validate(context.Background(), "Bearer "+raw)
	require.NoError(t, err)

	assert.Equal(t, cred.ID, id.CredentialID)
	assert.Equal(t, "user_1", id.OwnerID)
	assert.True(t, id.Scopes.Has(ScopeAI))
	assert.False(t, id.Scopes.Has(ScopeWrite))
	assert.Equal(t, "sub_1", id.SubscriptionID)
	assert.True(t, id.HasSubscription())
	assert.Equal(t, 120, id.RequestsPerMinute)
}

func TestValidate_CredentialLimitOverridesPlan(t *testing.T) {
	store := NewMemoryStore()
	raw, _ := issue(t, store, IssueParams{OwnerID: "user_1", RequestsPerMinute: 5})

	v := NewValidator(store, stubResolver{sub: &Subscription{ID: "sub_1", RequestsPerMinute: 120}})
	id, err := v.Validate(context.Background(), "Bearer "+raw)
	require.NoError(t, err)
	assert.Equal(t, 5, id.RequestsPerMinute)
}

func TestValidate_NoSubscription(t *testing.T) {
	store := NewMemoryStore()
	raw, _ := issue(t, store, IssueParams{OwnerID: "user_1"})

	id, err := NewValidator(store, stubResolver{}).Validate(context.Background(), "Bearer "+raw)
	require.NoError(t, err)
	assert.False(t, id.HasSubscription())
	assert.Zero(t, id.RequestsPerMinute)
}

func TestValidate_UnknownToken(t *testing.T) {
	v := NewValidator(NewMemoryStore(), nil)
	_, err := v.Validate(context.Background(), "Bearer nptu_doesnotexist")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestValidate_Revoked(t *testing.T) {
	store := NewMemoryStore()
	raw, cred := issue(t, store, IssueParams{OwnerID: "user_1"})
	require.NoError(t, store.Revoke(context.Background(), cred.ID, time.Now()))

	_, err := NewValidator(store, nil).Validate(context.Background(), "Bearer "+raw)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestValidate_Expired(t *testing.T) {
	store := NewMemoryStore()
	expires := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	raw, _ := issue(t, store, IssueParams{OwnerID: "user_1", ExpiresAt: &expires})

	before := NewValidator(store, nil, WithClock(func() time.Time { return expires.Add(-time.Second) }))
	_, err := before.Validate(context.Background(), "Bearer "+raw)
	assert.NoError(t, err)

	after := NewValidator(store, nil, WithClock(func() time.Time { return expires }))
	_, err = after.Validate(context.Background(), "Bearer "+raw)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestValidate_ResolverFailureIsAuthError(t *testing.T) {
	store := NewMemoryStore()
	raw, _ := issue(t, store, IssueParams{OwnerID: "user_1"})

	v := NewValidator(store, stubResolver{err: errors.New("db down")})
	_, err := v.Validate(context.Background(), "Bearer "+raw)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestValidate_MalformedNeverHitsStore(t *testing.T) {
	v := NewValidator(nil, nil)
	_, err := v.Validate(context.Background(), "Token abc")
	assert.ErrorIs(t, err, ErrMalformedCredential)
}

func TestScopeSet(t *testing.T) {
	s := NewScopeSet(ScopeRead, ScopeRead)
	assert.Len(t, s, 1)
	assert.True(t, s.HasAny())
	assert.True(t, s.HasAny(ScopeWrite, ScopeRead))
	assert.False(t, s.HasAny(ScopeAI))

	admin := NewScopeSet(ScopeAdmin)
	assert.True(t, admin.Has(ScopeAI))
	assert.Equal(t, []string{ScopeAdmin}, admin.List())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	_, cred := issue(t, store, IssueParams{OwnerID: "user_1", Scopes: []string{ScopeRead}})

	got, err := store.GetByHash(context.Background(), cred.KeyHash)
	require.NoError(t, err)
	got.Scopes[0] = ScopeAdmin

	again, err := store.GetByHash(context.Background(), cred.KeyHash)
	require.NoError(t, err)
	assert.Equal(t, ScopeRead, again.Scopes[0])

	list, err := store.ListByOwner(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.ErrorIs(t, store.Revoke(context.Background(), "missing", time.Now()), ErrCredentialNotFound)
}
