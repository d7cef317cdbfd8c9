//go:build integration

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudigital/neptu-api/internal/testutil"
)

func TestPostgresStore_ValidateRoundTrip(t *testing.T) {
	db := testutil.PGTest(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	raw, cred, err := Issue(ctx, store, IssueParams{
		OwnerID: "user_pg", Name: "integration", Scopes: []string{ScopeRead, ScopeWrite}, RequestsPerMinute: 30,
	})
	require.NoError(t, err)

	id, err := NewValidator(store, nil).Validate(ctx, "Bearer "+raw)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, id.CredentialID)
	assert.True(t, id.Scopes.Has(ScopeWrite))
	assert.Equal(t, 30, id.RequestsPerMinute)

	list, err := store.ListByOwner(ctx, "user_pg")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.Revoke(ctx, cred.ID, time.Now()))
	_, err = NewValidator(store, nil).Validate(ctx, "Bearer "+raw)
	assert.ErrorIs(t, err, ErrInvalidCredential)

	assert.ErrorIs(t, store.Revoke(ctx, "key_missing", time.Now()), ErrCredentialNotFound)
}
