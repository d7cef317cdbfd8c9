//go:build integration

package usage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudigital/neptu-api/internal/pagination"
	"github.com/sudigital/neptu-api/internal/testutil"
)

func TestPostgresStore_AppendListSummary(t *testing.T) {
	store := NewPostgresStore(testutil.PGTest(t))
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Minute)

	require.NoError(t, store.Append(ctx, rec("use_a", base, 200, 1, false)))
	require.NoError(t, store.Append(ctx, rec("use_b", base.Add(time.Second), 402, 0, false)))
	require.NoError(t, store.Append(ctx, rec("use_c", base.Add(2*time.Second), 200, 10, true)))

	page, err := store.ListByCredential(ctx, "cred_1", nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "use_c", page[0].ID)
	assert.Equal(t, "use_b", page[1].ID)

	rest, err := store.ListByCredential(ctx, "cred_1", &pagination.Cursor{CreatedAt: page[1].CreatedAt, ID: page[1].ID}, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "use_a", rest[0].ID)

	sum, err := store.Summary(ctx, "cred_1", base.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 3, sum.Requests)
	assert.EqualValues(t, 1, sum.Errors)
	assert.EqualValues(t, 1, sum.StandardCredits)
	assert.EqualValues(t, 10, sum.AICredits)
}
