package usage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudigital/neptu-api/internal/auth"
	"github.com/sudigital/neptu-api/internal/pagination"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func rec(id string, at time.Time, status int, charged int64, ai bool) *Record {
	return &Record{
		ID: id, CredentialID: "cred_1", OwnerID: "owner_1", Endpoint: "/api/v1/reading",
		Method: http.MethodGet, CreditsCharged: charged, AI: ai, Status: status,
		LatencyMs: 10, CreatedAt: at,
	}
}

func TestMemoryStore_ListNewestFirstWithCursor(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"use_a", "use_b", "use_c", "use_d"} {
		require.NoError(t, store.Append(ctx, rec(id, base.Add(time.Duration(i)*time.Minute), 200, 1, false)))
	}

	first, err := store.ListByCredential(ctx, "cred_1", nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "use_d", first[0].ID)
	assert.Equal(t, "use_c", first[1].ID)

	cur := &pagination.Cursor{CreatedAt: first[1].CreatedAt, ID: first[1].ID}
	second, err := store.ListByCredential(ctx, "cred_1", cur, 10)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, "use_b", second[0].ID)
	assert.Equal(t, "use_a", second[1].ID)

	other, err := store.ListByCredential(ctx, "cred_2", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemoryStore_Summary(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.Append(ctx, rec("use_old", now.Add(-48*time.Hour), 200, 1, false)))
	require.NoError(t, store.Append(ctx, rec("use_1", now, 200, 1, false)))
	require.NoError(t, store.Append(ctx, rec("use_2", now, 200, 10, true)))
	r := rec("use_3", now, 500, 1, false)
	r.LatencyMs = 40
	require.NoError(t, store.Append(ctx, r))

	sum, err := store.Summary(ctx, "cred_1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 3, sum.Requests)
	assert.EqualValues(t, 1, sum.Errors)
	assert.EqualValues(t, 2, sum.StandardCredits)
	assert.EqualValues(t, 10, sum.AICredits)
	assert.InDelta(t, 20.0, sum.AvgLatencyMs, 0.001)
}

func TestRecorder_CloseDrainsQueue(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, nil, WithWorkers(3), WithQueueSize(100))

	for i := 0; i < 50; i++ {
		r.Record(&Record{CredentialID: "cred_1", Endpoint: "/x", Status: 200})
	}
	require.NoError(t, r.Close(context.Background()))

	sum, err := store.Summary(context.Background(), "cred_1", time.Time{})
	require.NoError(t, err)
	assert.EqualValues(t, 50, sum.Requests)
	assert.Zero(t, r.Dropped())
}

func TestRecorder_FillsIDAndTimestamp(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, nil)
	r.Record(&Record{CredentialID: "cred_1", Status: 200})
	require.NoError(t, r.Close(context.Background()))

	recs, err := store.ListByCredential(context.Background(), "cred_1", nil, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].ID, "use_")
	assert.False(t, recs[0].CreatedAt.IsZero())
}

type blockingStore struct {
	*MemoryStore
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingStore) Append(ctx context.Context, r *Record) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.MemoryStore.Append(ctx, r)
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	store := &blockingStore{
		MemoryStore: NewMemoryStore(),
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	r := NewRecorder(store, nil, WithWorkers(1), WithQueueSize(1))

	r.Record(&Record{CredentialID: "cred_1"})
	<-store.started // worker holds the first record
	r.Record(&Record{CredentialID: "cred_1"})
	r.Record(&Record{CredentialID: "cred_1"})

	assert.EqualValues(t, 1, r.Dropped())

	close(store.release)
	require.NoError(t, r.Close(context.Background()))
	sum, _ := store.Summary(context.Background(), "cred_1", time.Time{})
	assert.EqualValues(t, 2, sum.Requests)
}

func TestRecorder_RecordAfterCloseIsDropped(t *testing.T) {
	r := NewRecorder(NewMemoryStore(), nil)
	require.NoError(t, r.Close(context.Background()))
	require.NoError(t, r.Close(context.Background()))

	r.Record(&Record{CredentialID: "cred_1"})
	assert.EqualValues(t, 1, r.Dropped())
}

type flakyStore struct {
	*MemoryStore
	failures atomic.Int32
}

func (f *flakyStore) Append(ctx context.Context, r *Record) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return f.MemoryStore.Append(ctx, r)
}

func TestRecorder_RetriesTransientFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failures.Store(2)
	r := NewRecorder(store, nil, WithWorkers(1))

	r.Record(&Record{CredentialID: "cred_1", Status: 200})
	require.NoError(t, r.Close(context.Background()))

	sum, _ := store.Summary(context.Background(), "cred_1", time.Time{})
	assert.EqualValues(t, 1, sum.Requests)
}

func TestHandler_ListPaginates(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"use_a", "use_b", "use_c"} {
		require.NoError(t, store.Append(context.Background(), rec(id, base.Add(time.Duration(i)*time.Second), 200, 1, false)))
	}

	h := NewHandler(store)
	r := gin.New()
	r.GET("/usage", func(c *gin.Context) {
		auth.SetIdentity(c, &auth.Identity{CredentialID: "cred_1", OwnerID: "owner_1"})
		c.Next()
	}, h.List)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/usage?limit=2", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Records    []*Record `json:"records"`
		NextCursor string    `json:"nextCursor"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Records, 2)
	assert.Equal(t, "use_c", body.Records[0].ID)
	require.NotEmpty(t, body.NextCursor)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/usage?limit=2&cursor="+body.NextCursor, nil))
	require.Equal(t, http.StatusOK, w.Code)
	body.Records, body.NextCursor = nil, ""
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Records, 1)
	assert.Equal(t, "use_a", body.Records[0].ID)
	assert.Empty(t, body.NextCursor)
}

func TestHandler_RejectsBadInput(t *testing.T) {
	h := NewHandler(NewMemoryStore())
	r := gin.New()
	r.GET("/usage", func(c *gin.Context) {
		auth.SetIdentity(c, &auth.Identity{CredentialID: "cred_1"})
		c.Next()
	}, h.List)
	r.GET("/usage/summary", func(c *gin.Context) {
		auth.SetIdentity(c, &auth.Identity{CredentialID: "cred_1"})
		c.Next()
	}, h.Summary)
	r.GET("/anon", h.List)

	for _, tc := range []struct {
		path string
		code int
	}{
		{"/usage?cursor=bad!", http.StatusBadRequest},
		{"/usage/summary?days=0", http.StatusBadRequest},
		{"/usage/summary?days=7", http.StatusOK},
		{"/anon", http.StatusUnauthorized},
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
		assert.Equal(t, tc.code, w.Code, tc.path)
	}
}
