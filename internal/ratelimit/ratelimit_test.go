package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudigital/neptu-api/internal/circuitbreaker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func TestAdmit_LimitThenReject(t *testing.T) {
	clock := newClock()
	l := NewLimiter(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d := l.Admit(ctx, "key_a", 5)
		require.True(t, d.Admitted, "request %d", i)
		assert.Equal(t, 5-i, d.Remaining)
		assert.Equal(t, 5, d.Limit)
		clock.Advance(100 * time.Millisecond)
	}

	d := l.Admit(ctx, "key_a", 5)
	assert.False(t, d.Admitted)
	assert.Equal(t, 0, d.Remaining)
	assert.Greater(t, d.RetryAfterSeconds(), 0)
	assert.Equal(t, 60, d.RetryAfterSeconds()) // 59.5s left, rounded up
}

func TestAdmit_WindowResetsAfterExpiry(t *testing.T) {
	clock := newClock()
	l := NewLimiter(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Admit(ctx, "key_a", 2)
	}
	assert.False(t, l.Admit(ctx, "key_a", 2).Admitted)

	// Exactly at the reset timestamp the window is still live.
	clock.Advance(DefaultWindow)
	assert.False(t, l.Admit(ctx, "key_a", 2).Admitted)

	clock.Advance(time.Millisecond)
	d := l.Admit(ctx, "key_a", 2)
	assert.True(t, d.Admitted)
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, clock.Now().Add(DefaultWindow), d.ResetAt)
}

func TestAdmit_IdentitiesAreIndependent(t *testing.T) {
	l := NewLimiter(NewMemoryStore())
	ctx := context.Background()

	assert.True(t, l.Admit(ctx, "a", 1).Admitted)
	assert.False(t, l.Admit(ctx, "a", 1).Admitted)
	assert.True(t, l.Admit(ctx, "b", 1).Admitted)
}

func TestAdmit_ConcurrentSameIdentity(t *testing.T) {
	l := NewLimiter(NewMemoryStore())
	ctx := context.Background()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit(ctx, "hot", 50).Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 50, admitted.Load())
}

type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Duration, time.Time) (Window, error) {
	return Window{}, errors.New("connection refused")
}

func TestAdmit_FailsOpenOnStoreError(t *testing.T) {
	d := NewLimiter(failingStore{}).Admit(context.Background(), "k", 10)
	assert.True(t, d.Admitted)
	assert.Equal(t, 10, d.Remaining)
}

type countingStore struct {
	calls atomic.Int32
	err   error
}

func (s *countingStore) Increment(context.Context, string, time.Duration, time.Time) (Window, error) {
	s.calls.Add(1)
	return Window{Count: 1, ResetAt: time.Now().Add(time.Minute)}, s.err
}

func TestGuardedStore_StopsCallingDeadBackend(t *testing.T) {
	backend := &countingStore{err: errors.New("connection refused")}
	store := NewGuardedStore(backend, circuitbreaker.New(3, time.Minute), "redis")
	l := NewLimiter(store)

	for i := 0; i < 10; i++ {
		assert.True(t, l.Admit(context.Background(), "k", 1).Admitted, "fails open")
	}
	assert.EqualValues(t, 3, backend.calls.Load())

	_, err := store.Increment(context.Background(), "k", time.Minute, time.Now())
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestGuardedStore_PassesThrough(t *testing.T) {
	backend := &countingStore{}
	store := NewGuardedStore(backend, circuitbreaker.New(3, time.Minute), "redis")

	w, err := store.Increment(context.Background(), "k", time.Minute, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, w.Count)
	assert.EqualValues(t, 1, backend.calls.Load())
}

func TestDecision_SetHeaders(t *testing.T) {
	reset := time.Unix(1_800_000_000, 500_000_000)
	h := http.Header{}
	Decision{Admitted: false, Limit: 5, Remaining: 0, ResetAt: reset, RetryAfter: 1500 * time.Millisecond}.SetHeaders(h)

	assert.Equal(t, "5", h.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", h.Get("X-RateLimit-Remaining"))
	assert.Equal(t, strconv.FormatInt(1_800_000_001, 10), h.Get("X-RateLimit-Reset"))
	assert.Equal(t, "2", h.Get("Retry-After"))

	h = http.Header{}
	Decision{Admitted: true, Limit: 5, Remaining: 4, ResetAt: reset}.SetHeaders(h)
	assert.Empty(t, h.Get("Retry-After"))
}

func TestMemoryStore_Sweep(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	ctx := context.Background()

	_, _ = s.Increment(ctx, "old", time.Second, now)
	_, _ = s.Increment(ctx, "new", time.Hour, now)
	assert.Equal(t, 2, s.Len())

	assert.Equal(t, 1, s.Sweep(now.Add(2*time.Second)))
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_OneWindowPerKey(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, _ = s.Increment(ctx, "k", time.Second, now.Add(time.Duration(i)*2*time.Second))
	}
	assert.Equal(t, 1, s.Len())
}

func TestIPMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewLimiter(NewMemoryStore())

	r := gin.New()
	r.Use(l.IPMiddleware(2))
	r.GET("/events", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/events", nil)
		req.RemoteAddr = "203.0.113.9:1234"
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
		if i == 2 {
			assert.NotEmpty(t, w.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}
