package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudigital/neptu-api/internal/auth"
	"github.com/sudigital/neptu-api/internal/credit"
	"github.com/sudigital/neptu-api/internal/ratelimit"
	"github.com/sudigital/neptu-api/internal/usage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type captureSink struct {
	mu   sync.Mutex
	recs []*usage.Record
}

func (s *captureSink) Record(rec *usage.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

func (s *captureSink) records() []*usage.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*usage.Record(nil), s.recs...)
}

var (
	readingRoute = Route{Endpoint: "/api/v1/reading", Scopes: []string{auth.ScopeRead}, StandardCost: credit.CostBasic}
	oracleRoute  = Route{Endpoint: "/api/v1/oracle", Scopes: []string{auth.ScopeAI}, RequireSubscription: true, AICost: credit.CostAIOracle}
	failRoute    = Route{Endpoint: "/api/v1/fail", Scopes: []string{auth.ScopeRead}}
)

type harness struct {
	t        *testing.T
	router   *gin.Engine
	creds    *auth.MemoryStore
	balances *credit.MemoryStore
	sink     *captureSink
	pipeline *Pipeline

	mu    sync.Mutex
	calls int
}

func newHarness(t *testing.T, debiter Debiter) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		creds:    auth.NewMemoryStore(),
		balances: credit.NewMemoryStore(),
		sink:     &captureSink{},
	}
	ledger := credit.NewLedger(h.balances, nil)
	if debiter == nil {
		debiter = ledger
	}
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.WithClock(func() time.Time { return fixed }))
	h.pipeline = NewPipeline(auth.NewValidator(h.creds, ledger.Resolver()), limiter, debiter, h.sink)

	ok := func(c *gin.Context) {
		h.mu.Lock()
		h.calls++
		h.mu.Unlock()
		id, _ := IdentityFrom(c)
		c.JSON(http.StatusOK, gin.H{"success": true, "owner": id.OwnerID})
	}
	h.router = gin.New()
	h.router.GET("/reading", h.pipeline.Protect(readingRoute, ok))
	h.router.GET("/oracle", h.pipeline.Protect(oracleRoute, ok))
	h.router.GET("/fail", h.pipeline.Protect(failRoute, func(c *gin.Context) {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "boom"})
	}))
	return h
}

func (h *harness) issue(owner string, rpm int, scopes ...string) string {
	h.t.Helper()
	raw, _, err := auth.Issue(context.Background(), h.creds, auth.IssueParams{
		OwnerID: owner, Name: "test", Scopes: scopes, RequestsPerMinute: rpm,
	})
	require.NoError(h.t, err)
	return raw
}

func (h *harness) subscribe(owner string, standard, ai int64) {
	h.t.Helper()
	require.NoError(h.t, h.balances.Create(context.Background(), &credit.Balance{
		SubscriptionID: "sub_" + owner, OwnerID: owner, PlanID: credit.PlanPro,
		Status: credit.StatusActive, Standard: standard, AI: ai,
	}))
}

func (h *harness) do(path, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *harness) handlerCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestProtect_AuthenticationFailures(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name   string
		header string
		msg    string
	}{
		{"missing header", "", "Authorization header required"},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "Invalid authorization format. Use: Bearer <api_key>"},
		{"no token", "Bearer", "Invalid authorization format. Use: Bearer <api_key>"},
		{"wrong prefix", "Bearer sk_live_abc", "Invalid API key format"},
		{"unknown key", "Bearer nptu_0123456789abcdef", "Invalid or expired API key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do("/reading", tt.header)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			body := decode(t, w)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.msg, body["error"])
			assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
		})
	}
	assert.Zero(t, h.handlerCalls())
	assert.Empty(t, h.sink.records())
}

func TestProtect_RevokedKeyRejected(t *testing.T) {
	h := newHarness(t, nil)
	raw := h.issue("owner_1", 0, auth.ScopeRead)
	cred, err := h.creds.GetByHash(context.Background(), auth.HashToken(raw))
	require.NoError(t, err)
	require.NoError(t, h.creds.Revoke(context.Background(), cred.ID, time.Now()))

	w := h.do("/reading", "Bearer "+raw)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid or expired API key", decode(t, w)["error"])
}

func TestProtect_MissingScope(t *testing.T) {
	h := newHarness(t, nil)
	raw := h.issue("owner_1", 0, auth.ScopeAI)

	w := h.do("/reading", "Bearer "+raw)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Insufficient permissions. Required: neptu:read", decode(t, w)["error"])
	assert.Zero(t, h.handlerCalls())
	assert.Empty(t, h.sink.records())
}

func TestProtect_ForbiddenCountsAgainstWindow(t *testing.T) {
	h := newHarness(t, nil)
	raw := h.issue("owner_1", 2, auth.ScopeAI)

	for i := 1; i <= 2; i++ {
		w := h.do("/reading", "Bearer "+raw)
		require.Equal(t, http.StatusForbidden, w.Code, "request %d", i)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(2-i), w.Header().Get("X-RateLimit-Remaining"))
	}

	w := h.do("/reading", "Bearer "+raw)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Zero(t, h.handlerCalls())
	assert.Empty(t, h.sink.records())
}

func TestProtect_AdminScopeGrantsAll(t *testing.T) {
	h := newHarness(t, nil)
	raw := h.issue("owner_1", 0, auth.ScopeAdmin)

	w := h.do("/reading", "Bearer "+raw)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProtect_SubscriptionRequired(t *testing.T) {
	h := newHarness(t, nil)
	raw := h.issue("owner_1", 0, auth.ScopeAI)

	w := h.do("/oracle", "Bearer "+raw)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Active API subscription required", decode(t, w)["error"])
	assert.Zero(t, h.handlerCalls())
}

// Identity with a 5 rpm limit sends 6 requests within one window.
func TestProtect_RateLimitHeadersAndRejection(t *testing.T) {
	h := newHarness(t, nil)
	raw := h.issue("owner_1", 5, auth.ScopeRead)

	for i := 1; i <= 5; i++ {
		w := h.do("/reading", "Bearer "+raw)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(5-i), w.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
		assert.Empty(t, w.Header().Get("Retry-After"))
	}

	w := h.do("/reading", "Bearer "+raw)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retryAfter, 0)

	body := decode(t, w)
	assert.Equal(t, "Rate limit exceeded", body["error"])
	assert.EqualValues(t, retryAfter, body["retryAfter"])

	assert.Equal(t, 5, h.handlerCalls())
	assert.Len(t, h.sink.records(), 5)
}

func TestProtect_PlanLimitAppliesWithoutCredentialLimit(t *testing.T) {
	h := newHarness(t, nil)
	h.subscribe("owner_1", 1000, 0)
	raw := h.issue("owner_1", 0, auth.ScopeRead)

	w := h.do("/reading", "Bearer "+raw)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "120", w.Header().Get("X-RateLimit-Limit"))
}

func TestProtect_DefaultLimitWithoutPlan(t *testing.T) {
	h := newHarness(t, nil)
	raw := h.issue("owner_1", 0, auth.ScopeRead)

	w := h.do("/reading", "Bearer "+raw)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
}

// Balance {1, 0}: the first standard request succeeds, the second is refused
// and leaves the balance untouched.
func TestProtect_InsufficientCredits(t *testing.T) {
	h := newHarness(t, nil)
	h.subscribe("owner_1", 1, 0)
	raw := h.issue("owner_1", 0, auth.ScopeRead)
	ctx := context.Background()

	w := h.do("/reading", "Bearer "+raw)
	require.Equal(t, http.StatusOK, w.Code)
	bal, err := h.balances.GetActive(ctx, "owner_1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, bal.Standard)
	assert.EqualValues(t, 0, bal.AI)

	w = h.do("/reading", "Bearer "+raw)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
	body := decode(t, w)
	assert.Equal(t, "Insufficient credits", body["error"])
	remaining, ok := body["remaining"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 0, remaining["standard"])
	assert.EqualValues(t, 0, remaining["ai"])

	bal, err = h.balances.GetActive(ctx, "owner_1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, bal.Standard)
	assert.EqualValues(t, 0, bal.AI)

	assert.Equal(t, 1, h.handlerCalls())
	recs := h.sink.records()
	require.Len(t, recs, 1)
	assert.EqualValues(t, 1, recs[0].CreditsCharged)
	assert.False(t, recs[0].AI)
}

func TestProtect_AIDebit(t *testing.T) {
	h := newHarness(t, nil)
	h.subscribe("owner_1", 0, 25)
	raw := h.issue("owner_1", 0, auth.ScopeAI)

	w := h.do("/oracle", "Bearer "+raw)
	require.Equal(t, http.StatusOK, w.Code)

	bal, _ := h.balances.GetActive(context.Background(), "owner_1")
	assert.EqualValues(t, 15, bal.AI)
	recs := h.sink.records()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].AI)
	assert.EqualValues(t, credit.CostAIOracle, recs[0].CreditsCharged)
	assert.Equal(t, "/api/v1/oracle", recs[0].Endpoint)
}

func TestProtect_NoSubscriptionSkipsDebit(t *testing.T) {
	h := newHarness(t, nil)
	raw := h.issue("owner_1", 0, auth.ScopeRead)

	w := h.do("/reading", "Bearer "+raw)
	require.Equal(t, http.StatusOK, w.Code)

	recs := h.sink.records()
	require.Len(t, recs, 1)
	assert.Zero(t, recs[0].CreditsCharged)
	assert.Equal(t, http.StatusOK, recs[0].Status)
	assert.Equal(t, http.MethodGet, recs[0].Method)
}

func TestProtect_ConcurrentDebitsNeverOverspend(t *testing.T) {
	h := newHarness(t, nil)
	h.subscribe("owner_1", 10, 0)
	raw := h.issue("owner_1", 1000, auth.ScopeRead)

	var wg sync.WaitGroup
	codes := make([]int, 25)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = h.do("/reading", "Bearer "+raw).Code
		}(i)
	}
	wg.Wait()

	var okCount, paymentCount int
	for _, c := range codes {
		switch c {
		case http.StatusOK:
			okCount++
		case http.StatusPaymentRequired:
			paymentCount++
		}
	}
	assert.Equal(t, 10, okCount)
	assert.Equal(t, 15, paymentCount)
	bal, _ := h.balances.GetActive(context.Background(), "owner_1")
	assert.EqualValues(t, 0, bal.Standard)
}

func TestProtect_HandlerErrorStillRecorded(t *testing.T) {
	h := newHarness(t, nil)
	raw := h.issue("owner_1", 0, auth.ScopeRead)

	w := h.do("/fail", "Bearer "+raw)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	recs := h.sink.records()
	require.Len(t, recs, 1)
	assert.Equal(t, http.StatusInternalServerError, recs[0].Status)
	assert.Equal(t, "/api/v1/fail", recs[0].Endpoint)
}

type failingDebiter struct{}

func (failingDebiter) Debit(context.Context, string, int64, int64) (*credit.Balance, error) {
	return nil, errors.New("connection refused")
}

func TestProtect_LedgerFailure(t *testing.T) {
	h := newHarness(t, failingDebiter{})
	h.subscribe("owner_1", 10, 0)
	raw := h.issue("owner_1", 0, auth.ScopeRead)

	w := h.do("/reading", "Bearer "+raw)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Failed to charge credits", decode(t, w)["error"])
	assert.Zero(t, h.handlerCalls())
	assert.Empty(t, h.sink.records())
}

func TestRun_DoesNotMutateInput(t *testing.T) {
	h := newHarness(t, nil)
	raw := h.issue("owner_1", 0, auth.ScopeRead)

	start := NewRequestContext(readingRoute, "Bearer "+raw, time.Now())
	out, rej := h.pipeline.Run(context.Background(), start)
	require.Nil(t, rej)

	assert.Nil(t, start.Identity())
	_, ran := start.Decision()
	assert.False(t, ran)

	require.NotNil(t, out.Identity())
	assert.Equal(t, "owner_1", out.Identity().OwnerID)
	d, ran := out.Decision()
	assert.True(t, ran)
	assert.True(t, d.Admitted)
}

func TestRun_StopsAtFirstRejection(t *testing.T) {
	h := newHarness(t, nil)

	out, rej := h.pipeline.Run(context.Background(), NewRequestContext(readingRoute, "", time.Now()))
	require.NotNil(t, rej)
	assert.Equal(t, http.StatusUnauthorized, rej.Status)
	assert.Nil(t, out.Identity())
	_, ran := out.Decision()
	assert.False(t, ran)
}
