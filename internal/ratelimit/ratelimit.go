// Package ratelimit implements the per-credential fixed-window limiter used by
// the gateway, over a pluggable window store.
//
// A window is 60 seconds by default. The first request after a window's reset
// time starts a new window; a request is admitted while the window's count is
// at most the limit. Bursts at window boundaries are accepted.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sudigital/neptu-api/internal/logging"
	"github.com/sudigital/neptu-api/internal/metrics"
)

// DefaultWindow is the fixed window length.
const DefaultWindow = time.Minute

// Window is the state of one identity's counter after an increment.
type Window struct {
	Count   int64
	ResetAt time.Time
}

// Store increments per-key fixed-window counters. Implementations must make
// Increment atomic per key and keep at most one live window per key.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Window, error)
}

// Decision is the outcome of one Admit call.
type Decision struct {
	Admitted   bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // zero when admitted
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1 when rejected.
func (d Decision) RetryAfterSeconds() int {
	if d.Admitted {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// SetHeaders stamps X-RateLimit-* headers, plus Retry-After when rejected.
func (d Decision) SetHeaders(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(int64(math.Ceil(float64(d.ResetAt.UnixMilli())/1000)), 10))
	if !d.Admitted {
		h.Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
	}
}

// Limiter makes admit/reject decisions against a Store.
type Limiter struct {
	store  Store
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWindow overrides the window length.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) { l.window = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger for store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// NewLimiter creates a limiter over store.
func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{store: store, window: DefaultWindow, now: time.Now, logger: logging.Discard()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit counts one request for key against limit. When the store fails the
// request is admitted (fail open) and the failure is logged.
func (l *Limiter) Admit(ctx context.Context, key string, limit int) Decision {
	now := l.now()
	w, err := l.store.Increment(ctx, key, l.window, now)
	if err != nil {
		metrics.RateLimitDecisionsTotal.WithLabelValues("store_error").Inc()
		l.logger.Warn("rate limit store failed, admitting request", "key", key, "error", err)
		return Decision{Admitted: true, Limit: limit, Remaining: limit, ResetAt: now.Add(l.window)}
	}

	d := Decision{
		Admitted: w.Count <= int64(limit),
		Limit:    limit,
		ResetAt:  w.ResetAt,
	}
	if remaining := int64(limit) - w.Count; remaining > 0 {
		d.Remaining = int(remaining)
	}
	if d.Admitted {
		metrics.RateLimitDecisionsTotal.WithLabelValues("admitted").Inc()
	} else {
		d.RetryAfter = w.ResetAt.Sub(now)
		metrics.RateLimitDecisionsTotal.WithLabelValues("rejected").Inc()
	}
	return d
}

// IPMiddleware limits unauthenticated routes by client IP.
func (l *Limiter) IPMiddleware(limit int) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := l.Admit(c.Request.Context(), "ip:"+c.ClientIP(), limit)
		d.SetHeaders(c.Writer.Header())
		if !d.Admitted {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":    false,
				"error":      "Rate limit exceeded",
				"retryAfter": d.RetryAfterSeconds(),
			})
			return
		}
		c.Next()
	}
}
