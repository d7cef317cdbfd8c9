package ratelimit

import (
	"context"
	"time"

	"github.com/sudigital/neptu-api/internal/circuitbreaker"
)

// GuardedStore puts a circuit breaker in front of a remote store. While the
// circuit is open Increment fails immediately with circuitbreaker.ErrOpen,
// so the limiter fails open without waiting on a dead backend.
type GuardedStore struct {
	next    Store
	breaker *circuitbreaker.Breaker
	name    string
}

// NewGuardedStore wraps next. name labels the breaker key and its metrics.
func NewGuardedStore(next Store, breaker *circuitbreaker.Breaker, name string) *GuardedStore {
	return &GuardedStore{next: next, breaker: breaker, name: name}
}

var _ Store = (*GuardedStore)(nil)

// Increment forwards to the wrapped store unless the circuit is open.
func (g *GuardedStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Window, error) {
	var w Window
	err := g.breaker.Do(g.name, func() error {
		var err error
		w, err = g.next.Increment(ctx, key, window, now)
		return err
	})
	return w, err
}
