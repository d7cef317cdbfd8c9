package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreaker(threshold int) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute, WithClock(clk.Now)), clk
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newBreaker(3)
	assert.True(t, b.Allow("redis"))

	b.RecordFailure("redis")
	b.RecordFailure("redis")
	assert.True(t, b.Allow("redis"), "below threshold")

	b.RecordFailure("redis")
	assert.False(t, b.Allow("redis"))
	assert.Equal(t, StateOpen, b.State("redis"))
}

func TestBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	b, clk := newBreaker(2)
	b.RecordFailure("redis")
	b.RecordFailure("redis")

	clk.Advance(59 * time.Second)
	assert.False(t, b.Allow("redis"))

	clk.Advance(time.Second)
	assert.True(t, b.Allow("redis"), "probe")
	assert.Equal(t, StateHalfOpen, b.State("redis"))
	assert.False(t, b.Allow("redis"), "second call while probing")
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		b, clk := newBreaker(2)
		b.RecordFailure("redis")
		b.RecordFailure("redis")
		clk.Advance(time.Minute)
		require.True(t, b.Allow("redis"))

		b.RecordSuccess("redis")
		assert.Equal(t, StateClosed, b.State("redis"))
		assert.True(t, b.Allow("redis"))
	})

	t.Run("failure reopens for a full period", func(t *testing.T) {
		b, clk := newBreaker(2)
		b.RecordFailure("redis")
		b.RecordFailure("redis")
		clk.Advance(time.Minute)
		require.True(t, b.Allow("redis"))

		b.RecordFailure("redis")
		assert.Equal(t, StateOpen, b.State("redis"))
		clk.Advance(30 * time.Second)
		assert.False(t, b.Allow("redis"))
	})
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newBreaker(3)
	b.RecordFailure("redis")
	b.RecordFailure("redis")
	b.RecordSuccess("redis")
	b.RecordFailure("redis")

	assert.Equal(t, StateClosed, b.State("redis"))
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newBreaker(1)
	b.RecordFailure("redis")

	assert.False(t, b.Allow("redis"))
	assert.True(t, b.Allow("postgres"))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newBreaker(2)
	boom := errors.New("connection refused")
	calls := 0
	fail := func() error { calls++; return boom }

	assert.ErrorIs(t, b.Do("redis", fail), boom)
	assert.ErrorIs(t, b.Do("redis", fail), boom)
	assert.ErrorIs(t, b.Do("redis", fail), ErrOpen)
	assert.Equal(t, 2, calls, "open circuit skips the call")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
