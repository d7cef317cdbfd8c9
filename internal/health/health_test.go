package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Healthy: true}
	})
	r.Register("redis", func(_ context.Context) Status {
		return Status{Name: "redis", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestPingChecker(t *testing.T) {
	ok := PingChecker("db", PingFunc(func(context.Context) error { return nil }), time.Second)
	st := ok(context.Background())
	assert.True(t, st.Healthy)
	assert.Equal(t, "db", st.Name)

	bad := PingChecker("redis", PingFunc(func(context.Context) error { return errors.New("down") }), time.Second)
	st = bad(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "down", st.Detail)
}

func TestPingChecker_Timeout(t *testing.T) {
	slow := PingChecker("slow", PingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), 10*time.Millisecond)

	st := slow(context.Background())
	assert.False(t, st.Healthy)
	assert.Contains(t, st.Detail, "deadline")
}
