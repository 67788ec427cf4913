package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client, zap.NewNop()), mr
}

func TestAllow_EnforcesLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Name: "test", Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "p1", rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
	}
	ok, err := l.Allow(ctx, "p1", rule)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, "p2", rule)
	require.NoError(t, err)
	assert.True(t, ok, "identifiers are counted separately")
}

func TestAllow_WindowExpires(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < RuleReport.Limit; i++ {
		_, err := l.Allow(ctx, "p1", RuleReport)
		require.NoError(t, err)
	}
	ok, _ := l.Allow(ctx, "p1", RuleReport)
	assert.False(t, ok)
	assert.Equal(t, RuleReport.Window, mr.TTL(RuleReport.Key+"p1"))

	mr.FastForward(RuleReport.Window + time.Second)
	ok, err := l.Allow(ctx, "p1", RuleReport)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllow_FailsOpen(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.Close()

	ok, err := l.Allow(context.Background(), "p1", RuleJoin)
	assert.Error(t, err)
	assert.True(t, ok)
}

func TestRetryAfter(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()

	d, err := l.RetryAfter(ctx, "p1", RuleJoin)
	require.NoError(t, err)
	assert.Zero(t, d, "no window open yet")

	for i := 0; i <= RuleJoin.Limit; i++ {
		_, err := l.Allow(ctx, "p1", RuleJoin)
		require.NoError(t, err)
	}
	d, err = l.RetryAfter(ctx, "p1", RuleJoin)
	require.NoError(t, err)
	assert.Positive(t, d)
	assert.LessOrEqual(t, d, RuleJoin.Window)

	mr.FastForward(RuleJoin.Window)
	d, err = l.RetryAfter(ctx, "p1", RuleJoin)
	require.NoError(t, err)
	assert.Zero(t, d, "window expired")
}
