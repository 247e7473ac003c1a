package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterBoundary(t *testing.T) {
	l := NewMemoryLimiter(3, time.Minute)
	defer func() { _ = l.Disconnect(context.Background()) }()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Increment(ctx, "ip1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 3, res.Limit)
		assert.Equal(t, 3-i-1, res.Remaining)
	}

	res, err := l.Increment(ctx, "ip1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.ResetAfter, time.Duration(0))
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	l := NewMemoryLimiter(1, time.Minute)
	defer func() { _ = l.Disconnect(context.Background()) }()
	ctx := context.Background()

	res, _ := l.Increment(ctx, "ip1")
	assert.True(t, res.Allowed)
	res, _ = l.Increment(ctx, "ip1")
	assert.False(t, res.Allowed)

	res, _ = l.Increment(ctx, "ip2")
	assert.True(t, res.Allowed)
}

func TestMemoryLimiterWindowRollover(t *testing.T) {
	l := NewMemoryLimiter(1, 20*time.Millisecond)
	defer func() { _ = l.Disconnect(context.Background()) }()
	ctx := context.Background()

	res, _ := l.Increment(ctx, "ip1")
	require.True(t, res.Allowed)
	res, _ = l.Increment(ctx, "ip1")
	require.False(t, res.Allowed)

	time.Sleep(30 * time.Millisecond)
	res, _ = l.Increment(ctx, "ip1")
	assert.True(t, res.Allowed)
}

func TestMemoryLimiterReset(t *testing.T) {
	l := NewMemoryLimiter(1, time.Minute)
	defer func() { _ = l.Disconnect(context.Background()) }()
	ctx := context.Background()

	_, _ = l.Increment(ctx, "ip1")
	require.NoError(t, l.Reset(ctx, "ip1"))

	res, _ := l.Increment(ctx, "ip1")
	assert.True(t, res.Allowed)
}
