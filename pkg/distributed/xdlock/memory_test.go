package xdlock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xlock/pkg/distributed/xdlock"
)

func TestMemoryBackend(t *testing.T) {
	b := xdlock.NewMemoryBackend()
	ctx := context.Background()

	ok, err := b.SetIfAbsent(ctx, "k", "a", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = b.SetIfAbsent(ctx, "k", "b", time.Second)
	assert.False(t, ok)

	ok, _ = b.ExtendTTL(ctx, "k", "b", time.Second)
	assert.False(t, ok, "token 不匹配")
	ok, _ = b.CompareAndDelete(ctx, "k", "b")
	assert.False(t, ok)

	owner, held, err := b.GetOwner(ctx, "k")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "a", owner)
	assert.Equal(t, 1, b.Len())

	time.Sleep(60 * time.Millisecond)
	_, held, _ = b.GetOwner(ctx, "k")
	assert.False(t, held, "过期后不再持有")
	ok, _ = b.ExtendTTL(ctx, "k", "a", time.Second)
	assert.False(t, ok, "过期的锁不能续期")

	ok, _ = b.SetIfAbsent(ctx, "k", "b", time.Second)
	assert.True(t, ok)
	ok, _ = b.CompareAndDelete(ctx, "k", "b")
	assert.True(t, ok)
	assert.Equal(t, 0, b.Len())
}

func TestMemoryBackend_CancelledContext(t *testing.T) {
	b := xdlock.NewMemoryBackend()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.SetIfAbsent(ctx, "k", "a", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = b.CompareAndDelete(ctx, "k", "a")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = b.ExtendTTL(ctx, "k", "a", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	_, _, err = b.GetOwner(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}
