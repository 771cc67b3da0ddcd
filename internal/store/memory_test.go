package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIncr(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	n, err := m.Incr(ctx, "counter", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = m.Incr(ctx, "counter", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryIncrExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	n, err := m.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	now = now.Add(2 * time.Minute)

	n, err = m.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "expired counter restarts at 1")
}

func TestMemoryGetExpired(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	require.NoError(t, m.Set(ctx, "key", "value", time.Second))

	v, ok, err := m.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "value", v)

	now = now.Add(2 * time.Second)

	_, ok, err = m.Get(ctx, "key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemorySetNX(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.SetNX(ctx, "lock", "a", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "lock", "b", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	v, found, err := m.Get(ctx, "lock")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", v)
}

func TestMemoryDeletePrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "executed_signals:2025-06-01:BTCUSDT:BUY", "1", 0))
	require.NoError(t, m.Set(ctx, "executed_signals:2025-06-01:ETHUSDT:SELL", "2", 0))
	require.NoError(t, m.Set(ctx, "order_signature:abc", "1", 0))

	removed, err := m.DeletePrefix(ctx, "executed_signals:2025-06-01:")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, ok, err := m.Get(ctx, "order_signature:abc")
	require.NoError(t, err)
	assert.True(t, ok)
}
