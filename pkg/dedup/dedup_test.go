package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	ok, err := m.Applied(ctx, "acme.Task", "e1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.MarkApplied(ctx, "acme.Task", "e1"))
	require.NoError(t, m.MarkApplied(ctx, "acme.Task", "e1"))

	ok, err = m.Applied(ctx, "acme.Task", "e1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Applied(ctx, "acme.Order", "e1")
	require.NoError(t, err)
	assert.False(t, ok, "scopes are independent")
}

func TestMemoryTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(time.Hour)
	m.now = func() time.Time { return now }

	require.NoError(t, m.MarkApplied(ctx, "s", "old"))
	now = now.Add(30 * time.Minute)
	require.NoError(t, m.MarkApplied(ctx, "s", "new"))

	ok, _ := m.Applied(ctx, "s", "old")
	assert.True(t, ok)

	now = now.Add(45 * time.Minute)
	assert.Equal(t, 1, m.Purge())

	ok, _ = m.Applied(ctx, "s", "old")
	assert.False(t, ok)
	ok, _ = m.Applied(ctx, "s", "new")
	assert.True(t, ok)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, "", Options{})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = Open(ctx, DriverMemory, Options{TTL: time.Minute})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	_, err = Open(ctx, "etcd", Options{})
	assert.ErrorIs(t, err, ErrDriverNotFound)

	assert.Contains(t, Drivers(), DriverNone)
	assert.Contains(t, Drivers(), DriverMemory)
}
