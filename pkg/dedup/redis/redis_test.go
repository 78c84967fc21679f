package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/edgeflare/kroute/pkg/dedup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func open(t *testing.T, ttl time.Duration) *Store {
	url := os.Getenv("TEST_REDIS")
	if url == "" {
		t.Skip("TEST_REDIS not set")
	}
	s, err := dedup.Open(context.Background(), dedup.DriverRedis, dedup.Options{URL: url, TTL: ttl, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	store := s.(*Store)
	store.prefix = fmt.Sprintf("kroute:test:%d", time.Now().UnixNano())
	return store
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	s := open(t, time.Minute)

	ok, err := s.Applied(ctx, "acme.Task", "e1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkApplied(ctx, "acme.Task", "e1"))

	ok, err = s.Applied(ctx, "acme.Task", "e1")
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err := s.client.TTL(ctx, s.key("acme.Task", "e1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	s := open(t, 50*time.Millisecond)

	require.NoError(t, s.MarkApplied(ctx, "s", "e1"))
	require.Eventually(t, func() bool {
		ok, err := s.Applied(ctx, "s", "e1")
		return err == nil && !ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestOpenRequiresURL(t *testing.T) {
	_, err := Open(context.Background(), dedup.Options{})
	assert.Error(t, err)
}
