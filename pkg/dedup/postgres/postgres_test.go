package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/edgeflare/kroute/internal/testutil/pgtest"
	"github.com/edgeflare/kroute/pkg/dedup"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newStore(t *testing.T, ttl time.Duration) *Store {
	ctx := context.Background()
	pool := pgtest.Pool(ctx, t)

	table := fmt.Sprintf("kroute_applied_test_%d", time.Now().UnixNano())
	s := New(pool, table, ttl, zaptest.NewLogger(t))
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+pgx.Identifier{table}.Sanitize())
	})
	return s
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 0)

	ok, err := s.Applied(ctx, "acme.Task", "e1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkApplied(ctx, "acme.Task", "e1"))
	require.NoError(t, s.MarkApplied(ctx, "acme.Task", "e1"))

	ok, err = s.Applied(ctx, "acme.Task", "e1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Applied(ctx, "acme.Order", "e1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, time.Hour)

	require.NoError(t, s.MarkApplied(ctx, "s", "recent"))
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (scope, id, applied_at) VALUES ('s', 'stale', now() - interval '2 hours')", s.ident()))
	require.NoError(t, err)

	ok, err := s.Applied(ctx, "s", "stale")
	require.NoError(t, err)
	assert.False(t, ok, "expired ids are not applied")

	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err = s.Applied(ctx, "s", "recent")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpenRegistered(t *testing.T) {
	url := pgtest.ConnString(t)
	s, err := dedup.Open(context.Background(), dedup.DriverPostgres, dedup.Options{URL: url, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
