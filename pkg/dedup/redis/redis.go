// Package redis is a dedup.Store backed by Redis keys with an expiry.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edgeflare/kroute/pkg/dedup"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultPrefix = "kroute:applied"

// Store keeps one key per applied id: <prefix>:<scope>:<id>.
type Store struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	owned  bool
	logger *zap.Logger
}

// New wraps an existing client. The client is not closed by Close.
func New(client goredis.UniversalClient, prefix string, ttl time.Duration, logger *zap.Logger) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// Open parses a redis:// url, pings the server and returns a store that owns
// the client.
func Open(ctx context.Context, opts dedup.Options) (dedup.Store, error) {
	if opts.URL == "" {
		return nil, errors.New("redis: url is required")
	}
	ropts, err := goredis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := goredis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	s := New(client, DefaultPrefix, opts.TTL, opts.Logger)
	s.owned = true
	s.logger.Debug("Connected to Redis", zap.String("addr", ropts.Addr))
	return s, nil
}

func (s *Store) key(scope, id string) string {
	return s.prefix + ":" + scope + ":" + id
}

func (s *Store) Applied(ctx context.Context, scope, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(scope, id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: exists: %w", err)
	}
	return n > 0, nil
}

// MarkApplied sets the id's key; a zero TTL keeps it forever.
func (s *Store) MarkApplied(ctx context.Context, scope, id string) error {
	if err := s.client.Set(ctx, s.key(scope, id), time.Now().UnixMilli(), s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func init() {
	dedup.RegisterDriver(dedup.DriverRedis, Open)
}
