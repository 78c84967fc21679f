// Package postgres is a dedup.Store backed by a PostgreSQL table:
//
//	CREATE TABLE kroute_applied (
//	  scope      text        NOT NULL,
//	  id         text        NOT NULL,
//	  applied_at timestamptz NOT NULL DEFAULT now(),
//	  PRIMARY KEY (scope, id)
//	);
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edgeflare/kroute/pkg/dedup"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const DefaultTable = "kroute_applied"

// Store records applied ids in a table. Marking is idempotent.
type Store struct {
	pool   *pgxpool.Pool
	table  string
	ttl    time.Duration
	owned  bool
	logger *zap.Logger
}

// New wraps an existing pool. The pool is not closed by Close.
func New(pool *pgxpool.Pool, table string, ttl time.Duration, logger *zap.Logger) *Store {
	if table == "" {
		table = DefaultTable
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, table: table, ttl: ttl, logger: logger}
}

// Open connects to connString, creates the table if needed and returns a
// store that owns the pool.
func Open(ctx context.Context, opts dedup.Options) (dedup.Store, error) {
	if opts.URL == "" {
		return nil, errors.New("postgres: connection url is required")
	}
	pool, err := pgxpool.New(ctx, opts.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping connection: %w", err)
	}

	s := New(pool, DefaultTable, opts.TTL, opts.Logger)
	s.owned = true
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

// Migrate creates the ledger table.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		scope      text        NOT NULL,
		id         text        NOT NULL,
		applied_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (scope, id)
	)`, s.ident()))
	if err != nil {
		return fmt.Errorf("postgres: create table: %w", err)
	}
	return nil
}

func (s *Store) Applied(ctx context.Context, scope, id string) (bool, error) {
	var applied bool
	var err error
	if s.ttl > 0 {
		err = s.pool.QueryRow(ctx,
			fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE scope = $1 AND id = $2 AND applied_at > now() - $3::interval)`, s.ident()),
			scope, id, s.ttl).Scan(&applied)
	} else {
		err = s.pool.QueryRow(ctx,
			fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE scope = $1 AND id = $2)`, s.ident()),
			scope, id).Scan(&applied)
	}
	if err != nil {
		return false, fmt.Errorf("postgres: query applied: %w", err)
	}
	return applied, nil
}

func (s *Store) MarkApplied(ctx context.Context, scope, id string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (scope, id) VALUES ($1, $2) ON CONFLICT (scope, id) DO UPDATE SET applied_at = now()`, s.ident()),
		scope, id)
	if err != nil {
		return fmt.Errorf("postgres: mark applied: %w", err)
	}
	return nil
}

// Purge deletes ids older than the TTL.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE applied_at <= now() - $1::interval`, s.ident()), s.ttl)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge: %w", err)
	}
	s.logger.Debug("Purged applied ids", zap.String("table", s.table), zap.Int64("rows", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

func (s *Store) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}

func init() {
	dedup.RegisterDriver(dedup.DriverPostgres, Open)
}
