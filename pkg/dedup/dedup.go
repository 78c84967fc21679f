// Package dedup records which envelopes have been applied so a redelivered
// envelope is skipped instead of applied twice. Delivery through the log is
// at-least-once; a Store turns it into an idempotent apply.
//
// Ids are scoped, usually by topic, so unrelated entity types never collide.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrDriverNotFound = errors.New("dedup: driver not found")

// Store is a ledger of applied envelope ids.
type Store interface {
	Applied(ctx context.Context, scope, id string) (bool, error)
	MarkApplied(ctx context.Context, scope, id string) error
	Close() error
}

// Options configure a store opened by driver name.
type Options struct {
	URL string
	// TTL bounds how long an id is remembered. Zero keeps ids forever.
	TTL    time.Duration
	Logger *zap.Logger
}

// OpenFunc opens a store from options.
type OpenFunc func(ctx context.Context, opts Options) (Store, error)

// Built-in drivers. postgres and redis register themselves when their
// packages are imported.
const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

var (
	drivers = map[string]OpenFunc{
		DriverMemory: func(_ context.Context, opts Options) (Store, error) {
			return NewMemory(opts.TTL), nil
		},
	}
	mu sync.RWMutex
)

// RegisterDriver makes a store driver available to Open.
func RegisterDriver(name string, open OpenFunc) {
	mu.Lock()
	drivers[name] = open
	mu.Unlock()
}

// Open opens the store registered under driver. The none driver (or an empty
// name) returns a nil Store, which disables deduplication.
func Open(ctx context.Context, driver string, opts Options) (Store, error) {
	if driver == "" || driver == DriverNone {
		return nil, nil
	}
	mu.RLock()
	open, ok := drivers[driver]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDriverNotFound, driver)
	}
	return open(ctx, opts)
}

// Drivers lists registered driver names.
func Drivers() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := []string{DriverNone}
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Memory is a process-local Store.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	applied map[string]time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now, applied: make(map[string]time.Time)}
}

func (m *Memory) Applied(_ context.Context, scope, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.applied[scope+"/"+id]
	if !ok {
		return false, nil
	}
	if m.ttl > 0 && m.now().Sub(at) > m.ttl {
		delete(m.applied, scope+"/"+id)
		return false, nil
	}
	return true, nil
}

func (m *Memory) MarkApplied(_ context.Context, scope, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied[scope+"/"+id] = m.now()
	return nil
}

// Purge drops ids older than the TTL and returns how many were removed.
func (m *Memory) Purge() int {
	if m.ttl <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, at := range m.applied {
		if m.now().Sub(at) > m.ttl {
			delete(m.applied, k)
			n++
		}
	}
	return n
}

func (m *Memory) Close() error { return nil }
