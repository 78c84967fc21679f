// Package delivery decides, per message kind, whether an envelope is applied
// right away or postponed through the log.
//
// A Strategy is driven twice for a postponed envelope: once by the caller via
// ShouldPostpone, which hands the envelope to a Sender and reports true, and
// once more by the routing topology via DeliverNow on the instance that owns
// the key's partition. DeliverNow never sends, so an envelope cannot loop
// through the log.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgeflare/kroute/pkg/envelope"
	"github.com/edgeflare/kroute/pkg/metrics"
)

var ErrKindMismatch = errors.New("delivery: envelope kind does not match strategy")

// ApplyFunc applies env to the entity identified by key. It is the entity
// runtime's hook; its errors are application errors.
type ApplyFunc[K any] func(ctx context.Context, key K, env envelope.Envelope) error

// Sender publishes an envelope for later delivery.
type Sender[K any] interface {
	Send(ctx context.Context, key K, env envelope.Envelope) error
}

// Strategy is the delivery policy of one message kind.
type Strategy[K any] interface {
	Kind() envelope.Kind
	// ShouldPostpone either hands env to the log and returns true, or applies
	// it in place and returns false.
	ShouldPostpone(ctx context.Context, key K, env envelope.Envelope) (bool, error)
	// DeliverNow applies env unconditionally.
	DeliverNow(ctx context.Context, key K, env envelope.Envelope) error
}

// ApplyError is a failure reported by the entity runtime while applying an
// envelope.
type ApplyError struct {
	Kind       envelope.Kind
	EnvelopeID string
	Err        error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s %s: %v", e.Kind, e.EnvelopeID, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

func checkKind(want envelope.Kind, env envelope.Envelope) error {
	if env.Kind != want {
		return fmt.Errorf("%w: %s strategy got %s", ErrKindMismatch, want, env.Kind)
	}
	return nil
}

func apply[K any](ctx context.Context, fn ApplyFunc[K], key K, env envelope.Envelope) error {
	if err := fn(ctx, key, env); err != nil {
		return &ApplyError{Kind: env.Kind, EnvelopeID: env.ID, Err: err}
	}
	return nil
}

// Postponing always postpones through the log.
type Postponing[K any] struct {
	kind   envelope.Kind
	sender Sender[K]
	apply  ApplyFunc[K]
}

func NewPostponing[K any](kind envelope.Kind, sender Sender[K], fn ApplyFunc[K]) *Postponing[K] {
	return &Postponing[K]{kind: kind, sender: sender, apply: fn}
}

func (p *Postponing[K]) Kind() envelope.Kind { return p.kind }

func (p *Postponing[K]) ShouldPostpone(ctx context.Context, key K, env envelope.Envelope) (bool, error) {
	if err := checkKind(p.kind, env); err != nil {
		return false, err
	}
	if err := p.sender.Send(ctx, key, env); err != nil {
		return false, err
	}
	metrics.Postponed.WithLabelValues(p.kind.String()).Inc()
	return true, nil
}

func (p *Postponing[K]) DeliverNow(ctx context.Context, key K, env envelope.Envelope) error {
	if err := checkKind(p.kind, env); err != nil {
		return err
	}
	return apply(ctx, p.apply, key, env)
}

// Local applies in the caller's goroutine. It is what a repository uses when
// no broker is configured.
type Local[K any] struct {
	kind  envelope.Kind
	apply ApplyFunc[K]
}

func NewLocal[K any](kind envelope.Kind, fn ApplyFunc[K]) *Local[K] {
	return &Local[K]{kind: kind, apply: fn}
}

func (l *Local[K]) Kind() envelope.Kind { return l.kind }

func (l *Local[K]) ShouldPostpone(ctx context.Context, key K, env envelope.Envelope) (bool, error) {
	if err := checkKind(l.kind, env); err != nil {
		return false, err
	}
	return false, apply(ctx, l.apply, key, env)
}

func (l *Local[K]) DeliverNow(ctx context.Context, key K, env envelope.Envelope) error {
	if err := checkKind(l.kind, env); err != nil {
		return err
	}
	return apply(ctx, l.apply, key, env)
}
