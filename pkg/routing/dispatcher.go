package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edgeflare/kroute/pkg/delivery"
	"github.com/edgeflare/kroute/pkg/envelope"
	"github.com/edgeflare/kroute/pkg/keycodec"
	"github.com/edgeflare/kroute/pkg/metrics"
)

var (
	ErrUnregisteredKind = errors.New("routing: no delivery strategy registered for kind")
	ErrClosed           = errors.New("routing: topology stopped")
)

// FatalError is a configuration or decoding failure inside the consume loop.
// It always ends the subscription, whatever the error policy.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "routing: fatal: " + e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// Dispatcher resolves the kind of an incoming record and calls the matching
// strategy's DeliverNow. Its table is fixed at construction.
type Dispatcher[K any] struct {
	topic      string
	codec      keycodec.Codec[K]
	strategies map[envelope.Kind]delivery.Strategy[K]
}

// Option registers a strategy with a Dispatcher.
type Option[K any] func(map[envelope.Kind]delivery.Strategy[K]) error

// WithStrategy registers s for s.Kind().
func WithStrategy[K any](s delivery.Strategy[K]) Option[K] {
	return func(m map[envelope.Kind]delivery.Strategy[K]) error {
		if s == nil {
			return errors.New("routing: nil delivery strategy")
		}
		kind := s.Kind()
		if !kind.Valid() {
			return fmt.Errorf("routing: %w: %d", envelope.ErrUnknownKind, uint8(kind))
		}
		if _, ok := m[kind]; ok {
			return fmt.Errorf("routing: duplicate %s strategy", kind)
		}
		m[kind] = s
		return nil
	}
}

// NewDispatcher builds the kind table for topicName.
func NewDispatcher[K any](topicName string, codec keycodec.Codec[K], opts ...Option[K]) (*Dispatcher[K], error) {
	m := make(map[envelope.Kind]delivery.Strategy[K], len(envelope.Kinds))
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return &Dispatcher[K]{topic: topicName, codec: codec, strategies: m}, nil
}

// Registered reports whether kind has a strategy.
func (d *Dispatcher[K]) Registered(kind envelope.Kind) bool {
	_, ok := d.strategies[kind]
	return ok
}

// Missing lists the kinds without a strategy.
func (d *Dispatcher[K]) Missing() []envelope.Kind {
	var missing []envelope.Kind
	for _, k := range envelope.Kinds {
		if !d.Registered(k) {
			missing = append(missing, k)
		}
	}
	return missing
}

// Dispatch decodes key and value and delivers the envelope. Errors from the
// entity runtime are returned as *delivery.ApplyError, everything else as
// *FatalError.
func (d *Dispatcher[K]) Dispatch(ctx context.Context, key, value []byte) error {
	entityKey, err := d.codec.Decode(key)
	if err != nil {
		return d.fatal(envelope.KindUnknown, err)
	}

	kind, err := envelope.PeekKind(value)
	if err != nil {
		return d.fatal(envelope.KindUnknown, err)
	}

	strategy, ok := d.strategies[kind]
	if !ok {
		return d.fatal(kind, fmt.Errorf("%w: %s", ErrUnregisteredKind, kind))
	}

	env, err := envelope.Unmarshal(value)
	if err != nil {
		return d.fatal(kind, err)
	}

	start := time.Now()
	err = strategy.DeliverNow(ctx, entityKey, env)
	metrics.DeliveryDuration.WithLabelValues(d.topic, kind.String()).Observe(time.Since(start).Seconds())

	var applyErr *delivery.ApplyError
	switch {
	case err == nil:
		metrics.Delivered.WithLabelValues(d.topic, kind.String()).Inc()
		return nil
	case errors.As(err, &applyErr):
		metrics.DeliveryErrors.WithLabelValues(d.topic, kind.String(), metrics.ClassApplication).Inc()
		return err
	default:
		return d.fatal(kind, err)
	}
}

func (d *Dispatcher[K]) fatal(kind envelope.Kind, err error) error {
	metrics.DeliveryErrors.WithLabelValues(d.topic, kind.String(), metrics.ClassConfiguration).Inc()
	return &FatalError{Err: err}
}
