package delivery

import (
	"context"
	"fmt"

	"github.com/edgeflare/kroute/pkg/dedup"
	"github.com/edgeflare/kroute/pkg/envelope"
	"github.com/edgeflare/kroute/pkg/metrics"
)

// Deduplicated skips DeliverNow for envelopes whose id is already recorded in
// store under scope, and records the id once inner applied it. A crash between
// apply and record still applies twice; the apply hook must tolerate that.
type Deduplicated[K any] struct {
	inner Strategy[K]
	store dedup.Store
	scope string
}

// WithDedup wraps s. A nil store returns s unchanged.
func WithDedup[K any](s Strategy[K], store dedup.Store, scope string) Strategy[K] {
	if store == nil {
		return s
	}
	return &Deduplicated[K]{inner: s, store: store, scope: scope}
}

func (d *Deduplicated[K]) Kind() envelope.Kind { return d.inner.Kind() }

func (d *Deduplicated[K]) ShouldPostpone(ctx context.Context, key K, env envelope.Envelope) (bool, error) {
	return d.inner.ShouldPostpone(ctx, key, env)
}

func (d *Deduplicated[K]) DeliverNow(ctx context.Context, key K, env envelope.Envelope) error {
	if env.ID == "" {
		return fmt.Errorf("dedup lookup: %w", envelope.ErrMissingID)
	}
	applied, err := d.store.Applied(ctx, d.scope, env.ID)
	if err != nil {
		return fmt.Errorf("dedup lookup %s: %w", env.ID, err)
	}
	if applied {
		metrics.DedupSkipped.WithLabelValues(d.scope).Inc()
		return nil
	}

	if err := d.inner.DeliverNow(ctx, key, env); err != nil {
		return err
	}

	if err := d.store.MarkApplied(ctx, d.scope, env.ID); err != nil {
		return fmt.Errorf("dedup record %s: %w", env.ID, err)
	}
	return nil
}
