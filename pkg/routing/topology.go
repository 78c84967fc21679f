package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/edgeflare/kroute/pkg/delivery"
	"github.com/edgeflare/kroute/pkg/transport"
	"go.uber.org/zap"
)

// ErrorPolicy decides what an application error does to the subscription.
type ErrorPolicy string

const (
	// PolicyFail ends the subscription on the first application error.
	PolicyFail ErrorPolicy = "fail"
	// PolicyContinue reports application errors on Errors and moves on.
	// Fatal errors still end the subscription.
	PolicyContinue ErrorPolicy = "continue"
)

func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch p := ErrorPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", PolicyFail:
		return PolicyFail, nil
	case PolicyContinue:
		return p, nil
	}
	return "", fmt.Errorf("routing: invalid error policy %q", s)
}

// TopologyOptions select what a Topology reads.
type TopologyOptions struct {
	Topic      string
	Group      string
	EntityType string
	Policy     ErrorPolicy
	Logger     *zap.Logger
}

// Topology is the standing subscription over one entity type's topic.
type Topology[K any] struct {
	conn       transport.Connector
	dispatcher *Dispatcher[K]
	opts       TopologyOptions
	logger     *zap.Logger
	errs       chan error

	mu      sync.Mutex
	sub     transport.Subscription
	started bool
	stopped bool
	done    chan struct{}
	err     error
}

func NewTopology[K any](conn transport.Connector, d *Dispatcher[K], opts TopologyOptions) *Topology[K] {
	if opts.Policy == "" {
		opts.Policy = PolicyFail
	}
	return &Topology[K]{
		conn:       conn,
		dispatcher: d,
		opts:       opts,
		logger: transport.DefaultLogger(opts.Logger).With(
			zap.String("topic", opts.Topic),
			zap.String("entityType", opts.EntityType)),
		errs: make(chan error, 64),
		done: make(chan struct{}),
	}
}

// Start subscribes to the topic. The subscription runs until Stop, ctx is
// canceled or a record fails under the error policy.
func (t *Topology[K]) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return ErrClosed
	}
	if t.started {
		return errors.New("routing: topology already started")
	}

	sub, err := t.conn.Subscribe(ctx, transport.SubscribeOptions{Topic: t.opts.Topic, Group: t.opts.Group}, t.handle)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", t.opts.Topic, err)
	}
	t.sub = sub
	t.started = true

	go func() {
		<-sub.Done()
		err := sub.Err()
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		if err != nil {
			t.logger.Error("Topology stopped", zap.Error(err))
		} else {
			t.logger.Info("Topology stopped")
		}
		close(t.done)
	}()

	t.logger.Info("Topology started", zap.String("group", t.opts.Group), zap.String("policy", string(t.opts.Policy)))
	return nil
}

func (t *Topology[K]) handle(ctx context.Context, d transport.Delivery) error {
	if !d.Owned() {
		t.logger.Debug("Skipping record of unowned partition", zap.Int32("partition", d.Partition))
		return nil
	}
	if et, ok := d.Headers[HeaderEntityType]; ok && et != t.opts.EntityType {
		t.logger.Debug("Skipping record of other entity type", zap.String("recordEntityType", et))
		return nil
	}

	ctx = transport.ExtractTrace(ctx, d.Headers)
	err := t.dispatcher.Dispatch(ctx, d.Key, d.Value)
	if err == nil {
		return nil
	}

	var applyErr *delivery.ApplyError
	if t.opts.Policy == PolicyContinue && errors.As(err, &applyErr) {
		t.logger.Warn("Apply failed, continuing",
			zap.Int32("partition", d.Partition),
			zap.Int64("offset", d.Offset),
			zap.Error(err))
		select {
		case t.errs <- err:
		default:
			t.logger.Warn("Error channel full, dropping application error",
				zap.Int32("partition", d.Partition),
				zap.Int64("offset", d.Offset),
				zap.Error(err))
		}
		return nil
	}
	return err
}

// Stop ends the subscription after the in-flight record and returns the error
// that ended it, if any.
func (t *Topology[K]) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		<-t.done
		return t.Err()
	}
	t.stopped = true
	sub := t.sub
	t.mu.Unlock()

	if sub == nil {
		close(t.done)
		return nil
	}
	_ = sub.Stop()
	<-t.done
	return t.Err()
}

// Done is closed when the subscription has ended.
func (t *Topology[K]) Done() <-chan struct{} { return t.done }

func (t *Topology[K]) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Errors reports application errors skipped under PolicyContinue.
func (t *Topology[K]) Errors() <-chan error { return t.errs }
