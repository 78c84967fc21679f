// Package courier ties the routing of one entity type to the lifecycle of
// the repository that owns it.
//
// A Registration is created once per repository. It resolves the key codec,
// builds the dispatch table from the repository's three delivery strategies
// and refuses to exist when any of them is missing, so a half-configured
// topology can never start. Start connects the transport, makes sure the
// topic exists and starts the topology; it runs at most once.
package courier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/kroute/pkg/dedup"
	"github.com/edgeflare/kroute/pkg/delivery"
	"github.com/edgeflare/kroute/pkg/envelope"
	"github.com/edgeflare/kroute/pkg/keycodec"
	"github.com/edgeflare/kroute/pkg/metrics"
	"github.com/edgeflare/kroute/pkg/routing"
	"github.com/edgeflare/kroute/pkg/topic"
	"github.com/edgeflare/kroute/pkg/transport"
	"go.uber.org/zap"
)

var (
	ErrAlreadyStarted = errors.New("courier: registration already started")
	ErrStopped        = errors.New("courier: registration stopped")
	ErrConfig         = errors.New("courier: invalid configuration")
)

// Repository is the owner of one entity type. Each hook receives the
// registration's publisher so it can return a postponing strategy, or ignore
// it and apply locally.
type Repository[K any] interface {
	EntityStateTypeName() string
	CommandDelivery(sender delivery.Sender[K]) delivery.Strategy[K]
	EventDelivery(sender delivery.Sender[K]) delivery.Strategy[K]
	RejectionDelivery(sender delivery.Sender[K]) delivery.Strategy[K]
}

// Options configure a Registration.
type Options struct {
	TopicPrefix string
	Group       string
	// Partitions is the partition count the topic is created with. Zero uses
	// the connector's default.
	Partitions      int32
	ErrorPolicy     routing.ErrorPolicy
	Connector       string
	ConnectorConfig map[string]any
	// Dedup, when set, skips redelivered envelopes that were already applied.
	Dedup  dedup.Store
	Logger *zap.Logger
	// StartTimeout bounds the connect and ensure-topic retries of Start.
	StartTimeout time.Duration
}

// Registration is the routing of one repository's entity type.
type Registration[K any] struct {
	opts       Options
	entityType string
	topic      string
	logger     *zap.Logger
	// connLogger leaves topic to the connector, which adds it per record.
	connLogger *zap.Logger

	conn       transport.Connector
	publisher  *routing.Publisher[K]
	dispatcher *routing.Dispatcher[K]
	topology   *routing.Topology[K]

	errs      chan error
	quit      chan struct{}
	forwarded chan struct{}

	mu      sync.Mutex
	started bool
	running bool
	stopped bool
}

// Register validates opts and wires the delivery strategies of repo. It does
// not touch the network.
func Register[K any](repo Repository[K], opts Options) (*Registration[K], error) {
	if repo == nil {
		return nil, fmt.Errorf("%w: nil repository", ErrConfig)
	}
	entityType := repo.EntityStateTypeName()
	if entityType == "" {
		return nil, fmt.Errorf("%w: empty entity state type name", ErrConfig)
	}
	if opts.Group == "" {
		return nil, fmt.Errorf("%w: consumer group is required", ErrConfig)
	}
	if opts.Connector == "" {
		return nil, fmt.Errorf("%w: transport connector is required", ErrConfig)
	}
	policy, err := routing.ParseErrorPolicy(string(opts.ErrorPolicy))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	opts.ErrorPolicy = policy
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = time.Minute
	}

	codec, err := keycodec.For[K]()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	conn, err := transport.NewConnector(opts.Connector)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	base := transport.DefaultLogger(opts.Logger)
	topicName := topic.For(opts.TopicPrefix, entityType)
	logger := base.With(zap.String("entityType", entityType), zap.String("topic", topicName))

	publisher := routing.NewPublisher(conn, codec, opts.TopicPrefix, base)

	hooks := []struct {
		kind envelope.Kind
		get  func(delivery.Sender[K]) delivery.Strategy[K]
	}{
		{envelope.KindCommand, repo.CommandDelivery},
		{envelope.KindEvent, repo.EventDelivery},
		{envelope.KindRejection, repo.RejectionDelivery},
	}
	strategies := make([]routing.Option[K], 0, len(hooks))
	for _, h := range hooks {
		s := h.get(publisher)
		if s == nil {
			return nil, fmt.Errorf("%w: no %s delivery strategy", ErrConfig, h.kind)
		}
		if s.Kind() != h.kind {
			return nil, fmt.Errorf("%w: %s hook returned a %s strategy", ErrConfig, h.kind, s.Kind())
		}
		strategies = append(strategies, routing.WithStrategy(delivery.WithDedup(s, opts.Dedup, topicName)))
	}

	dispatcher, err := routing.NewDispatcher(topicName, codec, strategies...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if missing := dispatcher.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing strategies %v", ErrConfig, missing)
	}

	return &Registration[K]{
		opts:       opts,
		entityType: entityType,
		topic:      topicName,
		logger:     logger,
		connLogger: base.With(zap.String("entityType", entityType)),
		conn:       conn,
		publisher:  publisher,
		dispatcher: dispatcher,
		topology: routing.NewTopology(conn, dispatcher, routing.TopologyOptions{
			Topic:      topicName,
			Group:      opts.Group,
			EntityType: entityType,
			Policy:     policy,
			Logger:     base,
		}),
		errs:      make(chan error, 64),
		quit:      make(chan struct{}),
		forwarded: make(chan struct{}),
	}, nil
}

func (r *Registration[K]) Topic() string      { return r.topic }
func (r *Registration[K]) EntityType() string { return r.entityType }

// Publisher sends envelopes for this entity type.
func (r *Registration[K]) Publisher() *routing.Publisher[K] { return r.publisher }

// Errors merges asynchronous publish failures, application errors skipped
// under the continue policy, and the error that ended the topology. It is
// closed by Stop.
func (r *Registration[K]) Errors() <-chan error { return r.errs }

// Done is closed when the topology has stopped.
func (r *Registration[K]) Done() <-chan struct{} { return r.topology.Done() }

// Err returns the error that ended the topology.
func (r *Registration[K]) Err() error { return r.topology.Err() }

// Start connects, ensures the topic and starts consuming. It may be called
// once, even when it failed; transient failures are retried with exponential
// backoff until StartTimeout. Stop blocks while Start is retrying.
func (r *Registration[K]) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = r.opts.StartTimeout
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("Start step failed, retrying", zap.Error(err), zap.Duration("backoff", wait))
	}

	err := backoff.RetryNotify(func() error {
		return r.conn.Connect(r.opts.ConnectorConfig, r.connLogger)
	}, backoff.WithContext(bo, ctx), notify)
	if err != nil {
		return fmt.Errorf("connect %s transport: %w", r.opts.Connector, err)
	}

	bo.Reset()
	err = backoff.RetryNotify(func() error {
		err := r.conn.EnsureTopic(ctx, r.topic, r.opts.Partitions)
		if errors.Is(err, transport.ErrPartitionsReduced) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx), notify)
	if err != nil {
		_ = r.conn.Disconnect()
		return fmt.Errorf("ensure topic %s: %w", r.topic, err)
	}

	if err := r.topology.Start(ctx); err != nil {
		_ = r.conn.Disconnect()
		return err
	}

	r.running = true
	go r.forward()
	r.logger.Info("Registration started", zap.String("connector", r.opts.Connector))
	return nil
}

func (r *Registration[K]) forward() {
	defer close(r.forwarded)

	connErrs := r.conn.Errors()
	done := r.topology.Done()
	for {
		select {
		case err, ok := <-connErrs:
			if !ok {
				connErrs = nil
				continue
			}
			var pubErr *transport.PublishError
			if errors.As(err, &pubErr) {
				metrics.PublishErrors.WithLabelValues(pubErr.Topic).Inc()
			}
			r.report(err)
		case err := <-r.topology.Errors():
			r.report(err)
		case <-done:
			done = nil
			if err := r.topology.Err(); err != nil {
				r.report(err)
			}
		case <-r.quit:
			return
		}
	}
}

func (r *Registration[K]) report(err error) {
	select {
	case r.errs <- err:
	default:
		r.logger.Warn("Error channel full, dropping error", zap.Error(err))
	}
}

// Stop stops the topology after the in-flight record, disconnects the
// transport and closes Errors. It returns the error that ended the topology,
// if any.
func (r *Registration[K]) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	running := r.running
	r.mu.Unlock()

	err := r.topology.Stop()
	if running {
		if derr := r.conn.Disconnect(); derr != nil {
			err = errors.Join(err, derr)
		}
		close(r.quit)
		<-r.forwarded
	}
	close(r.errs)
	r.logger.Info("Registration stopped")
	return err
}
