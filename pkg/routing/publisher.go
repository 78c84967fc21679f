package routing

import (
	"context"
	"fmt"

	"github.com/edgeflare/kroute/pkg/envelope"
	"github.com/edgeflare/kroute/pkg/keycodec"
	"github.com/edgeflare/kroute/pkg/metrics"
	"github.com/edgeflare/kroute/pkg/topic"
	"github.com/edgeflare/kroute/pkg/transport"
	"go.uber.org/zap"
)

// Record headers set by Publisher
const (
	HeaderKind       = "kroute-kind"
	HeaderEntityType = "kroute-entity-type"
)

// Publisher appends envelopes to the topic of their entity type, keyed by
// the encoded entity id. It implements delivery.Sender.
type Publisher[K any] struct {
	conn   transport.Connector
	codec  keycodec.Codec[K]
	prefix string
	logger *zap.Logger
}

func NewPublisher[K any](conn transport.Connector, codec keycodec.Codec[K], prefix string, logger *zap.Logger) *Publisher[K] {
	return &Publisher[K]{
		conn:   conn,
		codec:  codec,
		prefix: prefix,
		logger: transport.DefaultLogger(logger),
	}
}

// Topic returns the topic envelopes of entityType are published to.
func (p *Publisher[K]) Topic(entityType string) string {
	return topic.For(p.prefix, entityType)
}

// Send hands env to the transport without waiting for the broker. Encoding
// failures are returned; broker failures arrive on Errors.
func (p *Publisher[K]) Send(ctx context.Context, key K, env envelope.Envelope) error {
	value, err := envelope.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	k, err := p.codec.Encode(key)
	if err != nil {
		return fmt.Errorf("encode key: %w", err)
	}

	rec := transport.Record{
		Topic: p.Topic(env.EntityType),
		Key:   k,
		Value: value,
		Headers: map[string]string{
			HeaderKind:       env.Kind.String(),
			HeaderEntityType: env.EntityType,
		},
	}
	transport.InjectTrace(ctx, rec.Headers)

	if err := p.conn.Append(ctx, rec); err != nil {
		return fmt.Errorf("append to %s: %w", rec.Topic, err)
	}

	metrics.Published.WithLabelValues(rec.Topic, env.Kind.String()).Inc()
	p.logger.Debug("Envelope published",
		zap.String("topic", rec.Topic),
		zap.String("kind", env.Kind.String()),
		zap.String("id", env.ID))
	return nil
}

// Errors reports asynchronous transport failures.
func (p *Publisher[K]) Errors() <-chan error {
	return p.conn.Errors()
}
