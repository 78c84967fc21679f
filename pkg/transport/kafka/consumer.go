package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/kroute/pkg/transport"
	"go.uber.org/zap"
)

// Subscribe joins opts.Group on opts.Topic. Kafka assigns each partition to
// exactly one member of the group; the subscription survives rebalances and
// ends only on Stop, ctx cancellation or a handler error.
func (c *Connector) Subscribe(ctx context.Context, opts transport.SubscribeOptions, h transport.Handler) (transport.Subscription, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, transport.ErrClosed
	}
	if c.client == nil {
		return nil, transport.ErrNotConnected
	}
	if opts.Group == "" {
		return nil, errors.New("kafka: consumer group is required")
	}

	group, err := sarama.NewConsumerGroupFromClient(opts.Group, c.client)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	logger := c.logger.With(zap.String("topic", opts.Topic), zap.String("group", opts.Group))
	loop := transport.NewLoop(ctx)
	handler := &groupHandler{topic: opts.Topic, handle: h, fail: loop.Fail, logger: logger}

	loop.Start(
		func(ctx context.Context) error {
			defer group.Close()
			return consume(ctx, group, opts.Topic, handler, logger)
		},
		func(context.Context) error {
			// closed by group.Close
			for err := range group.Errors() {
				logger.Warn("Consumer group error", zap.Error(err))
			}
			return nil
		},
	)

	logger.Info("Joined consumer group")
	return loop, nil
}

// consume keeps the member in the group across rebalances and transient
// broker failures.
func consume(ctx context.Context, group sarama.ConsumerGroup, topic string, h sarama.ConsumerGroupHandler, logger *zap.Logger) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		err := group.Consume(ctx, []string{topic}, h)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return err
		}
		if err == nil {
			// rebalance
			bo.Reset()
			continue
		}

		wait := bo.NextBackOff()
		logger.Warn("Consume failed, rejoining", zap.Error(err), zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// groupHandler implements sarama.ConsumerGroupHandler. Claims are processed
// one record at a time; an offset is marked only after its record was handled.
type groupHandler struct {
	topic  string
	handle transport.Handler
	fail   func(error)
	logger *zap.Logger
}

func (g *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	g.logger.Info("Partitions assigned",
		zap.Int32s("partitions", session.Claims()[g.topic]),
		zap.String("member", session.MemberID()),
		zap.Int32("generation", session.GenerationID()))
	return nil
}

func (g *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	g.logger.Info("Partitions released", zap.Int32s("partitions", session.Claims()[g.topic]))
	return nil
}

func (g *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	claims := session.Claims()[g.topic]

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			d := transport.Delivery{Record: toRecord(msg), Claims: claims}
			if err := g.handle(session.Context(), d); err != nil {
				g.logger.Error("Handler failed, stopping subscription",
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
				g.fail(err)
				return err
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func toRecord(msg *sarama.ConsumerMessage) transport.Record {
	rec := transport.Record{
		Topic:     msg.Topic,
		Key:       msg.Key,
		Value:     msg.Value,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}
	if len(msg.Headers) > 0 {
		rec.Headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			if h != nil {
				rec.Headers[string(h.Key)] = string(h.Value)
			}
		}
	}
	return rec
}
