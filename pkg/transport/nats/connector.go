package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/kroute/pkg/transport"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	headerKey         = "kroute-key"
	metadataPartition = "kroute-partitions"
)

// Connector is the NATS JetStream log transport.
type Connector struct {
	config Config
	logger *zap.Logger
	nc     *nats.Conn
	js     nats.JetStreamContext

	errs    chan error
	pending chan pendingAck
	acks    sync.WaitGroup

	mu         sync.RWMutex
	closed     bool
	partitions map[string]int32
}

type pendingAck struct {
	topic  string
	key    []byte
	future nats.PubAckFuture
}

func New() *Connector {
	return &Connector{partitions: make(map[string]int32)}
}

// Connect establishes a connection to the first reachable NATS server
func (c *Connector) Connect(config map[string]any, logger *zap.Logger) error {
	var cfg Config
	if err := transport.DecodeConfig(config, &cfg); err != nil {
		return fmt.Errorf("unmarshal NATS config: %w", err)
	}
	cfg.setDefaults()
	c.config = cfg
	c.logger = transport.DefaultLogger(logger).With(zap.String("connector", transport.ConnectorNATS))

	opts := defaultOptions(cfg)
	var err error
	for _, server := range cfg.Servers {
		c.nc, err = nats.Connect(server, opts...)
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("connect to NATS server: %w", err)
	}

	if c.js, err = c.nc.JetStream(nats.PublishAsyncMaxPending(1024)); err != nil {
		c.nc.Close()
		return fmt.Errorf("create JetStream context: %w", err)
	}

	c.errs = make(chan error, 64)
	c.pending = make(chan pendingAck, 1024)
	c.acks.Add(1)
	go c.watchAcks()

	c.logger.Info("Connected to NATS", zap.String("url", c.nc.ConnectedUrl()))
	return nil
}

// watchAcks turns failed asynchronous publishes into errors on Errors.
// Futures are awaited in publish order.
func (c *Connector) watchAcks() {
	defer c.acks.Done()
	for p := range c.pending {
		select {
		case <-p.future.Ok():
			continue
		case err := <-p.future.Err():
			c.logger.Error("Failed to publish message", zap.String("topic", p.topic), zap.Error(err))
			select {
			case c.errs <- &transport.PublishError{Topic: p.topic, Key: p.key, Err: err}:
			default:
				c.logger.Warn("Error channel full, dropping publish error", zap.String("topic", p.topic))
			}
		}
	}
}

// EnsureTopic creates the topic's stream, or checks that an existing one has
// at least partitions partitions.
func (c *Connector) EnsureTopic(ctx context.Context, topic string, partitions int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(); err != nil {
		return err
	}
	if partitions <= 0 {
		partitions = c.config.Partitions
	}

	info, err := c.js.StreamInfo(streamName(topic), nats.Context(ctx))
	if err == nil {
		existing := streamPartitions(info.Config)
		if existing < partitions {
			return fmt.Errorf("%w: %s has %d, need %d", transport.ErrPartitionsReduced, topic, existing, partitions)
		}
		c.partitions[topic] = existing
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("get stream info: %w", err)
	}

	if _, err := c.js.AddStream(c.streamConfig(topic, partitions), nats.Context(ctx)); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	c.partitions[topic] = partitions
	c.logger.Info("Created stream",
		zap.String("stream", streamName(topic)),
		zap.Int32("partitions", partitions))
	return nil
}

func (c *Connector) streamConfig(topic string, partitions int32) *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:     streamName(topic),
		Subjects: []string{topic + ".*"},
		Storage:  c.config.storageType(),
		Replicas: c.config.Replicas,
		MaxAge:   c.config.MaxAge,
		Metadata: map[string]string{metadataPartition: strconv.Itoa(int(partitions))},
	}
}

// topicPartitions returns the partition count of topic, reading it from the
// stream once.
func (c *Connector) topicPartitions(ctx context.Context, topic string) (int32, error) {
	c.mu.RLock()
	n, ok := c.partitions[topic]
	c.mu.RUnlock()
	if ok {
		return n, nil
	}

	info, err := c.js.StreamInfo(streamName(topic), nats.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("get stream info: %w", err)
	}
	n = streamPartitions(info.Config)

	c.mu.Lock()
	c.partitions[topic] = n
	c.mu.Unlock()
	return n, nil
}

// Append publishes rec asynchronously on the subject of its key's partition.
func (c *Connector) Append(ctx context.Context, rec transport.Record) error {
	c.mu.RLock()
	err := c.ready()
	c.mu.RUnlock()
	if err != nil {
		return err
	}

	n, err := c.topicPartitions(ctx, rec.Topic)
	if err != nil {
		return err
	}
	rec.Partition = transport.Partition(rec.Key, n)

	future, err := c.js.PublishMsgAsync(toMsg(rec))
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return transport.ErrClosed
	}
	select {
	case c.pending <- pendingAck{topic: rec.Topic, key: rec.Key, future: future}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connector) Errors() <-chan error {
	return c.errs
}

// Subscribe starts one durable pull consumer per owned partition.
func (c *Connector) Subscribe(ctx context.Context, opts transport.SubscribeOptions, h transport.Handler) (transport.Subscription, error) {
	c.mu.RLock()
	err := c.ready()
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if opts.Group == "" {
		return nil, errors.New("nats: consumer group is required")
	}

	n, err := c.topicPartitions(ctx, opts.Topic)
	if err != nil {
		return nil, err
	}
	claims := c.config.owned(n)
	logger := c.logger.With(zap.String("topic", opts.Topic), zap.String("group", opts.Group))

	subs := make([]*nats.Subscription, 0, len(claims))
	unsubscribe := func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}

	stream := streamName(opts.Topic)
	for _, p := range claims {
		durable := durableName(opts.Group, p)
		_, err := c.js.AddConsumer(stream, &nats.ConsumerConfig{
			Durable:       durable,
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       c.config.AckWait,
			MaxAckPending: 1,
			DeliverPolicy: nats.DeliverAllPolicy,
			FilterSubject: partitionSubject(opts.Topic, p),
		}, nats.Context(ctx))
		if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
			unsubscribe()
			return nil, fmt.Errorf("create consumer %s: %w", durable, err)
		}

		// bound subscriptions leave the durable consumer in place on unsubscribe
		sub, err := c.js.PullSubscribe(partitionSubject(opts.Topic, p), durable, nats.Bind(stream, durable))
		if err != nil {
			unsubscribe()
			return nil, fmt.Errorf("create subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	workers := make([]func(context.Context) error, len(subs))
	for i, sub := range subs {
		partition := claims[i]
		workers[i] = func(ctx context.Context) error {
			defer sub.Unsubscribe()
			return c.processMessages(ctx, sub, partition, claims, h, logger)
		}
	}

	loop := transport.NewLoop(ctx)
	loop.Start(workers...)
	logger.Info("Subscribed", zap.Int32s("partitions", claims))
	return loop, nil
}

// fetcher is the part of a pull subscription processMessages uses.
type fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// processMessages fetches one message at a time and acks it after h succeeds.
// Fetch failures are retried with exponential backoff unless the connection
// or the consumer is gone, which ends the subscription.
func (c *Connector) processMessages(ctx context.Context, sub fetcher, partition int32, claims []int32, h transport.Handler, logger *zap.Logger) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.config.FetchWait)
		msgs, err := sub.Fetch(1, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				bo.Reset()
				continue
			}
			if terminalFetchError(err) {
				return fmt.Errorf("fetch partition %d: %w", partition, err)
			}

			wait := bo.NextBackOff()
			logger.Warn("Fetch failed, retrying",
				zap.Int32("partition", partition),
				zap.Duration("backoff", wait),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		for _, msg := range msgs {
			rec, err := fromMsg(msg)
			if err != nil {
				return fmt.Errorf("decode message on %s: %w", msg.Subject, err)
			}
			if err := h(ctx, transport.Delivery{Record: rec, Claims: claims}); err != nil {
				logger.Error("Handler failed, stopping subscription",
					zap.Int32("partition", partition),
					zap.Int64("offset", rec.Offset),
					zap.Error(err))
				return err
			}
			if err := msg.AckSync(); err != nil {
				return fmt.Errorf("ack message: %w", err)
			}
		}
	}
}

// terminalFetchError reports errors after which a pull subscription can
// never deliver again.
func terminalFetchError(err error) bool {
	for _, target := range []error{
		nats.ErrConnectionClosed,
		nats.ErrBadSubscription,
		nats.ErrTypeSubscription,
		nats.ErrConsumerDeleted,
		nats.ErrConsumerNotFound,
		nats.ErrStreamNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (c *Connector) ready() error {
	if c.closed {
		return transport.ErrClosed
	}
	if c.js == nil {
		return transport.ErrNotConnected
	}
	return nil
}

// Disconnect waits for outstanding publish acks and closes the NATS connection
func (c *Connector) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.js != nil {
		<-c.js.PublishAsyncComplete()
		close(c.pending)
		c.acks.Wait()
		close(c.errs)
	}
	if c.nc != nil {
		c.nc.Close()
	}
	return nil
}

func toMsg(rec transport.Record) *nats.Msg {
	msg := nats.NewMsg(partitionSubject(rec.Topic, rec.Partition))
	msg.Data = rec.Value
	for k, v := range rec.Headers {
		msg.Header.Set(k, v)
	}
	msg.Header.Set(headerKey, base64.StdEncoding.EncodeToString(rec.Key))
	return msg
}

func fromMsg(msg *nats.Msg) (transport.Record, error) {
	topic, partition, err := parseSubject(msg.Subject)
	if err != nil {
		return transport.Record{}, err
	}
	key, err := base64.StdEncoding.DecodeString(msg.Header.Get(headerKey))
	if err != nil {
		return transport.Record{}, fmt.Errorf("decode key header: %w", err)
	}

	rec := transport.Record{
		Topic:     topic,
		Key:       key,
		Value:     msg.Data,
		Partition: partition,
	}
	for k := range msg.Header {
		if k == headerKey {
			continue
		}
		if rec.Headers == nil {
			rec.Headers = make(map[string]string, len(msg.Header))
		}
		rec.Headers[k] = msg.Header.Get(k)
	}
	if meta, err := msg.Metadata(); err == nil {
		rec.Offset = int64(meta.Sequence.Stream)
	}
	return rec, nil
}

func partitionSubject(topic string, partition int32) string {
	return topic + "." + strconv.Itoa(int(partition))
}

func parseSubject(subject string) (string, int32, error) {
	i := strings.LastIndexByte(subject, '.')
	if i <= 0 {
		return "", 0, fmt.Errorf("subject %q has no partition", subject)
	}
	p, err := strconv.ParseInt(subject[i+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("subject %q has no partition: %w", subject, err)
	}
	return subject[:i], int32(p), nil
}

// streamName maps a topic onto the stream name alphabet.
func streamName(topic string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '/', '\\':
			return '_'
		}
		return r
	}, topic)
}

func durableName(group string, partition int32) string {
	return fmt.Sprintf("%s-p%d", streamName(group), partition)
}

func streamPartitions(cfg nats.StreamConfig) int32 {
	n, err := strconv.Atoi(cfg.Metadata[metadataPartition])
	if err != nil || n <= 0 {
		return 1
	}
	return int32(n)
}

func init() {
	transport.RegisterConnector(transport.ConnectorNATS, func() transport.Connector { return New() })
}
