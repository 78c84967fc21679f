package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/edgeflare/kroute/pkg/transport"
	"go.uber.org/zap"
)

// Connector is the Kafka log transport. One Connector owns one sarama client,
// one async producer and one cluster admin.
type Connector struct {
	config   *Config
	saramaCf *sarama.Config
	logger   *zap.Logger

	client   sarama.Client
	producer sarama.AsyncProducer
	admin    sarama.ClusterAdmin

	errs      chan error
	forwarded sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New returns an unconnected Kafka connector.
func New() *Connector {
	return &Connector{errs: make(chan error, 64)}
}

func (c *Connector) Connect(config map[string]any, logger *zap.Logger) error {
	var cfg Config
	if err := transport.DecodeConfig(config, &cfg); err != nil {
		return fmt.Errorf("failed to decode Kafka config: %w", err)
	}
	cfg.setDefaults()

	saramaConfig, err := cfg.ToSaramaConfig()
	if err != nil {
		return fmt.Errorf("failed to create sarama config: %w", err)
	}

	client, err := sarama.NewClient(cfg.Brokers, saramaConfig)
	if err != nil {
		return fmt.Errorf("failed to create kafka client: %w", err)
	}

	producer, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to create async producer: %w", err)
	}

	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		producer.Close()
		client.Close()
		return fmt.Errorf("failed to create cluster admin: %w", err)
	}

	c.config = &cfg
	c.saramaCf = saramaConfig
	c.logger = transport.DefaultLogger(logger).With(zap.String("connector", transport.ConnectorKafka))
	c.client = client
	c.admin = admin
	c.attachProducer(producer)

	c.logger.Info("Connected to Kafka",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("version", cfg.Version))
	return nil
}

// attachProducer installs producer and starts forwarding its errors.
func (c *Connector) attachProducer(producer sarama.AsyncProducer) {
	c.producer = producer
	c.forwarded.Add(1)
	go func() {
		defer c.forwarded.Done()
		for perr := range producer.Errors() {
			var key []byte
			if perr.Msg != nil && perr.Msg.Key != nil {
				key, _ = perr.Msg.Key.Encode()
			}
			topic := ""
			if perr.Msg != nil {
				topic = perr.Msg.Topic
			}
			pubErr := &transport.PublishError{Topic: topic, Key: key, Err: perr.Err}
			c.logger.Error("Failed to publish message",
				zap.String("topic", topic),
				zap.ByteString("key", key),
				zap.Error(perr.Err))

			select {
			case c.errs <- pubErr:
			default:
				c.logger.Warn("Error channel full, dropping publish error", zap.String("topic", topic))
			}
		}
	}()
}

// Append hands the record to the async producer. It does not wait for the
// broker; delivery failures arrive on Errors.
func (c *Connector) Append(ctx context.Context, rec transport.Record) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return transport.ErrClosed
	}
	if c.producer == nil {
		return transport.ErrNotConnected
	}

	msg := &sarama.ProducerMessage{
		Topic: rec.Topic,
		Key:   sarama.ByteEncoder(rec.Key),
		Value: sarama.ByteEncoder(rec.Value),
	}
	for k, v := range rec.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	select {
	case c.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connector) Errors() <-chan error {
	return c.errs
}

// Disconnect flushes the producer and closes the client.
func (c *Connector) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var firstErr error
	if c.producer != nil {
		if err := c.producer.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close producer: %w", err)
		}
		c.forwarded.Wait()
	}
	if c.client != nil && !c.client.Closed() {
		if err := c.client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close client: %w", err)
		}
	}
	close(c.errs)
	return firstErr
}

func init() {
	transport.RegisterConnector(transport.ConnectorKafka, func() transport.Connector { return New() })
}
