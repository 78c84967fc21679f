package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/edgeflare/kroute/pkg/transport"
	"go.uber.org/zap"
)

// EnsureTopic creates the topic if it does not exist. An existing topic with
// fewer partitions than required is reported, never altered.
func (c *Connector) EnsureTopic(_ context.Context, topic string, partitions int32) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return transport.ErrClosed
	}
	if c.admin == nil || c.config == nil {
		return transport.ErrNotConnected
	}
	if partitions <= 0 {
		partitions = c.config.Partitions
	}

	return ensureTopic(c.admin, topic, &sarama.TopicDetail{
		NumPartitions:     partitions,
		ReplicationFactor: c.config.Replicas,
		ConfigEntries: map[string]*string{
			"retention.ms": stringPtr(strconv.FormatInt(c.config.RetentionMS, 10)),
		},
	}, c.logger)
}

func ensureTopic(admin sarama.ClusterAdmin, topic string, detail *sarama.TopicDetail, logger *zap.Logger) error {
	topics, err := admin.ListTopics()
	if err != nil {
		return fmt.Errorf("failed to list topics: %w", err)
	}

	if existing, ok := topics[topic]; ok {
		if existing.NumPartitions < detail.NumPartitions {
			return fmt.Errorf("%w: %s has %d, need %d", transport.ErrPartitionsReduced,
				topic, existing.NumPartitions, detail.NumPartitions)
		}
		logger.Debug("Topic exists",
			zap.String("topic", topic),
			zap.Int32("partitions", existing.NumPartitions))
		return nil
	}

	err = admin.CreateTopic(topic, detail, false)
	if err != nil && !errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return fmt.Errorf("failed to create topic: %w", err)
	}

	logger.Info("Topic created",
		zap.String("topic", topic),
		zap.Int32("partitions", detail.NumPartitions),
		zap.Int16("replicas", detail.ReplicationFactor))
	return nil
}

// ListTopics lists all topics
func (c *Connector) ListTopics() (map[string]sarama.TopicDetail, error) {
	if c.admin == nil {
		return nil, transport.ErrNotConnected
	}

	topics, err := c.admin.ListTopics()
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}

	return topics, nil
}

func stringPtr(s string) *string {
	return &s
}
