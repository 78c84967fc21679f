package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

var (
	ErrConnectorNotFound = errors.New("transport: connector not found")
	ErrNotConnected      = errors.New("transport: connector not connected")
	ErrClosed            = errors.New("transport: connector closed")
	ErrPartitionsReduced = errors.New("transport: topic has fewer partitions than required")
)

// Record is one entry of the log.
type Record struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Partition int32
	Offset    int64
}

// Delivery is a record handed to a subscriber together with the partitions
// the subscriber owns at the time of delivery.
type Delivery struct {
	Record
	Claims []int32
}

// Owned reports whether the record's partition is currently assigned to the
// subscriber.
func (d Delivery) Owned() bool {
	return slices.Contains(d.Claims, d.Partition)
}

// Handler processes a single delivery. Returning an error ends the
// subscription; the record is not acknowledged.
type Handler func(ctx context.Context, d Delivery) error

// SubscribeOptions selects what a subscription reads.
type SubscribeOptions struct {
	Topic string
	// Group identifies the set of instances sharing the topic's partitions.
	Group string
}

// Subscription is a running consumption loop.
type Subscription interface {
	// Done is closed once the loop has exited and released its resources.
	Done() <-chan struct{}
	// Err returns the error that ended the loop, nil after a clean stop.
	Err() error
	// Stop asks the loop to exit after the in-flight record and waits for it.
	Stop() error
}

// Connector is a log transport (ie Kafka, NATS JetStream, in-memory).
type Connector interface {
	// Connect opens connections using the connector-specific config map.
	// A nil logger selects the connector's default.
	Connect(config map[string]any, logger *zap.Logger) error

	// EnsureTopic creates topic with at least partitions partitions. It never
	// reduces the partition count of an existing topic; a topic with fewer
	// partitions than requested yields ErrPartitionsReduced.
	EnsureTopic(ctx context.Context, topic string, partitions int32) error

	// Append enqueues rec for asynchronous append and returns without waiting
	// for the broker. Failures after enqueue arrive on Errors.
	Append(ctx context.Context, rec Record) error

	// Errors reports asynchronous append failures as *PublishError.
	Errors() <-chan error

	// Subscribe starts consuming opts.Topic.
	Subscribe(ctx context.Context, opts SubscribeOptions, h Handler) (Subscription, error)

	Disconnect() error
}

// PublishError is an append that failed after it was enqueued.
type PublishError struct {
	Topic string
	Key   []byte
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s (key %q): %v", e.Topic, e.Key, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Factory creates an unconnected connector.
type Factory func() Connector

// Predefined connectors
const (
	ConnectorKafka  = "kafka"
	ConnectorNATS   = "nats"
	ConnectorMemory = "memory"
)

var (
	factories = make(map[string]Factory)
	mu        sync.RWMutex
)

// RegisterConnector adds a connector factory to the registry.
func RegisterConnector(name string, f Factory) {
	mu.Lock()
	factories[name] = f
	mu.Unlock()
}

// NewConnector returns a fresh connector registered under name.
func NewConnector(name string) (Connector, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectorNotFound, name)
	}
	return f(), nil
}

// Connectors lists registered connector names.
func Connectors() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultLogger returns logger, or a production logger when it is nil.
func DefaultLogger(logger *zap.Logger) *zap.Logger {
	if logger != nil {
		return logger
	}
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// DecodeConfig decodes a connector config map into target, matching keys
// against `json` struct tags.
func DecodeConfig(config map[string]any, target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           target,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(config)
}
