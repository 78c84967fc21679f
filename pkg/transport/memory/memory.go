// Package memory is an in-process log transport. Topics are partitioned with
// the same key hash as Kafka and every partition is an append-only slice of
// records. A consumer group has a single member that owns all partitions.
//
// Connectors configured with the same cluster name share one log, so a
// publisher and a subscriber created by different registrations see the same
// records.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/edgeflare/kroute/pkg/transport"
	"go.uber.org/zap"
)

var ErrGroupActive = errors.New("memory: consumer group already subscribed to topic")

// Config is the memory connector configuration.
type Config struct {
	Cluster    string `json:"cluster,omitempty"`
	Partitions int32  `json:"partitions,omitempty"`
	// Buffer sizes the Errors channel.
	Buffer int `json:"buffer,omitempty"`
}

func (c *Config) setDefaults() {
	if c.Cluster == "" {
		c.Cluster = "default"
	}
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.Buffer <= 0 {
		c.Buffer = 16
	}
}

var (
	clusters   = make(map[string]*cluster)
	clustersMu sync.Mutex
)

func clusterFor(name string) *cluster {
	clustersMu.Lock()
	defer clustersMu.Unlock()
	cl, ok := clusters[name]
	if !ok {
		cl = &cluster{
			topics:  make(map[string]*topicLog),
			offsets: make(map[string][]int64),
			active:  make(map[string]bool),
		}
		clusters[name] = cl
	}
	return cl
}

// Reset drops every record and committed offset of the named cluster.
func Reset(name string) {
	clustersMu.Lock()
	delete(clusters, name)
	clustersMu.Unlock()
}

type cluster struct {
	mu      sync.Mutex
	topics  map[string]*topicLog
	offsets map[string][]int64 // group/topic -> next offset per partition
	active  map[string]bool
}

// ensure returns the topic, creating it with partitions partitions. An
// existing topic with fewer partitions is an error.
func (cl *cluster) ensure(name string, partitions int32) (*topicLog, error) {
	t := cl.open(name, partitions)
	if n := int32(len(t.partitions)); n < partitions {
		return nil, fmt.Errorf("%w: %s has %d, need %d", transport.ErrPartitionsReduced, name, n, partitions)
	}
	return t, nil
}

// open returns the topic, creating it with partitions partitions if absent.
func (cl *cluster) open(name string, partitions int32) *topicLog {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if t, ok := cl.topics[name]; ok {
		return t
	}
	t := &topicLog{partitions: make([]*partitionLog, max(partitions, 1))}
	for i := range t.partitions {
		t.partitions[i] = newPartitionLog()
	}
	cl.topics[name] = t
	return t
}

func (cl *cluster) join(group, topic string, partitions int) ([]int64, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	k := group + "/" + topic
	if cl.active[k] {
		return nil, fmt.Errorf("%w: %s on %s", ErrGroupActive, group, topic)
	}
	cl.active[k] = true
	if _, ok := cl.offsets[k]; !ok {
		cl.offsets[k] = make([]int64, partitions)
	}
	return cl.offsets[k], nil
}

func (cl *cluster) leave(group, topic string) {
	cl.mu.Lock()
	delete(cl.active, group+"/"+topic)
	cl.mu.Unlock()
}

type topicLog struct {
	partitions []*partitionLog
}

type partitionLog struct {
	mu      sync.Mutex
	records []transport.Record
	// closed and replaced on every append
	appended chan struct{}
}

func newPartitionLog() *partitionLog {
	return &partitionLog{appended: make(chan struct{})}
}

func (p *partitionLog) append(rec transport.Record) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec.Offset = int64(len(p.records))
	p.records = append(p.records, rec)
	close(p.appended)
	p.appended = make(chan struct{})
	return rec.Offset
}

// at returns the record at offset, or a channel closed on the next append.
func (p *partitionLog) at(offset int64) (transport.Record, bool, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset < int64(len(p.records)) {
		return p.records[offset], true, nil
	}
	return transport.Record{}, false, p.appended
}

// Connector is the in-memory log transport.
type Connector struct {
	config  Config
	cluster *cluster
	logger  *zap.Logger
	errs    chan error

	mu     sync.RWMutex
	closed bool
}

func New() *Connector {
	return &Connector{}
}

func (c *Connector) Connect(config map[string]any, logger *zap.Logger) error {
	var cfg Config
	if err := transport.DecodeConfig(config, &cfg); err != nil {
		return fmt.Errorf("failed to decode memory config: %w", err)
	}
	cfg.setDefaults()

	c.config = cfg
	c.cluster = clusterFor(cfg.Cluster)
	c.logger = transport.DefaultLogger(logger).With(
		zap.String("connector", transport.ConnectorMemory),
		zap.String("cluster", cfg.Cluster))
	c.errs = make(chan error, cfg.Buffer)
	return nil
}

func (c *Connector) ready() error {
	if c.closed {
		return transport.ErrClosed
	}
	if c.cluster == nil {
		return transport.ErrNotConnected
	}
	return nil
}

func (c *Connector) EnsureTopic(_ context.Context, topic string, partitions int32) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return err
	}
	if partitions <= 0 {
		partitions = c.config.Partitions
	}
	_, err := c.cluster.ensure(topic, partitions)
	return err
}

// Append writes rec to the partition its key hashes to. Topics are created
// on first use with the configured partition count.
func (c *Connector) Append(ctx context.Context, rec transport.Record) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t := c.cluster.open(rec.Topic, c.config.Partitions)
	rec.Partition = transport.Partition(rec.Key, int32(len(t.partitions)))
	rec.Headers = cloneHeaders(rec.Headers)
	offset := t.partitions[rec.Partition].append(rec)

	c.logger.Debug("Record appended",
		zap.String("topic", rec.Topic),
		zap.Int32("partition", rec.Partition),
		zap.Int64("offset", offset))
	return nil
}

func (c *Connector) Errors() <-chan error {
	return c.errs
}

// Subscribe starts one goroutine per partition, each delivering records in
// append order and committing the group offset after the handler returns.
func (c *Connector) Subscribe(ctx context.Context, opts transport.SubscribeOptions, h transport.Handler) (transport.Subscription, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return nil, err
	}

	t := c.cluster.open(opts.Topic, c.config.Partitions)
	offsets, err := c.cluster.join(opts.Group, opts.Topic, len(t.partitions))
	if err != nil {
		return nil, err
	}

	claims := transport.AllPartitions(int32(len(t.partitions)))
	logger := c.logger.With(zap.String("topic", opts.Topic), zap.String("group", opts.Group))

	workers := make([]func(context.Context) error, len(t.partitions))
	for i, p := range t.partitions {
		partition := int32(i)
		workers[i] = func(ctx context.Context) error {
			return c.consume(ctx, p, partition, offsets, claims, h, logger)
		}
	}

	loop := transport.NewLoop(ctx)
	loop.Start(workers...)
	go func() {
		<-loop.Done()
		c.cluster.leave(opts.Group, opts.Topic)
	}()

	logger.Info("Subscribed", zap.Int32s("partitions", claims))
	return loop, nil
}

func (c *Connector) consume(ctx context.Context, p *partitionLog, partition int32, offsets []int64, claims []int32, h transport.Handler, logger *zap.Logger) error {
	for {
		// offsets[partition] is only touched by this goroutine while the group is active
		rec, ok, appended := p.at(offsets[partition])
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-appended:
				continue
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		if err := h(ctx, transport.Delivery{Record: rec, Claims: claims}); err != nil {
			logger.Error("Handler failed, stopping subscription",
				zap.Int32("partition", partition),
				zap.Int64("offset", rec.Offset),
				zap.Error(err))
			return err
		}
		offsets[partition] = rec.Offset + 1
	}
}

func (c *Connector) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.errs != nil {
		close(c.errs)
	}
	return nil
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func init() {
	transport.RegisterConnector(transport.ConnectorMemory, func() transport.Connector { return New() })
}
