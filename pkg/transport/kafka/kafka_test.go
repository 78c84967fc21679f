package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/edgeflare/kroute/internal/testutil"
	"github.com/edgeflare/kroute/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, transport.DecodeConfig(map[string]any{
		"brokers":  "b1:9092,b2:9092",
		"sasl":     map[string]any{"enable": true, "algorithm": "sha512", "username": "u", "password": "p"},
		"producer": map[string]any{"idempotent": true, "compression": "zstd"},
		"consumer": map[string]any{"initialOffset": "newest", "sessionTimeout": "20s", "rebalance": "sticky"},
	}, &cfg))
	cfg.setDefaults()

	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.GetBrokers())
	assert.Equal(t, "kroute", cfg.ClientID)
	assert.Equal(t, int32(1), cfg.Partitions)
	assert.Equal(t, int16(1), cfg.Replicas)
	assert.Equal(t, 20*time.Second, cfg.Consumer.SessionTimeout)

	sc, err := cfg.ToSaramaConfig()
	require.NoError(t, err)
	assert.True(t, sc.Net.SASL.Enable)
	assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypeSCRAMSHA512), sc.Net.SASL.Mechanism)
	assert.True(t, sc.Producer.Idempotent)
	assert.Equal(t, 1, sc.Net.MaxOpenRequests)
	assert.Equal(t, sarama.CompressionZSTD, sc.Producer.Compression)
	assert.False(t, sc.Producer.Return.Successes)
	assert.True(t, sc.Producer.Return.Errors)
	assert.Equal(t, sarama.OffsetNewest, sc.Consumer.Offsets.Initial)
	assert.Equal(t, 20*time.Second, sc.Consumer.Group.Session.Timeout)
}

func TestDefaultProducerKeepsKeyOrder(t *testing.T) {
	var cfg Config
	cfg.setDefaults()

	sc, err := cfg.ToSaramaConfig()
	require.NoError(t, err)
	assert.False(t, sc.Producer.Idempotent)
	assert.Greater(t, sc.Producer.Retry.Max, 0)
	assert.Equal(t, 1, sc.Net.MaxOpenRequests)
	assert.Equal(t, sarama.WaitForAll, sc.Producer.RequiredAcks)
}

func TestConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"version", Config{Version: "not-a-version"}},
		{"sasl", Config{SASL: &SASL{Enable: true, Algorithm: "md5"}}},
		{"compression", Config{Producer: Producer{Compression: "brotli"}}},
		{"offset", Config{Consumer: Consumer{InitialOffset: "middle"}}},
		{"rebalance", Config{Consumer: Consumer{Rebalance: "random"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.setDefaults()
			_, err := cfg.ToSaramaConfig()
			assert.Error(t, err)
		})
	}
}

func TestPartitionMatchesSarama(t *testing.T) {
	for _, n := range []int32{1, 3, 8, 12, 64} {
		p := sarama.NewHashPartitioner("entities")
		for i := 0; i < 500; i++ {
			key := []byte(fmt.Sprintf("entity-%d", i))
			want, err := p.Partition(&sarama.ProducerMessage{Key: sarama.ByteEncoder(key)}, n)
			require.NoError(t, err)
			assert.Equal(t, want, transport.Partition(key, n), "key %s, %d partitions", key, n)
		}
	}
}

func newTestConnector(t *testing.T, producer sarama.AsyncProducer) *Connector {
	c := New()
	c.config = &Config{}
	c.config.setDefaults()
	c.logger = zaptest.NewLogger(t)
	c.attachProducer(producer)
	return c
}

func TestAppend(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, nil)
	mp.ExpectInputWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "acme.Task" {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "task-42" {
			return fmt.Errorf("unexpected key %q", key)
		}
		if len(msg.Headers) != 1 || string(msg.Headers[0].Key) != "kroute-kind" {
			return fmt.Errorf("unexpected headers %v", msg.Headers)
		}
		return nil
	})

	c := newTestConnector(t, mp)
	err := c.Append(context.Background(), transport.Record{
		Topic:   "acme.Task",
		Key:     []byte("task-42"),
		Value:   []byte("payload"),
		Headers: map[string]string{"kroute-kind": "command"},
	})
	require.NoError(t, err)
	require.NoError(t, c.Disconnect())

	assert.ErrorIs(t, c.Append(context.Background(), transport.Record{Topic: "acme.Task"}), transport.ErrClosed)
}

func TestAppendFailureIsReported(t *testing.T) {
	brokerDown := errors.New("broker down")
	mp := mocks.NewAsyncProducer(t, nil)
	mp.ExpectInputAndFail(brokerDown)

	c := newTestConnector(t, mp)
	require.NoError(t, c.Append(context.Background(), transport.Record{Topic: "acme.Task", Key: []byte("k")}))

	select {
	case err := <-c.Errors():
		var pubErr *transport.PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "acme.Task", pubErr.Topic)
		assert.Equal(t, []byte("k"), pubErr.Key)
		assert.ErrorIs(t, err, brokerDown)
	case <-time.After(5 * time.Second):
		t.Fatal("publish error not reported")
	}
	require.NoError(t, c.Disconnect())
}

func TestNotConnected(t *testing.T) {
	c := New()
	err := c.Append(context.Background(), transport.Record{Topic: "t"})
	assert.ErrorIs(t, err, transport.ErrNotConnected)

	_, err = c.Subscribe(context.Background(), transport.SubscribeOptions{Topic: "t", Group: "g"}, nil)
	assert.ErrorIs(t, err, transport.ErrNotConnected)

	assert.ErrorIs(t, c.EnsureTopic(context.Background(), "t", 0), transport.ErrNotConnected)
	assert.ErrorIs(t, c.EnsureTopic(context.Background(), "t", 3), transport.ErrNotConnected)

	_, err = c.ListTopics()
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

type fakeAdmin struct {
	sarama.ClusterAdmin
	topics  map[string]sarama.TopicDetail
	created []string
}

func (a *fakeAdmin) ListTopics() (map[string]sarama.TopicDetail, error) {
	return a.topics, nil
}

func (a *fakeAdmin) CreateTopic(topic string, detail *sarama.TopicDetail, _ bool) error {
	a.created = append(a.created, topic)
	a.topics[topic] = *detail
	return nil
}

func TestEnsureTopic(t *testing.T) {
	logger := zaptest.NewLogger(t)
	admin := &fakeAdmin{topics: map[string]sarama.TopicDetail{
		"acme.Existing": {NumPartitions: 4},
	}}

	require.NoError(t, ensureTopic(admin, "acme.New", &sarama.TopicDetail{NumPartitions: 3, ReplicationFactor: 1}, logger))
	assert.Equal(t, []string{"acme.New"}, admin.created)

	require.NoError(t, ensureTopic(admin, "acme.Existing", &sarama.TopicDetail{NumPartitions: 2}, logger))
	require.NoError(t, ensureTopic(admin, "acme.Existing", &sarama.TopicDetail{NumPartitions: 4}, logger))

	err := ensureTopic(admin, "acme.Existing", &sarama.TopicDetail{NumPartitions: 8}, logger)
	assert.ErrorIs(t, err, transport.ErrPartitionsReduced)
	assert.Equal(t, []string{"acme.New"}, admin.created)
	assert.Equal(t, int32(4), admin.topics["acme.Existing"].NumPartitions)
}

type fakeSession struct {
	ctx    context.Context
	claims map[string][]int32

	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32 { return s.claims }
func (s *fakeSession) MemberID() string            { return "member-1" }
func (s *fakeSession) GenerationID() int32         { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string) {}
func (s *fakeSession) Commit()                                 {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, msg.Offset)
	s.mu.Unlock()
}

type fakeClaim struct {
	partition int32
	messages  chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "acme.Task" }
func (c *fakeClaim) Partition() int32                         { return c.partition }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return int64(len(c.messages)) }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newClaim(n int) *fakeClaim {
	claim := &fakeClaim{partition: 2, messages: make(chan *sarama.ConsumerMessage, n)}
	for i := 0; i < n; i++ {
		claim.messages <- &sarama.ConsumerMessage{
			Topic:     "acme.Task",
			Partition: 2,
			Offset:    int64(i),
			Key:       []byte(fmt.Sprintf("task-%d", i)),
			Value:     []byte("v"),
			Headers:   []*sarama.RecordHeader{{Key: []byte("kroute-kind"), Value: []byte("event")}},
		}
	}
	close(claim.messages)
	return claim
}

func TestConsumeClaimMarksAfterHandling(t *testing.T) {
	session := &fakeSession{ctx: context.Background(), claims: map[string][]int32{"acme.Task": {0, 2}}}

	var got []transport.Delivery
	h := &groupHandler{
		topic:  "acme.Task",
		logger: zaptest.NewLogger(t),
		fail:   func(err error) { t.Errorf("unexpected failure: %v", err) },
		handle: func(_ context.Context, d transport.Delivery) error {
			got = append(got, d)
			return nil
		},
	}

	require.NoError(t, h.ConsumeClaim(session, newClaim(3)))
	require.Len(t, got, 3)
	for i, d := range got {
		assert.Equal(t, int64(i), d.Offset)
		assert.Equal(t, fmt.Sprintf("task-%d", i), string(d.Key))
		assert.Equal(t, "event", d.Headers["kroute-kind"])
		assert.True(t, d.Owned())
	}
	assert.Equal(t, []int64{0, 1, 2}, session.marked)
}

func TestConsumeClaimStopsOnHandlerError(t *testing.T) {
	session := &fakeSession{ctx: context.Background(), claims: map[string][]int32{"acme.Task": {2}}}
	boom := errors.New("boom")

	var failed error
	h := &groupHandler{
		topic:  "acme.Task",
		logger: zaptest.NewLogger(t),
		fail:   func(err error) { failed = err },
		handle: func(_ context.Context, d transport.Delivery) error {
			if d.Offset == 1 {
				return boom
			}
			return nil
		},
	}

	err := h.ConsumeClaim(session, newClaim(3))
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, failed, boom)
	assert.Equal(t, []int64{0}, session.marked)
}

func TestRegistered(t *testing.T) {
	c, err := transport.NewConnector(transport.ConnectorKafka)
	require.NoError(t, err)
	assert.IsType(t, &Connector{}, c)
}

func TestConfigFixture(t *testing.T) {
	raw, err := testutil.LoadJSON("kafka.json")
	require.NoError(t, err)

	var cfg Config
	require.NoError(t, transport.DecodeConfig(raw, &cfg))
	cfg.setDefaults()

	assert.Equal(t, []string{"kafka-0:9093", "kafka-1:9093"}, cfg.Brokers)
	assert.Equal(t, int32(12), cfg.Partitions)
	assert.Equal(t, int16(3), cfg.Replicas)
	assert.Equal(t, int64(1209600000), cfg.RetentionMS)
	assert.Equal(t, 45*time.Second, cfg.Consumer.SessionTimeout)

	sc, err := cfg.ToSaramaConfig()
	require.NoError(t, err)
	assert.Equal(t, "tasks-service", sc.ClientID)
	assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypeSCRAMSHA256), sc.Net.SASL.Mechanism)
	assert.Equal(t, 10, sc.Producer.Retry.Max)
	assert.Equal(t, sarama.CompressionLZ4, sc.Producer.Compression)
	assert.Equal(t, sarama.V3_6_0_0, sc.Version)
}
