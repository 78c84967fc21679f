package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/edgeflare/kroute/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func connect(t *testing.T, partitions int) *Connector {
	t.Helper()
	t.Cleanup(func() { Reset(t.Name()) })

	c := New()
	require.NoError(t, c.Connect(map[string]any{"cluster": t.Name(), "partitions": partitions}, zaptest.NewLogger(t)))
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

type collector struct {
	mu    sync.Mutex
	byKey map[string][]string
	total int
	done  chan struct{}
	want  int
}

func newCollector(want int) *collector {
	return &collector{byKey: make(map[string][]string), done: make(chan struct{}), want: want}
}

func (c *collector) handle(_ context.Context, d transport.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !d.Owned() {
		return fmt.Errorf("partition %d not owned", d.Partition)
	}
	c.byKey[string(d.Key)] = append(c.byKey[string(d.Key)], string(d.Value))
	c.total++
	if c.total == c.want {
		close(c.done)
	}
	return nil
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %d records", c.want)
	}
}

func TestPerKeyOrder(t *testing.T) {
	c := connect(t, 4)
	ctx := context.Background()

	keys := []string{"task-1", "task-2", "task-3", "task-42"}
	const perKey = 50
	col := newCollector(len(keys) * perKey)

	sub, err := c.Subscribe(ctx, transport.SubscribeOptions{Topic: "acme.Task", Group: "svc"}, col.handle)
	require.NoError(t, err)

	for i := 0; i < perKey; i++ {
		for _, k := range keys {
			require.NoError(t, c.Append(ctx, transport.Record{
				Topic: "acme.Task",
				Key:   []byte(k),
				Value: []byte(fmt.Sprintf("%s/%03d", k, i)),
			}))
		}
	}
	col.wait(t)
	require.NoError(t, sub.Stop())

	for _, k := range keys {
		got := col.byKey[k]
		require.Len(t, got, perKey)
		for i, v := range got {
			assert.Equal(t, fmt.Sprintf("%s/%03d", k, i), v)
		}
	}
}

func TestRecordsLandOnHashedPartition(t *testing.T) {
	c := connect(t, 8)
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[string]int32)
	done := make(chan struct{})
	sub, err := c.Subscribe(ctx, transport.SubscribeOptions{Topic: "acme.Task", Group: "svc"},
		func(_ context.Context, d transport.Delivery) error {
			mu.Lock()
			defer mu.Unlock()
			if p, ok := seen[string(d.Key)]; ok && p != d.Partition {
				return fmt.Errorf("key %s moved from %d to %d", d.Key, p, d.Partition)
			}
			seen[string(d.Key)] = d.Partition
			if len(seen) == 20 {
				close(done)
			}
			return nil
		})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Append(ctx, transport.Record{Topic: "acme.Task", Key: []byte(fmt.Sprintf("k%d", i))}))
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	require.NoError(t, sub.Stop())

	for k, p := range seen {
		assert.Equal(t, transport.Partition([]byte(k), 8), p)
	}
}

func TestHandlerErrorEndsSubscription(t *testing.T) {
	c := connect(t, 1)
	ctx := context.Background()
	boom := errors.New("boom")

	sub, err := c.Subscribe(ctx, transport.SubscribeOptions{Topic: "acme.Task", Group: "svc"},
		func(context.Context, transport.Delivery) error { return boom })
	require.NoError(t, err)
	require.NoError(t, c.Append(ctx, transport.Record{Topic: "acme.Task", Key: []byte("k")}))

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not end")
	}
	assert.ErrorIs(t, sub.Err(), boom)
}

func TestResumeFromCommittedOffset(t *testing.T) {
	c := connect(t, 1)
	ctx := context.Background()

	first := newCollector(2)
	sub, err := c.Subscribe(ctx, transport.SubscribeOptions{Topic: "acme.Task", Group: "svc"}, first.handle)
	require.NoError(t, err)

	_, err = c.Subscribe(ctx, transport.SubscribeOptions{Topic: "acme.Task", Group: "svc"}, first.handle)
	assert.ErrorIs(t, err, ErrGroupActive)

	for _, v := range []string{"a", "b"} {
		require.NoError(t, c.Append(ctx, transport.Record{Topic: "acme.Task", Key: []byte("k"), Value: []byte(v)}))
	}
	first.wait(t)
	require.NoError(t, sub.Stop())

	require.NoError(t, c.Append(ctx, transport.Record{Topic: "acme.Task", Key: []byte("k"), Value: []byte("c")}))

	second := newCollector(1)
	require.Eventually(t, func() bool {
		sub, err = c.Subscribe(ctx, transport.SubscribeOptions{Topic: "acme.Task", Group: "svc"}, second.handle)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	second.wait(t)
	require.NoError(t, sub.Stop())

	assert.Equal(t, []string{"c"}, second.byKey["k"])
}

func TestEnsureTopic(t *testing.T) {
	c := connect(t, 2)
	ctx := context.Background()

	require.NoError(t, c.EnsureTopic(ctx, "acme.Task", 4))
	require.NoError(t, c.EnsureTopic(ctx, "acme.Task", 3))
	assert.ErrorIs(t, c.EnsureTopic(ctx, "acme.Task", 6), transport.ErrPartitionsReduced)
}

func TestClosed(t *testing.T) {
	c := connect(t, 1)
	require.NoError(t, c.Disconnect())

	err := c.Append(context.Background(), transport.Record{Topic: "acme.Task"})
	assert.ErrorIs(t, err, transport.ErrClosed)

	_, err = New().Subscribe(context.Background(), transport.SubscribeOptions{Topic: "t"}, nil)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}
