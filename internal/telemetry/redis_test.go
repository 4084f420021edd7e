package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/outbound-engine/internal/model"
)

const (
	testStream = "delivery:events:test"
	testGroup  = "counters"
)

func newRedis(t *testing.T) (rueidis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return client, mr
}

func TestStreamPublisher_Publish(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, _ := newRedis(t)

	ev := Event{
		QueueItemID: 7,
		Channel:     model.ChannelWhatsApp,
		EventType:   "message.ack",
		Status:      model.StatusRead,
		DedupKey:    "whatsapp:evt-3",
		OccurredAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	require.NoError(t, NewStreamPublisher(client, testStream).Publish(ctx, ev))

	entries, err := client.Do(ctx, client.B().Xrange().Key(testStream).Start("-").End("+").Build()).AsXRange()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got, err := DecodeEvent(entries[0].FieldValues)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestRedisCounters_CountOncePerDedupKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, mr := newRedis(t)
	c := NewRedisCounters(client)

	for _, ev := range []Event{
		{QueueItemID: 1, EventType: "open", DedupKey: "email:e1"},
		{QueueItemID: 1, EventType: "open", DedupKey: "email:e1"},
		{QueueItemID: 1, EventType: "open", DedupKey: "email:e2"},
		{QueueItemID: 1, EventType: "click"},
		{QueueItemID: 1, EventType: "click"},
	} {
		require.NoError(t, c.Incr(ctx, ev))
	}

	got, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"open": 2, "click": 2}, got)

	assert.Equal(t, dedupTTL, mr.TTL("delivery:counted:email:e1"))

	empty, err := c.Get(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// flakyCounters fails the first count of each failing event type.
type flakyCounters struct {
	*RedisCounters

	mu      sync.Mutex
	failing map[string]bool
}

func (f *flakyCounters) Incr(ctx context.Context, ev Event) error {
	f.mu.Lock()
	fail := f.failing[ev.EventType]
	delete(f.failing, ev.EventType)
	f.mu.Unlock()

	if fail {
		return errors.New("counter store unavailable")
	}

	return f.RedisCounters.Incr(ctx, ev)
}

func pendingCount(t *testing.T, client rueidis.Client) int64 {
	t.Helper()

	reply, err := client.Do(context.Background(), client.B().Xpending().Key(testStream).Group(testGroup).Build()).ToArray()
	require.NoError(t, err)
	require.NotEmpty(t, reply)

	n, err := reply[0].AsInt64()
	require.NoError(t, err)

	return n
}

func TestConsumer_RetriesFailedMessagesAndDropsUndecodable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, _ := newRedis(t)
	counters := &flakyCounters{RedisCounters: NewRedisCounters(client), failing: map[string]bool{"open": true}}

	consumer := NewConsumer(client, testStream, testGroup, "c1", CountingHandler(counters), WithReclaimAfter(0))
	consumer.CreateGroup(ctx)

	publisher := NewStreamPublisher(client, testStream)
	require.NoError(t, publisher.Publish(ctx, Event{QueueItemID: 1, EventType: "open", DedupKey: "email:e1"}))
	require.NoError(t, publisher.Publish(ctx, Event{QueueItemID: 1, EventType: "delivered", DedupKey: "email:e0"}))
	require.NoError(t, client.Do(ctx, client.B().Xadd().Key(testStream).Id("*").FieldValue().
		FieldValue("queue_item_id", "oops").Build()).Error())

	require.NoError(t, consumer.consume(ctx))

	got, err := counters.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"delivered": 1}, got)
	assert.Equal(t, int64(1), pendingCount(t, client), "only the failed message stays pending")

	require.NoError(t, consumer.consume(ctx))

	got, err = counters.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"delivered": 1, "open": 1}, got)
	assert.Zero(t, pendingCount(t, client))

	// a redelivered event is not counted twice
	require.NoError(t, publisher.Publish(ctx, Event{QueueItemID: 1, EventType: "open", DedupKey: "email:e1"}))
	require.NoError(t, consumer.consume(ctx))

	got, err = counters.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got["open"])
}
