// Package telemetry publishes webhook delivery events to Redis Streams and keeps per-item counters.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/rueidis"

	"github.com/jnst/outbound-engine/internal/model"
)

// DefaultStream is the stream webhook events are appended to.
const DefaultStream = "delivery:events"

// Event is one distinct delivery event.
type Event struct {
	QueueItemID int64
	Channel     model.Channel
	EventType   string
	Status      model.Status
	DedupKey    string
	OccurredAt  time.Time
}

// Fields encodes the event as stream field values.
func (e Event) Fields() map[string]string {
	return map[string]string{
		"queue_item_id": strconv.FormatInt(e.QueueItemID, 10),
		"channel":       string(e.Channel),
		"event_type":    e.EventType,
		"status":        string(e.Status),
		"dedup_key":     e.DedupKey,
		"occurred_at":   e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

// DecodeEvent parses stream field values written by Fields.
func DecodeEvent(fields map[string]string) (Event, error) {
	eventType, ok := fields["event_type"]
	if !ok || eventType == "" {
		return Event{}, errors.New("missing event_type in message")
	}

	id, err := strconv.ParseInt(fields["queue_item_id"], 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("invalid queue_item_id: %w", err)
	}

	ev := Event{
		QueueItemID: id,
		Channel:     model.Channel(fields["channel"]),
		EventType:   eventType,
		Status:      model.Status(fields["status"]),
		DedupKey:    fields["dedup_key"],
	}

	if raw := fields["occurred_at"]; raw != "" {
		if ev.OccurredAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return Event{}, fmt.Errorf("invalid occurred_at: %w", err)
		}
	}

	return ev, nil
}

// Publisher emits delivery events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// StreamPublisher appends events to a Redis stream with XADD.
type StreamPublisher struct {
	client rueidis.Client
	stream string
}

// NewStreamPublisher creates a publisher for stream.
func NewStreamPublisher(client rueidis.Client, stream string) *StreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}

	return &StreamPublisher{client: client, stream: stream}
}

// Publish appends ev to the stream.
func (p *StreamPublisher) Publish(ctx context.Context, ev Event) error {
	fv := p.client.B().Xadd().Key(p.stream).Id("*").FieldValue()
	for _, k := range []string{"queue_item_id", "channel", "event_type", "status", "dedup_key", "occurred_at"} {
		fv = fv.FieldValue(k, ev.Fields()[k])
	}

	if err := p.client.Do(ctx, fv.Build()).Error(); err != nil {
		return fmt.Errorf("failed to publish event for item %d: %w", ev.QueueItemID, err)
	}

	return nil
}

// NopPublisher drops events.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Counters tracks how many events of each type an item received.
// An event whose DedupKey was already counted is ignored.
type Counters interface {
	Incr(ctx context.Context, ev Event) error
	Get(ctx context.Context, queueItemID int64) (map[string]int64, error)
}

// dedupTTL bounds how long a counted dedup key is remembered.
const dedupTTL = 7 * 24 * time.Hour

// countOnce marks the dedup key and increments the counter in one step.
var countOnce = rueidis.NewLuaScript(`
if KEYS[2] ~= "" and not redis.call("SET", KEYS[2], "1", "NX", "EX", ARGV[2]) then
  return 0
end
redis.call("HINCRBY", KEYS[1], ARGV[1], 1)
return 1
`)

// RedisCounters keeps one hash per item, incremented with HINCRBY.
type RedisCounters struct {
	client rueidis.Client
}

// NewRedisCounters creates a Redis-backed counter store.
func NewRedisCounters(client rueidis.Client) *RedisCounters {
	return &RedisCounters{client: client}
}

func counterKey(queueItemID int64) string {
	return "delivery:counters:" + strconv.FormatInt(queueItemID, 10)
}

func dedupKey(key string) string {
	if key == "" {
		return ""
	}

	return "delivery:counted:" + key
}

// Incr adds one to the item's counter for the event type unless the event was counted before.
func (c *RedisCounters) Incr(ctx context.Context, ev Event) error {
	keys := []string{counterKey(ev.QueueItemID), dedupKey(ev.DedupKey)}
	args := []string{ev.EventType, strconv.FormatInt(int64(dedupTTL/time.Second), 10)}

	if err := countOnce.Exec(ctx, c.client, keys, args).Error(); err != nil {
		return fmt.Errorf("failed to count event for item %d: %w", ev.QueueItemID, err)
	}

	return nil
}

// Get returns all counters of an item.
func (c *RedisCounters) Get(ctx context.Context, queueItemID int64) (map[string]int64, error) {
	cmd := c.client.B().Hgetall().Key(counterKey(queueItemID)).Build()

	raw, err := c.client.Do(ctx, cmd).AsStrMap()
	if err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(raw))

	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s of item %d: %w", k, queueItemID, err)
		}

		out[k] = n
	}

	return out, nil
}

// MemoryCounters is an in-process Counters.
type MemoryCounters struct {
	mu      sync.Mutex
	counts  map[int64]map[string]int64
	counted map[string]struct{}
}

// NewMemoryCounters creates empty counters.
func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{
		counts:  make(map[int64]map[string]int64),
		counted: make(map[string]struct{}),
	}
}

// Incr adds one to the item's counter for the event type unless the event was counted before.
func (c *MemoryCounters) Incr(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.DedupKey != "" {
		if _, seen := c.counted[ev.DedupKey]; seen {
			return nil
		}

		c.counted[ev.DedupKey] = struct{}{}
	}

	if c.counts[ev.QueueItemID] == nil {
		c.counts[ev.QueueItemID] = make(map[string]int64)
	}

	c.counts[ev.QueueItemID][ev.EventType]++

	return nil
}

// Get returns a copy of the item's counters.
func (c *MemoryCounters) Get(_ context.Context, queueItemID int64) (map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.counts[queueItemID]))
	for k, v := range c.counts[queueItemID] {
		out[k] = v
	}

	return out, nil
}

// CountingPublisher increments counters directly instead of going through a stream.
// It serves single-process deployments.
type CountingPublisher struct {
	Counters Counters
}

// Publish increments the event's counter.
func (p CountingPublisher) Publish(ctx context.Context, ev Event) error {
	return p.Counters.Incr(ctx, ev)
}
