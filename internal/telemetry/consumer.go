package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/rueidis"
)

const (
	redisBlockTimeout = 1000 // milliseconds
	readCount         = 50
	errorRetryDelay   = time.Second
	// DefaultReclaimAfter is how long a delivered but unacknowledged message waits before another read retries it.
	DefaultReclaimAfter = time.Minute
)

// Handler processes one decoded event.
type Handler func(ctx context.Context, ev Event) error

// CountingHandler increments the event's counter once per dedup key.
func CountingHandler(counters Counters) Handler {
	return func(ctx context.Context, ev Event) error {
		return counters.Incr(ctx, ev)
	}
}

// Consumer reads the delivery stream through a consumer group.
// Messages whose handling fails stay pending and are claimed again once idle for ReclaimAfter.
type Consumer struct {
	client       rueidis.Client
	stream       string
	group        string
	consumer     string
	handle       Handler
	reclaimAfter time.Duration
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithReclaimAfter sets the idle time after which pending messages are retried.
func WithReclaimAfter(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.reclaimAfter = d }
}

// NewConsumer creates a consumer group reader.
func NewConsumer(client rueidis.Client, stream, group, consumer string, handle Handler, opts ...ConsumerOption) *Consumer {
	if stream == "" {
		stream = DefaultStream
	}

	c := &Consumer{
		client:       client,
		stream:       stream,
		group:        group,
		consumer:     consumer,
		handle:       handle,
		reclaimAfter: DefaultReclaimAfter,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// CreateGroup creates the consumer group and stream if needed.
func (c *Consumer) CreateGroup(ctx context.Context) {
	cmd := c.client.B().XgroupCreate().Key(c.stream).Group(c.group).Id("0").Mkstream().Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		slog.Info("consumer group creation result (may already exist)", slog.String("error", err.Error()))
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("consumer stopped")
			return
		default:
			if err := c.consume(ctx); err != nil && ctx.Err() == nil {
				slog.Error("error consuming messages", slog.String("error", err.Error()))
				time.Sleep(errorRetryDelay)
			}
		}
	}
}

// consume retries stale pending messages, then reads new ones.
func (c *Consumer) consume(ctx context.Context) error {
	if err := c.reclaim(ctx); err != nil {
		return err
	}

	cmd := c.client.B().Xreadgroup().Group(c.group, c.consumer).
		Count(readCount).
		Block(redisBlockTimeout).
		Streams().
		Key(c.stream).
		Id(">").
		Build()

	result := c.client.Do(ctx, cmd)
	if err := result.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil
		}

		return err
	}

	streams, err := result.AsXRead()
	if err != nil {
		return err
	}

	for _, messages := range streams {
		c.processAll(ctx, messages)
	}

	return nil
}

// reclaim takes over messages left pending by failed handling or a crashed consumer.
func (c *Consumer) reclaim(ctx context.Context) error {
	cursor := "0-0"

	for {
		cmd := c.client.B().Xautoclaim().Key(c.stream).Group(c.group).Consumer(c.consumer).
			MinIdleTime(strconv.FormatInt(c.reclaimAfter.Milliseconds(), 10)).
			Start(cursor).
			Count(readCount).
			Build()

		reply, err := c.client.Do(ctx, cmd).ToArray()
		if err != nil {
			return fmt.Errorf("failed to reclaim pending messages: %w", err)
		}

		if len(reply) < 2 {
			return fmt.Errorf("unexpected XAUTOCLAIM reply of %d elements", len(reply))
		}

		if cursor, err = reply[0].ToString(); err != nil {
			return err
		}

		raw, err := reply[1].ToArray()
		if err != nil {
			return err
		}

		messages := make([]rueidis.XRangeEntry, 0, len(raw))

		for _, m := range raw {
			entry, err := m.AsXRangeEntry()
			if err != nil {
				// trimmed from the stream while pending
				continue
			}

			messages = append(messages, entry)
		}

		c.processAll(ctx, messages)

		if cursor == "0-0" {
			return nil
		}
	}
}

func (c *Consumer) processAll(ctx context.Context, messages []rueidis.XRangeEntry) {
	for _, message := range messages {
		if err := c.process(ctx, message); err != nil {
			slog.Error("failed to process message",
				slog.String("message_id", message.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		c.ack(ctx, message.ID)
	}
}

// process handles one message. A message that cannot be decoded is dropped, since retrying cannot fix it.
func (c *Consumer) process(ctx context.Context, message rueidis.XRangeEntry) error {
	ev, err := DecodeEvent(message.FieldValues)
	if err != nil {
		slog.Warn("dropping undecodable message",
			slog.String("message_id", message.ID),
			slog.String("error", err.Error()),
		)

		return nil
	}

	slog.Debug("received delivery event",
		slog.String("message_id", message.ID),
		slog.Int64("queue_item_id", ev.QueueItemID),
		slog.String("event_type", ev.EventType),
	)

	return c.handle(ctx, ev)
}

func (c *Consumer) ack(ctx context.Context, messageID string) {
	cmd := c.client.B().Xack().Key(c.stream).Group(c.group).Id(messageID).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		slog.Error("failed to ACK message",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)
	}
}
