package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/outbound-engine/internal/model"
)

// HistoryRepositoryImpl implements HistoryRepository using PostgreSQL.
type HistoryRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewHistoryRepositoryImpl creates a new HistoryRepository implementation.
func NewHistoryRepositoryImpl(pool *pgxpool.Pool) HistoryRepository {
	return &HistoryRepositoryImpl{pool: pool}
}

// Append inserts the terminal record for a queue item once.
func (r *HistoryRepositoryImpl) Append(ctx context.Context, rec *model.HistoryRecord) (bool, error) {
	err := conn(ctx, r.pool).QueryRow(ctx,
		`INSERT INTO history_records
			(queue_item_id, channel, direction, destination, outcome, attempts, external_message_id, error_detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (queue_item_id) DO NOTHING
		 RETURNING id`,
		rec.QueueItemID, string(rec.Channel), string(rec.Direction), rec.Destination, string(rec.Outcome),
		rec.Attempts, rec.ExternalMessageID, rec.ErrorDetail, rec.CreatedAt,
	).Scan(&rec.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to append history for item %d: %w", rec.QueueItemID, err)
	}

	return true, nil
}

// CountSince counts records of a channel created at or after since.
func (r *HistoryRepositoryImpl) CountSince(ctx context.Context, channel model.Channel, since time.Time) (int, error) {
	var count int

	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM history_records WHERE channel = $1 AND created_at >= $2`,
		string(channel), since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}

	return count, nil
}

// GetByQueueItem retrieves the record written for a queue item.
func (r *HistoryRepositoryImpl) GetByQueueItem(ctx context.Context, queueItemID int64) (*model.HistoryRecord, error) {
	var (
		rec       model.HistoryRecord
		channel   string
		direction string
		outcome   string
	)

	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT id, queue_item_id, channel, direction, destination, outcome, attempts,
			external_message_id, error_detail, created_at
		 FROM history_records WHERE queue_item_id = $1`, queueItemID,
	).Scan(&rec.ID, &rec.QueueItemID, &channel, &direction, &rec.Destination, &outcome, &rec.Attempts,
		&rec.ExternalMessageID, &rec.ErrorDetail, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no history for item %d", model.ErrItemNotFound, queueItemID)
	}

	if err != nil {
		return nil, err
	}

	rec.Channel = model.Channel(channel)
	rec.Direction = model.Direction(direction)
	rec.Outcome = model.Outcome(outcome)

	return &rec, nil
}

// WebhookEventRepositoryImpl implements WebhookEventRepository using PostgreSQL.
type WebhookEventRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewWebhookEventRepositoryImpl creates a new WebhookEventRepository implementation.
func NewWebhookEventRepositoryImpl(pool *pgxpool.Pool) WebhookEventRepository {
	return &WebhookEventRepositoryImpl{pool: pool}
}

// Record inserts ev unless its dedup key already exists.
func (r *WebhookEventRepositoryImpl) Record(ctx context.Context, ev *model.WebhookEvent) (bool, error) {
	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return false, fmt.Errorf("failed to encode webhook metadata: %w", err)
	}

	err = conn(ctx, r.pool).QueryRow(ctx,
		`INSERT INTO webhook_events
			(queue_item_id, channel, event_type, status, dedup_key, metadata, occurred_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (dedup_key) DO NOTHING
		 RETURNING id`,
		ev.QueueItemID, string(ev.Channel), ev.EventType, string(ev.Status), ev.DedupKey, metadata,
		ev.OccurredAt, ev.CreatedAt,
	).Scan(&ev.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}

	return true, nil
}

// CountByQueueItem counts distinct events recorded for an item.
func (r *WebhookEventRepositoryImpl) CountByQueueItem(ctx context.Context, queueItemID int64) (int, error) {
	var count int

	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_events WHERE queue_item_id = $1`, queueItemID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count webhook events: %w", err)
	}

	return count, nil
}
