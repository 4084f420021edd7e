package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/outbound-engine/internal/model"
)

const queueColumns = `id, channel, direction, payload, destination, priority, status, attempts, max_attempts,
	scheduled_for, external_message_id, tracking_code, last_error, created_at, updated_at, claimed_at, finalized_at`

// QueueRepositoryImpl implements QueueRepository using PostgreSQL.
type QueueRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewQueueRepositoryImpl creates a new QueueRepository implementation.
func NewQueueRepositoryImpl(pool *pgxpool.Pool) QueueRepository {
	return &QueueRepositoryImpl{pool: pool}
}

func scanQueueItem(row pgx.Row) (*model.QueueItem, error) {
	var (
		item      model.QueueItem
		channel   string
		direction string
		status    string
		priority  int16
		payload   []byte
	)

	err := row.Scan(
		&item.ID, &channel, &direction, &payload, &item.Destination, &priority, &status,
		&item.Attempts, &item.MaxAttempts, &item.ScheduledFor, &item.ExternalMessageID,
		&item.TrackingCode, &item.LastError, &item.CreatedAt, &item.UpdatedAt,
		&item.ClaimedAt, &item.FinalizedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Channel = model.Channel(channel)
	item.Direction = model.Direction(direction)
	item.Status = model.Status(status)
	item.Priority = model.Priority(priority)

	item.Payload, err = model.UnmarshalPayload(item.Channel, payload)
	if err != nil {
		return nil, fmt.Errorf("queue item %d: %w", item.ID, err)
	}

	return &item, nil
}

func collectQueueItems(rows pgx.Rows) ([]*model.QueueItem, error) {
	defer rows.Close()

	var items []*model.QueueItem

	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}

		items = append(items, item)
	}

	return items, rows.Err()
}

func trackingCodeFor(params *model.EnqueueParams) string {
	if params.TrackingCode != "" {
		return params.TrackingCode
	}

	return uuid.NewString()
}

// Insert stores a new pending item.
func (r *QueueRepositoryImpl) Insert(ctx context.Context, params *model.EnqueueParams, now time.Time) (*model.QueueItem, error) {
	payload, err := model.MarshalPayload(params.Payload)
	if err != nil {
		return nil, err
	}

	query := `INSERT INTO queue_items
		(channel, direction, payload, destination, priority, status, attempts, max_attempts,
		 scheduled_for, tracking_code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $10)
		RETURNING ` + queueColumns

	row := conn(ctx, r.pool).QueryRow(ctx, query,
		string(params.Channel), string(params.Direction), payload, params.Destination,
		int16(params.Priority), string(model.StatusPending), params.MaxAttempts,
		params.ScheduledFor, trackingCodeFor(params), now,
	)

	item, err := scanQueueItem(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert queue item: %w", err)
	}

	return item, nil
}

// InsertBatch stores many pending items with a single COPY.
func (r *QueueRepositoryImpl) InsertBatch(ctx context.Context, params []*model.EnqueueParams, now time.Time) (int, error) {
	if len(params) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(params))

	for _, p := range params {
		payload, err := model.MarshalPayload(p.Payload)
		if err != nil {
			return 0, err
		}

		rows = append(rows, []any{
			string(p.Channel), string(p.Direction), payload, p.Destination, int16(p.Priority),
			string(model.StatusPending), 0, p.MaxAttempts, p.ScheduledFor, trackingCodeFor(p), now, now,
		})
	}

	columns := []string{
		"channel", "direction", "payload", "destination", "priority", "status", "attempts",
		"max_attempts", "scheduled_for", "tracking_code", "created_at", "updated_at",
	}

	n, err := conn(ctx, r.pool).CopyFrom(ctx, pgx.Identifier{"queue_items"}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("failed to insert queue items: %w", err)
	}

	return int(n), nil
}

// ClaimDue atomically moves up to limit due pending items to processing.
// SKIP LOCKED keeps overlapping invocations from claiming the same rows.
func (r *QueueRepositoryImpl) ClaimDue(ctx context.Context, channel model.Channel, limit int, now time.Time) ([]*model.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `UPDATE queue_items
		SET status = $4, claimed_at = $2, updated_at = $2
		WHERE status = $5 AND id IN (
			SELECT id FROM queue_items
			WHERE channel = $1 AND status = $5 AND (scheduled_for IS NULL OR scheduled_for <= $2)
			ORDER BY priority ASC, created_at ASC, id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + queueColumns

	rows, err := conn(ctx, r.pool).Query(ctx, query,
		string(channel), now, limit, string(model.StatusProcessing), string(model.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue items: %w", err)
	}

	items, err := collectQueueItems(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue items: %w", err)
	}

	SortByDispatchOrder(items)

	return items, nil
}

// SortByDispatchOrder orders items by priority, then creation time, then id.
func SortByDispatchOrder(items []*model.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}

		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}

		return a.ID < b.ID
	})
}

// UpdateStatus applies a conditional transition from -> to.
func (r *QueueRepositoryImpl) UpdateStatus(ctx context.Context, id int64, from, to model.Status, upd StatusUpdate) error {
	increment := 0
	if upd.IncrementAttempts {
		increment = 1
	}

	query := `UPDATE queue_items SET
			status = $3,
			attempts = attempts + $4,
			last_error = CASE WHEN $5::boolean THEN NULL ELSE COALESCE($6::text, last_error) END,
			external_message_id = COALESCE(external_message_id, $7::text),
			scheduled_for = COALESCE($8::timestamptz, scheduled_for),
			claimed_at = CASE WHEN $3 = 'processing' THEN claimed_at ELSE NULL END,
			finalized_at = CASE WHEN $9::boolean THEN $10 ELSE finalized_at END,
			updated_at = $10
		WHERE id = $1 AND status = $2`

	tag, err := conn(ctx, r.pool).Exec(ctx, query,
		id, string(from), string(to), increment, upd.ClearLastError, upd.LastError,
		upd.ExternalMessageID, upd.ScheduledFor, upd.Finalize, upd.Now,
	)
	if err != nil {
		return fmt.Errorf("failed to update queue item %d: %w", id, err)
	}

	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}

		return fmt.Errorf("%w: item %d is not %s", model.ErrInvalidTransition, id, from)
	}

	return nil
}

// GetByID retrieves a queue item by ID.
func (r *QueueRepositoryImpl) GetByID(ctx context.Context, id int64) (*model.QueueItem, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = $1`, id)

	item, err := scanQueueItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", model.ErrItemNotFound, id)
	}

	return item, err
}

// FindByCorrelation resolves an item by provider message id or tracking code.
func (r *QueueRepositoryImpl) FindByCorrelation(
	ctx context.Context, channel model.Channel, externalID, trackingCode string,
) (*model.QueueItem, error) {
	if externalID == "" && trackingCode == "" {
		return nil, model.ErrItemNotFound
	}

	query := `SELECT ` + queueColumns + ` FROM queue_items
		WHERE channel = $1
		  AND (($2 <> '' AND external_message_id = $2) OR ($3 <> '' AND tracking_code = $3))
		ORDER BY id
		LIMIT 1`

	item, err := scanQueueItem(conn(ctx, r.pool).QueryRow(ctx, query, string(channel), externalID, trackingCode))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrItemNotFound
	}

	return item, err
}

// ListPending returns pending items in dispatch order.
func (r *QueueRepositoryImpl) ListPending(ctx context.Context, filter model.PendingFilter) ([]*model.QueueItem, error) {
	var (
		conds = []string{"status = $1"}
		args  = []any{string(model.StatusPending)}
	)

	if filter.Channel != "" {
		args = append(args, string(filter.Channel))
		conds = append(conds, fmt.Sprintf("channel = $%d", len(args)))
	}

	if filter.Priority != nil {
		args = append(args, int16(*filter.Priority))
		conds = append(conds, fmt.Sprintf("priority = $%d", len(args)))
	}

	if filter.DueBefore != nil {
		args = append(args, *filter.DueBefore)
		conds = append(conds, fmt.Sprintf("(scheduled_for IS NULL OR scheduled_for <= $%d)", len(args)))
	}

	if filter.Destination != "" {
		args = append(args, filter.Destination)
		conds = append(conds, fmt.Sprintf("destination = $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM queue_items WHERE %s ORDER BY priority, created_at, id LIMIT $%d`,
		queueColumns, strings.Join(conds, " AND "), len(args))

	rows, err := conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending items: %w", err)
	}

	return collectQueueItems(rows)
}

// CountByStatus returns item counts grouped by status for a channel.
func (r *QueueRepositoryImpl) CountByStatus(ctx context.Context, channel model.Channel) ([]model.StatusCount, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT status, COUNT(*) FROM queue_items WHERE channel = $1 GROUP BY status ORDER BY status`, string(channel))
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	var counts []model.StatusCount

	for rows.Next() {
		var (
			status string
			count  int
		)

		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}

		counts = append(counts, model.StatusCount{Status: model.Status(status), Count: count})
	}

	return counts, rows.Err()
}

// RecoverStale returns items claimed before claimedBefore to pending.
func (r *QueueRepositoryImpl) RecoverStale(ctx context.Context, channel model.Channel, claimedBefore, now time.Time) (int, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE queue_items SET status = $2, claimed_at = NULL, updated_at = $4
		 WHERE channel = $1 AND status = $3 AND claimed_at < $5`,
		string(channel), string(model.StatusPending), string(model.StatusProcessing), now, claimedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale items: %w", err)
	}

	return int(tag.RowsAffected()), nil
}
