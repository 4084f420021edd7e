// Package memory provides in-process repository implementations with the same
// conditional-update semantics as the PostgreSQL ones.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/outbound-engine/internal/model"
	"github.com/jnst/outbound-engine/internal/repository"
)

// QueueRepository is an in-memory QueueRepository.
type QueueRepository struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]*model.QueueItem
}

// NewQueueRepository creates an empty queue.
func NewQueueRepository() *QueueRepository {
	return &QueueRepository{items: make(map[int64]*model.QueueItem)}
}

var _ repository.QueueRepository = (*QueueRepository)(nil)

func copyItem(item *model.QueueItem) *model.QueueItem {
	out := *item

	if item.ScheduledFor != nil {
		t := *item.ScheduledFor
		out.ScheduledFor = &t
	}

	if item.ExternalMessageID != nil {
		s := *item.ExternalMessageID
		out.ExternalMessageID = &s
	}

	if item.LastError != nil {
		s := *item.LastError
		out.LastError = &s
	}

	if item.ClaimedAt != nil {
		t := *item.ClaimedAt
		out.ClaimedAt = &t
	}

	if item.FinalizedAt != nil {
		t := *item.FinalizedAt
		out.FinalizedAt = &t
	}

	return &out
}

func (r *QueueRepository) insertLocked(ctx context.Context, params *model.EnqueueParams, now time.Time) *model.QueueItem {
	r.nextID++

	tracking := params.TrackingCode
	if tracking == "" {
		tracking = uuid.NewString()
	}

	item := &model.QueueItem{
		ID:           r.nextID,
		Channel:      params.Channel,
		Direction:    params.Direction,
		Payload:      params.Payload,
		Destination:  params.Destination,
		Priority:     params.Priority,
		Status:       model.StatusPending,
		MaxAttempts:  params.MaxAttempts,
		ScheduledFor: params.ScheduledFor,
		TrackingCode: tracking,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.items[item.ID] = item

	onRollback(ctx, func() { r.restore(item.ID, nil) })

	return copyItem(item)
}

// remember registers the current state of item to be restored on rollback. r.mu must be held.
func (r *QueueRepository) remember(ctx context.Context, item *model.QueueItem) {
	prev := copyItem(item)
	onRollback(ctx, func() { r.restore(prev.ID, prev) })
}

// restore puts prev back under id, or removes id when prev is nil.
func (r *QueueRepository) restore(id int64, prev *model.QueueItem) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev == nil {
		delete(r.items, id)
		return
	}

	r.items[id] = prev
}

// Insert stores a new pending item.
func (r *QueueRepository) Insert(ctx context.Context, params *model.EnqueueParams, now time.Time) (*model.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.insertLocked(ctx, params, now), nil
}

// InsertBatch stores many pending items.
func (r *QueueRepository) InsertBatch(ctx context.Context, params []*model.EnqueueParams, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range params {
		r.insertLocked(ctx, p, now)
	}

	return len(params), nil
}

// ClaimDue moves up to limit due pending items to processing under one lock.
func (r *QueueRepository) ClaimDue(ctx context.Context, channel model.Channel, limit int, now time.Time) ([]*model.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*model.QueueItem

	for _, item := range r.items {
		if item.Channel == channel && item.Status == model.StatusPending && item.Due(now) {
			due = append(due, item)
		}
	}

	repository.SortByDispatchOrder(due)

	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*model.QueueItem, 0, len(due))

	for _, item := range due {
		r.remember(ctx, item)
		item.Status = model.StatusProcessing
		claimedAt := now
		item.ClaimedAt = &claimedAt
		item.UpdatedAt = now
		claimed = append(claimed, copyItem(item))
	}

	return claimed, nil
}

// UpdateStatus applies a conditional transition from -> to.
func (r *QueueRepository) UpdateStatus(ctx context.Context, id int64, from, to model.Status, upd repository.StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("%w: %d", model.ErrItemNotFound, id)
	}

	if item.Status != from {
		return fmt.Errorf("%w: item %d is not %s", model.ErrInvalidTransition, id, from)
	}

	if upd.IncrementAttempts && item.Attempts+1 > item.MaxAttempts {
		return fmt.Errorf("item %d: attempts would exceed max_attempts", id)
	}

	r.remember(ctx, item)

	if upd.ExternalMessageID != nil && item.ExternalMessageID == nil {
		for _, other := range r.items {
			if other.ID != id && other.Channel == item.Channel &&
				other.ExternalMessageID != nil && *other.ExternalMessageID == *upd.ExternalMessageID {
				return fmt.Errorf("external message id %q already assigned to item %d", *upd.ExternalMessageID, other.ID)
			}
		}

		ext := *upd.ExternalMessageID
		item.ExternalMessageID = &ext
	}

	item.Status = to

	if upd.IncrementAttempts {
		item.Attempts++
	}

	switch {
	case upd.ClearLastError:
		item.LastError = nil
	case upd.LastError != nil:
		msg := *upd.LastError
		item.LastError = &msg
	}

	if upd.ScheduledFor != nil {
		t := *upd.ScheduledFor
		item.ScheduledFor = &t
	}

	if to != model.StatusProcessing {
		item.ClaimedAt = nil
	}

	if upd.Finalize {
		t := upd.Now
		item.FinalizedAt = &t
	}

	item.UpdatedAt = upd.Now

	return nil
}

// GetByID retrieves a queue item by ID.
func (r *QueueRepository) GetByID(_ context.Context, id int64) (*model.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", model.ErrItemNotFound, id)
	}

	return copyItem(item), nil
}

// FindByCorrelation resolves an item by provider message id or tracking code.
func (r *QueueRepository) FindByCorrelation(
	_ context.Context, channel model.Channel, externalID, trackingCode string,
) (*model.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int64, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		item := r.items[id]
		if item.Channel != channel {
			continue
		}

		if externalID != "" && item.ExternalMessageID != nil && *item.ExternalMessageID == externalID {
			return copyItem(item), nil
		}

		if trackingCode != "" && item.TrackingCode == trackingCode {
			return copyItem(item), nil
		}
	}

	return nil, model.ErrItemNotFound
}

// ListPending returns pending items in dispatch order.
func (r *QueueRepository) ListPending(_ context.Context, filter model.PendingFilter) ([]*model.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.QueueItem

	for _, item := range r.items {
		if item.Status != model.StatusPending {
			continue
		}

		if filter.Channel != "" && item.Channel != filter.Channel {
			continue
		}

		if filter.Priority != nil && item.Priority != *filter.Priority {
			continue
		}

		if filter.DueBefore != nil && !item.Due(*filter.DueBefore) {
			continue
		}

		if filter.Destination != "" && item.Destination != filter.Destination {
			continue
		}

		out = append(out, copyItem(item))
	}

	repository.SortByDispatchOrder(out)

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// CountByStatus returns item counts grouped by status for a channel.
func (r *QueueRepository) CountByStatus(_ context.Context, channel model.Channel) ([]model.StatusCount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := map[model.Status]int{}

	for _, item := range r.items {
		if item.Channel == channel {
			counts[item.Status]++
		}
	}

	out := make([]model.StatusCount, 0, len(counts))
	for status, n := range counts {
		out = append(out, model.StatusCount{Status: status, Count: n})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })

	return out, nil
}

// RecoverStale returns items claimed before claimedBefore to pending.
func (r *QueueRepository) RecoverStale(ctx context.Context, channel model.Channel, claimedBefore, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for _, item := range r.items {
		if item.Channel == channel && item.Status == model.StatusProcessing &&
			item.ClaimedAt != nil && item.ClaimedAt.Before(claimedBefore) {
			r.remember(ctx, item)
			item.Status = model.StatusPending
			item.ClaimedAt = nil
			item.UpdatedAt = now
			n++
		}
	}

	return n, nil
}
