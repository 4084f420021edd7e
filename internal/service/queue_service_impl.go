package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jnst/outbound-engine/internal/config"
	"github.com/jnst/outbound-engine/internal/model"
	"github.com/jnst/outbound-engine/internal/repository"
)

// QueueServiceImpl implements QueueService.
type QueueServiceImpl struct {
	queueRepo      repository.QueueRepository
	transactionMgr repository.TransactionManager
	attempts       config.AttemptsConfig
	now            func() time.Time
}

// NewQueueServiceImpl creates a new QueueService implementation.
func NewQueueServiceImpl(
	queueRepo repository.QueueRepository,
	transactionMgr repository.TransactionManager,
	attempts config.AttemptsConfig,
	now func() time.Time,
) QueueService {
	if now == nil {
		now = time.Now
	}

	return &QueueServiceImpl{
		queueRepo:      queueRepo,
		transactionMgr: transactionMgr,
		attempts:       attempts,
		now:            now,
	}
}

func (s *QueueServiceImpl) prepare(params *model.EnqueueParams) error {
	if err := params.Validate(); err != nil {
		return err
	}

	if params.MaxAttempts == 0 {
		params.MaxAttempts = max(s.attempts.For(params.Channel), 1)
	}

	return nil
}

// Enqueue validates and stores one pending item.
func (s *QueueServiceImpl) Enqueue(ctx context.Context, params *model.EnqueueParams) (int64, error) {
	if err := s.prepare(params); err != nil {
		return 0, err
	}

	item, err := s.queueRepo.Insert(ctx, params, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue: %w", err)
	}

	slog.Debug("item enqueued",
		slog.Int64("id", item.ID),
		slog.String("channel", string(item.Channel)),
		slog.String("priority", item.Priority.String()),
	)

	return item.ID, nil
}

// EnqueueBatch stores all items or none. Any invalid item rejects the batch.
func (s *QueueServiceImpl) EnqueueBatch(ctx context.Context, params []*model.EnqueueParams) (int, error) {
	if len(params) == 0 {
		return 0, nil
	}

	for i, p := range params {
		if err := s.prepare(p); err != nil {
			return 0, fmt.Errorf("item %d: %w", i, err)
		}
	}

	var count int

	err := s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		n, err := s.queueRepo.InsertBatch(ctx, params, s.now())
		if err != nil {
			return fmt.Errorf("failed to enqueue batch: %w", err)
		}

		count = n

		return nil
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

// Cancel moves a pending item to cancelled. Claimed or finished items are refused.
func (s *QueueServiceImpl) Cancel(ctx context.Context, id int64) error {
	item, err := s.queueRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if item.Status != model.StatusPending {
		return fmt.Errorf("%w: item %d is %s", model.ErrNotCancellable, id, item.Status)
	}

	now := s.now()

	err = s.queueRepo.UpdateStatus(ctx, id, model.StatusPending, model.StatusCancelled,
		repository.StatusUpdate{Finalize: true, Now: now})
	if errors.Is(err, model.ErrInvalidTransition) {
		return fmt.Errorf("%w: item %d was claimed", model.ErrNotCancellable, id)
	}

	return err
}

// Get retrieves a queue item by ID.
func (s *QueueServiceImpl) Get(ctx context.Context, id int64) (*model.QueueItem, error) {
	return s.queueRepo.GetByID(ctx, id)
}

// ListPending returns pending items in dispatch order.
func (s *QueueServiceImpl) ListPending(ctx context.Context, filter model.PendingFilter) ([]*model.QueueItem, error) {
	return s.queueRepo.ListPending(ctx, filter)
}

// Stats returns item counts by status for a channel.
func (s *QueueServiceImpl) Stats(ctx context.Context, channel model.Channel) ([]model.StatusCount, error) {
	return s.queueRepo.CountByStatus(ctx, channel)
}
