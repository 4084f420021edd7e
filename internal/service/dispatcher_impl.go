package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jnst/outbound-engine/internal/logger"
	"github.com/jnst/outbound-engine/internal/model"
	"github.com/jnst/outbound-engine/internal/provider"
	"github.com/jnst/outbound-engine/internal/repository"
	"github.com/jnst/outbound-engine/internal/throttle"
)

// DispatcherOptions holds the optional dispatcher settings.
type DispatcherOptions struct {
	// RetryDelay pushes a re-queued item's scheduled_for forward. Zero retries on the next run.
	RetryDelay time.Duration
	// ClaimLease returns items stuck in processing longer than this to pending. Zero disables recovery.
	ClaimLease time.Duration
	// Markers receive MarkSent for payloads whose source entity they own, keyed by entity name.
	Markers  map[string]repository.SourceMarker
	Reporter logger.Reporter
	Now      func() time.Time
}

// DispatcherImpl implements Dispatcher.
type DispatcherImpl struct {
	queueRepo      repository.QueueRepository
	historyRepo    repository.HistoryRepository
	transactionMgr repository.TransactionManager
	throttle       Throttle
	registry       *provider.Registry
	opts           DispatcherOptions
}

// NewDispatcherImpl creates a new Dispatcher implementation.
func NewDispatcherImpl(
	queueRepo repository.QueueRepository,
	historyRepo repository.HistoryRepository,
	transactionMgr repository.TransactionManager,
	throttle Throttle,
	registry *provider.Registry,
	opts DispatcherOptions,
) Dispatcher {
	if opts.Reporter == nil {
		opts.Reporter = logger.NopReporter{}
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &DispatcherImpl{
		queueRepo:      queueRepo,
		historyRepo:    historyRepo,
		transactionMgr: transactionMgr,
		throttle:       throttle,
		registry:       registry,
		opts:           opts,
	}
}

// RunBatch claims up to limit due items of channel and sends them in priority-then-FIFO order.
// Per-item failures are recorded on the item and never abort the batch.
func (d *DispatcherImpl) RunBatch(ctx context.Context, channel model.Channel, limit int) (BatchResult, error) {
	result := BatchResult{Channel: channel}

	if limit <= 0 {
		return result, fmt.Errorf("%w: limit must be positive", model.ErrValidation)
	}

	adapter, err := d.registry.Get(channel)
	if err != nil {
		return result, err
	}

	now := d.opts.Now()

	if d.opts.ClaimLease > 0 {
		recovered, err := d.queueRepo.RecoverStale(ctx, channel, now.Add(-d.opts.ClaimLease), now)
		if err != nil {
			return result, fmt.Errorf("failed to recover stale claims: %w", err)
		}

		result.Recovered = recovered
		if recovered > 0 {
			slog.Warn("recovered stale claims", slog.String("channel", string(channel)), slog.Int("count", recovered))
		}
	}

	if !d.throttle.InWindow(now) {
		result.Skipped = throttle.ReasonOutsideWindow
		return result, nil
	}

	budget, err := d.throttle.Budget(ctx, channel)
	if err != nil {
		return result, fmt.Errorf("failed to compute send budget: %w", err)
	}

	if budget <= 0 {
		result.Skipped = throttle.ReasonCapExceeded
		return result, nil
	}

	items, err := d.queueRepo.ClaimDue(ctx, channel, min(limit, budget), now)
	if err != nil {
		return result, fmt.Errorf("failed to claim items: %w", err)
	}

	for i, item := range items {
		if stop := d.admit(ctx, channel, i); stop != "" {
			result.Released += d.release(ctx, items[i:])
			result.Skipped = stop

			break
		}

		res := adapter.Send(ctx, item)
		result.Processed++

		switch {
		case res.Success:
			if d.succeed(ctx, item, res) {
				result.Succeeded++
			} else {
				result.Failed++
			}
		default:
			result.Failed++
			if d.fail(ctx, item, res.Err) {
				result.Retried++
			}
		}
	}

	slog.Info("batch finished",
		slog.String("channel", string(channel)),
		slog.Int("claimed", len(items)),
		slog.Int("processed", result.Processed),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
		slog.Int("released", result.Released),
	)

	return result, nil
}

// admit asks the governor for the next item and waits out the inter-item delay.
// It returns a non-empty reason when the rest of the batch must be released.
func (d *DispatcherImpl) admit(ctx context.Context, channel model.Channel, index int) string {
	if ctx.Err() != nil {
		return "cancelled"
	}

	decision, err := d.throttle.Gate(ctx, channel)
	if err != nil {
		d.opts.Reporter.Report(ctx, "dispatcher", fmt.Errorf("throttle gate: %w", err))
		return "throttle_error"
	}

	if !decision.Allow {
		return decision.Reason
	}

	if index > 0 && decision.Delay > 0 {
		if err := d.throttle.Pause(ctx, decision.Delay); err != nil {
			return "cancelled"
		}
	}

	return ""
}

// release returns claimed items to pending without consuming an attempt.
func (d *DispatcherImpl) release(ctx context.Context, items []*model.QueueItem) int {
	released := 0
	now := d.opts.Now()

	for _, item := range items {
		err := d.queueRepo.UpdateStatus(context.WithoutCancel(ctx), item.ID, model.StatusProcessing, model.StatusPending,
			repository.StatusUpdate{Now: now})
		if err != nil {
			d.opts.Reporter.Report(ctx, "dispatcher", fmt.Errorf("release item %d: %w", item.ID, err),
				slog.Int64("queue_item_id", item.ID))

			continue
		}

		released++
	}

	return released
}

func (d *DispatcherImpl) succeed(ctx context.Context, item *model.QueueItem, res provider.Result) bool {
	ctx = context.WithoutCancel(ctx)
	now := d.opts.Now()

	upd := repository.StatusUpdate{IncrementAttempts: true, ClearLastError: true, Finalize: true, Now: now}
	if res.ExternalID != "" {
		upd.ExternalMessageID = &res.ExternalID
	}

	claimed := *item

	err := d.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		if err := d.queueRepo.UpdateStatus(ctx, item.ID, model.StatusProcessing, model.StatusSent, upd); err != nil {
			return err
		}

		item.Status = model.StatusSent
		item.Attempts++
		item.ExternalMessageID = upd.ExternalMessageID

		_, err := d.historyRepo.Append(ctx, model.NewHistoryRecord(item, model.OutcomeSuccess, nil, now))

		return err
	})
	if err != nil {
		d.opts.Reporter.Report(ctx, "dispatcher", fmt.Errorf("record success of item %d: %w", item.ID, err),
			slog.Int64("queue_item_id", item.ID))

		// The provider already accepted the message. Leaving the claim for stale recovery would send it twice.
		*item = claimed
		d.fail(ctx, item, model.NewPermanentError("unrecorded_success",
			"provider accepted message %q but it could not be recorded: %v", res.ExternalID, err))

		return false
	}

	d.markSource(ctx, item, res.ExternalID)

	slog.Debug("item sent",
		slog.Int64("queue_item_id", item.ID),
		slog.String("channel", string(item.Channel)),
		slog.String("external_id", res.ExternalID),
		slog.String("local_id", res.LocalID),
		slog.String("remote_id", res.RemoteID),
	)

	return true
}

// fail records a failed attempt. It reports whether the item was re-queued.
func (d *DispatcherImpl) fail(ctx context.Context, item *model.QueueItem, perr *model.ProviderError) bool {
	ctx = context.WithoutCancel(ctx)
	now := d.opts.Now()

	if perr == nil {
		perr = model.NewTransientError("unknown", "adapter returned neither success nor error")
	}

	detail := perr.Error()
	attempts := item.Attempts + 1
	permanent := perr.Permanent() || attempts >= item.MaxAttempts

	err := d.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		if permanent {
			err := d.queueRepo.UpdateStatus(ctx, item.ID, model.StatusProcessing, model.StatusFailedPermanent,
				repository.StatusUpdate{IncrementAttempts: true, LastError: &detail, Finalize: true, Now: now})
			if err != nil {
				return err
			}

			item.Status = model.StatusFailedPermanent
			item.Attempts = attempts
			_, err = d.historyRepo.Append(ctx, model.NewHistoryRecord(item, model.OutcomeFailure, &detail, now))

			return err
		}

		err := d.queueRepo.UpdateStatus(ctx, item.ID, model.StatusProcessing, model.StatusFailedRetryable,
			repository.StatusUpdate{IncrementAttempts: true, LastError: &detail, Now: now})
		if err != nil {
			return err
		}

		requeue := repository.StatusUpdate{Now: now}
		if d.opts.RetryDelay > 0 {
			next := now.Add(d.opts.RetryDelay)
			requeue.ScheduledFor = &next
		}

		return d.queueRepo.UpdateStatus(ctx, item.ID, model.StatusFailedRetryable, model.StatusPending, requeue)
	})
	if err != nil {
		d.opts.Reporter.Report(ctx, "dispatcher", fmt.Errorf("record failure of item %d: %w", item.ID, err),
			slog.Int64("queue_item_id", item.ID))

		return false
	}

	d.opts.Reporter.Report(ctx, "dispatcher", perr,
		slog.Int64("queue_item_id", item.ID),
		slog.String("channel", string(item.Channel)),
		slog.Int("attempts", attempts),
		slog.Bool("permanent", permanent),
	)

	return !permanent
}

// markSource tells the owning entity that its message went out. Errors are reported, not retried.
func (d *DispatcherImpl) markSource(ctx context.Context, item *model.QueueItem, externalID string) {
	src := model.SourceOf(item.Payload)
	if src == nil {
		return
	}

	marker, ok := d.opts.Markers[src.Entity]
	if !ok {
		slog.Debug("no source marker registered", slog.String("entity", src.Entity))
		return
	}

	if err := marker.MarkSent(ctx, src.ID, externalID); err != nil {
		d.opts.Reporter.Report(ctx, "dispatcher", fmt.Errorf("mark %s %s sent: %w", src.Entity, src.ID, err),
			slog.Int64("queue_item_id", item.ID))
	}
}
