package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jnst/outbound-engine/internal/logger"
	"github.com/jnst/outbound-engine/internal/model"
	"github.com/jnst/outbound-engine/internal/repository"
	"github.com/jnst/outbound-engine/internal/telemetry"
	"github.com/jnst/outbound-engine/internal/throttle"
	"github.com/jnst/outbound-engine/internal/webhook"
)

const (
	maxAdvanceAttempts = 5
	settleAttempts     = 5
	settleInterval     = 200 * time.Millisecond
)

// errClaimInFlight rolls back an event that arrived before its item was marked sent,
// so a redelivery of the same receipt is applied instead of deduplicated.
var errClaimInFlight = errors.New("queue item is still processing")

// ReconcilerOption configures a ReconcilerImpl.
type ReconcilerOption func(*ReconcilerImpl)

// WithSettleSleeper replaces the wait used while an item is still processing.
func WithSettleSleeper(s throttle.Sleeper) ReconcilerOption {
	return func(r *ReconcilerImpl) { r.sleep = s }
}

// SecretSource returns the webhook secret of a channel. An empty secret rejects every callback.
type SecretSource func(channel model.Channel) string

// ReconcilerImpl implements Reconciler.
type ReconcilerImpl struct {
	queueRepo      repository.QueueRepository
	eventRepo      repository.WebhookEventRepository
	transactionMgr repository.TransactionManager
	secrets        SecretSource
	publisher      telemetry.Publisher
	reporter       logger.Reporter
	now            func() time.Time
	sleep          throttle.Sleeper
}

// NewReconcilerImpl creates a new Reconciler implementation.
func NewReconcilerImpl(
	queueRepo repository.QueueRepository,
	eventRepo repository.WebhookEventRepository,
	transactionMgr repository.TransactionManager,
	secrets SecretSource,
	publisher telemetry.Publisher,
	reporter logger.Reporter,
	now func() time.Time,
	opts ...ReconcilerOption,
) Reconciler {
	if publisher == nil {
		publisher = telemetry.NopPublisher{}
	}

	if reporter == nil {
		reporter = logger.NopReporter{}
	}

	if now == nil {
		now = time.Now
	}

	r := &ReconcilerImpl{
		queueRepo:      queueRepo,
		eventRepo:      eventRepo,
		transactionMgr: transactionMgr,
		secrets:        secrets,
		publisher:      publisher,
		reporter:       reporter,
		now:            now,
		sleep:          throttle.SleepContext,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Ingest verifies, correlates and applies one provider callback.
// Only a bad signature or a storage failure returns an error; everything else is acknowledged.
func (r *ReconcilerImpl) Ingest(ctx context.Context, channel model.Channel, body []byte, signature string) (IngestResult, error) {
	if err := webhook.Verify(r.secrets(channel), body, signature); err != nil {
		slog.Warn("webhook signature rejected",
			slog.String("channel", string(channel)),
			slog.Bool("security_event", true),
			slog.String("error", err.Error()),
		)

		return IngestResult{}, err
	}

	ev, err := webhook.Parse(channel, body)
	if err != nil {
		slog.Warn("malformed webhook", slog.String("channel", string(channel)), slog.String("error", err.Error()))
		return IngestResult{Outcome: OutcomeMalformed}, nil
	}

	item, err := r.queueRepo.FindByCorrelation(ctx, channel, ev.ExternalID, ev.TrackingCode)
	if errors.Is(err, model.ErrItemNotFound) {
		slog.Info("webhook for unknown message",
			slog.String("channel", string(channel)),
			slog.String("external_id", ev.ExternalID),
			slog.String("tracking_code", ev.TrackingCode),
		)

		return IngestResult{Outcome: OutcomeUnmatched}, nil
	}

	if err != nil {
		return IngestResult{}, fmt.Errorf("failed to correlate webhook: %w", err)
	}

	now := r.now()
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}

	record := &model.WebhookEvent{
		QueueItemID: item.ID,
		Channel:     channel,
		EventType:   ev.Type,
		Status:      ev.Status,
		DedupKey:    webhook.DedupKey(channel, ev, body),
		Metadata:    ev.Metadata,
		OccurredAt:  occurred,
		CreatedAt:   now,
	}

	if ev.Status != "" {
		if item, err = r.settle(ctx, item); err != nil {
			return IngestResult{}, fmt.Errorf("failed to correlate webhook: %w", err)
		}
	}

	result := IngestResult{Outcome: OutcomeIgnored, QueueItemID: item.ID, Status: item.Status}

	var written bool

	err = r.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		if written, err = r.eventRepo.Record(ctx, record); err != nil {
			return err
		}

		if !written || ev.Status == "" {
			return nil
		}

		return r.advance(ctx, item, ev.Status, now, &result)
	})

	if errors.Is(err, errClaimInFlight) {
		slog.Info("webhook deferred while item is in flight",
			slog.Int64("queue_item_id", item.ID),
			slog.String("event_type", ev.Type),
		)

		return IngestResult{Outcome: OutcomeDeferred, QueueItemID: item.ID, Status: model.StatusProcessing}, nil
	}

	if err != nil {
		r.reporter.Report(ctx, "reconciler", err, slog.Int64("queue_item_id", item.ID))
		return IngestResult{}, fmt.Errorf("failed to apply webhook: %w", err)
	}

	result.Duplicate = !written
	if !written {
		return result, nil
	}

	err = r.publisher.Publish(ctx, telemetry.Event{
		QueueItemID: item.ID,
		Channel:     channel,
		EventType:   ev.Type,
		Status:      ev.Status,
		DedupKey:    record.DedupKey,
		OccurredAt:  occurred,
	})
	if err != nil {
		r.reporter.Report(ctx, "reconciler", err, slog.Int64("queue_item_id", item.ID))
	}

	slog.Debug("webhook ingested",
		slog.Int64("queue_item_id", item.ID),
		slog.String("event_type", ev.Type),
		slog.String("outcome", result.Outcome),
	)

	return result, nil
}

// settle waits for a claimed item to leave processing. A receipt can race the commit of its own send.
func (r *ReconcilerImpl) settle(ctx context.Context, item *model.QueueItem) (*model.QueueItem, error) {
	for attempt := 0; item.Status == model.StatusProcessing && attempt < settleAttempts; attempt++ {
		if err := r.sleep(ctx, settleInterval); err != nil {
			return nil, err
		}

		fresh, err := r.queueRepo.GetByID(ctx, item.ID)
		if err != nil {
			return nil, err
		}

		item = fresh
	}

	return item, nil
}

// advance moves item forward to status. A conditional update that loses a race re-reads the
// item and tries again from its new status, so concurrent callbacks converge on the highest rank.
func (r *ReconcilerImpl) advance(
	ctx context.Context, item *model.QueueItem, status model.Status, now time.Time, result *IngestResult,
) error {
	current := item.Status

	for attempt := 1; ; attempt++ {
		if current == model.StatusProcessing {
			return errClaimInFlight
		}

		if !model.CanAdvance(item.Channel, current, status) {
			result.Status = current
			return nil
		}

		err := r.queueRepo.UpdateStatus(ctx, item.ID, current, status,
			repository.StatusUpdate{Finalize: status == model.StatusBounced, Now: now})
		if err == nil {
			result.Applied = true
			result.Outcome = OutcomeApplied
			result.Status = status

			return nil
		}

		if !errors.Is(err, model.ErrInvalidTransition) || attempt >= maxAdvanceAttempts {
			return err
		}

		fresh, err := r.queueRepo.GetByID(ctx, item.ID)
		if err != nil {
			return err
		}

		current = fresh.Status
	}
}
