package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/outbound-engine/internal/config"
	"github.com/jnst/outbound-engine/internal/model"
	"github.com/jnst/outbound-engine/internal/provider"
	"github.com/jnst/outbound-engine/internal/repository/memory"
	"github.com/jnst/outbound-engine/internal/throttle"
)

func TestRunBatch_PriorityThenFIFO(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	low := h.enqueueEmail(t, "low@example.com", model.PriorityLow)
	h.clock.Advance(time.Second)
	urgent := h.enqueueEmail(t, "urgent@example.com", model.PriorityUrgent)
	h.clock.Advance(time.Second)
	normal := h.enqueueEmail(t, "normal@example.com", model.PriorityNormal)

	res, err := h.dispatcher.RunBatch(ctx, model.ChannelEmail, 2)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, []int64{urgent, normal}, h.adapters[model.ChannelEmail].Sent())
	assert.Equal(t, model.StatusPending, h.item(t, low).Status)

	sent := h.item(t, urgent)
	assert.Equal(t, model.StatusSent, sent.Status)
	assert.Equal(t, 1, sent.Attempts)
	require.NotNil(t, sent.ExternalMessageID)
	assert.NotNil(t, sent.FinalizedAt)

	rec, err := h.history.GetByQueueItem(ctx, urgent)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, *sent.ExternalMessageID, *rec.ExternalMessageID)
}

func TestRunBatch_HourlyCapLimitsClaims(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, withThrottle(func(cfg *config.ThrottleConfig) { cfg.WhatsAppHourlyCap = 5 }))

	for range 10 {
		h.enqueueWhatsApp(t, "+5511999990000")
	}

	res, err := h.dispatcher.RunBatch(ctx, model.ChannelWhatsApp, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, 5, res.Succeeded)

	pending, err := h.queueSvc.ListPending(ctx, model.PendingFilter{Channel: model.ChannelWhatsApp})
	require.NoError(t, err)
	assert.Len(t, pending, 5)

	res, err = h.dispatcher.RunBatch(ctx, model.ChannelWhatsApp, 10)
	require.NoError(t, err)
	assert.Equal(t, throttle.ReasonCapExceeded, res.Skipped)
	assert.Zero(t, res.Processed)

	h.clock.Advance(time.Hour + time.Minute)

	res, err = h.dispatcher.RunBatch(ctx, model.ChannelWhatsApp, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Processed)
}

func TestRunBatch_OutsideWindowClaimsNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, withThrottle(func(cfg *config.ThrottleConfig) {
		cfg.AllowedStartHour = 12
		cfg.AllowedEndHour = 18
	}))

	id := h.enqueueWhatsApp(t, "+5511999990000")

	res, err := h.dispatcher.RunBatch(ctx, model.ChannelWhatsApp, 10)
	require.NoError(t, err)
	assert.Equal(t, throttle.ReasonOutsideWindow, res.Skipped)
	assert.Empty(t, h.adapters[model.ChannelWhatsApp].Sent())
	assert.Equal(t, model.StatusPending, h.item(t, id).Status)
}

func TestRunBatch_TransientFailuresExhaustAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	adapter := h.adapters[model.ChannelCRMSync]
	adapter.fallback = func(*model.QueueItem) provider.Result {
		return provider.Failed(model.NewTransientError("503", "crm unavailable"))
	}

	id, err := h.queueSvc.Enqueue(ctx, &model.EnqueueParams{
		Channel:     model.ChannelCRMSync,
		Direction:   model.DirectionOutbound,
		Destination: "contact:c1",
		Priority:    model.PriorityNormal,
		Payload:     model.CrmSyncPayload{EntityType: "contact", LocalID: "c1"},
	})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		res, err := h.dispatcher.RunBatch(ctx, model.ChannelCRMSync, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)

		item := h.item(t, id)
		assert.Equal(t, attempt, item.Attempts)
		assert.LessOrEqual(t, item.Attempts, item.MaxAttempts)
		require.NotNil(t, item.LastError)
		assert.Contains(t, *item.LastError, "crm unavailable")

		if attempt < 3 {
			assert.Equal(t, model.StatusPending, item.Status)
			assert.Equal(t, 1, res.Retried)
		} else {
			assert.Equal(t, model.StatusFailedPermanent, item.Status)
			assert.Zero(t, res.Retried)
		}
	}

	res, err := h.dispatcher.RunBatch(ctx, model.ChannelCRMSync, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Len(t, adapter.Sent(), 3)

	assert.Equal(t, 1, h.history.Len())

	rec, err := h.history.GetByQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailure, rec.Outcome)
	assert.Equal(t, 3, rec.Attempts)
	require.NotNil(t, rec.ErrorDetail)
}

func TestRunBatch_PermanentFailureFinalizesAndContinues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	adapter := h.adapters[model.ChannelWhatsApp]
	adapter.script = []provider.Result{
		provider.Failed(model.NewPermanentError("invalid_destination", "not a phone number")),
	}

	bad := h.enqueueWhatsApp(t, "nope")
	good := h.enqueueWhatsApp(t, "+5511999990000")

	res, err := h.dispatcher.RunBatch(ctx, model.ChannelWhatsApp, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Succeeded)

	item := h.item(t, bad)
	assert.Equal(t, model.StatusFailedPermanent, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, model.StatusSent, h.item(t, good).Status)
}

func TestRunBatch_RetryDelayPushesScheduledFor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, withDispatcher(func(o *DispatcherOptions) { o.RetryDelay = 10 * time.Minute }))

	h.adapters[model.ChannelEmail].script = []provider.Result{
		provider.Failed(model.NewTransientError("network", "connection reset")),
	}

	id := h.enqueueEmail(t, "a@example.com", model.PriorityNormal)

	_, err := h.dispatcher.RunBatch(ctx, model.ChannelEmail, 10)
	require.NoError(t, err)

	item := h.item(t, id)
	require.NotNil(t, item.ScheduledFor)
	assert.Equal(t, start.Add(10*time.Minute), *item.ScheduledFor)

	res, err := h.dispatcher.RunBatch(ctx, model.ChannelEmail, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)

	h.clock.Advance(10 * time.Minute)

	res, err = h.dispatcher.RunBatch(ctx, model.ChannelEmail, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, h.item(t, id).Attempts)
}

// refusingThrottle allows a fixed number of gates, then reports the cap.
type refusingThrottle struct {
	allow int
}

func (*refusingThrottle) InWindow(time.Time) bool { return true }

func (*refusingThrottle) Budget(context.Context, model.Channel) (int, error) { return throttle.Unlimited, nil }

func (r *refusingThrottle) Gate(context.Context, model.Channel) (throttle.Decision, error) {
	if r.allow == 0 {
		return throttle.Decision{Reason: throttle.ReasonCapExceeded}, nil
	}

	r.allow--

	return throttle.Decision{Allow: true}, nil
}

func (*refusingThrottle) Pause(context.Context, time.Duration) error { return nil }

func TestRunBatch_RefusedItemsAreReleased(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	queue := memory.NewQueueRepository()
	history := memory.NewHistoryRepository()
	adapter := newFakeAdapter(model.ChannelWhatsApp)

	registry, err := provider.NewRegistry(adapter)
	require.NoError(t, err)

	svc := NewQueueServiceImpl(queue, memory.TransactionManager{}, config.AttemptsConfig{WhatsApp: 3}, func() time.Time { return start })
	dispatcher := NewDispatcherImpl(queue, history, memory.TransactionManager{}, &refusingThrottle{allow: 1}, registry,
		DispatcherOptions{Now: func() time.Time { return start }})

	var ids []int64

	for range 3 {
		id, err := svc.Enqueue(ctx, &model.EnqueueParams{
			Channel:     model.ChannelWhatsApp,
			Destination: "+5511999990000",
			Priority:    model.PriorityNormal,
			Payload:     model.WhatsAppPayload{Text: "hi"},
		})
		require.NoError(t, err)

		ids = append(ids, id)
	}

	res, err := dispatcher.RunBatch(ctx, model.ChannelWhatsApp, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, res.Released)
	assert.Equal(t, throttle.ReasonCapExceeded, res.Skipped)

	for _, id := range ids[1:] {
		item, err := svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, item.Status)
		assert.Zero(t, item.Attempts)
		assert.Nil(t, item.ClaimedAt)
	}
}

func TestRunBatch_RecoversStaleClaims(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, withDispatcher(func(o *DispatcherOptions) { o.ClaimLease = 15 * time.Minute }))

	id := h.enqueueEmail(t, "a@example.com", model.PriorityNormal)

	claimed, err := h.queue.ClaimDue(ctx, model.ChannelEmail, 10, h.clock.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	res, err := h.dispatcher.RunBatch(ctx, model.ChannelEmail, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Recovered)
	assert.Zero(t, res.Processed)

	h.clock.Advance(20 * time.Minute)

	res, err = h.dispatcher.RunBatch(ctx, model.ChannelEmail, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recovered)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, model.StatusSent, h.item(t, id).Status)
}

func TestRunBatch_MarksSourceEntity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	id, err := h.queueSvc.Enqueue(ctx, &model.EnqueueParams{
		Channel:     model.ChannelEmail,
		Destination: "billing@example.com",
		Priority:    model.PriorityHigh,
		Payload: model.EmailPayload{
			Subject:  "Invoice INV-7",
			TextBody: "Attached",
			Source:   &model.SourceRef{Entity: "invoice", ID: "inv-7"},
		},
	})
	require.NoError(t, err)

	_, err = h.dispatcher.RunBatch(ctx, model.ChannelEmail, 10)
	require.NoError(t, err)

	marker, ok := h.markers["invoice"].(*memory.SourceMarker)
	require.True(t, ok)

	externalID, ok := marker.Sent("inv-7")
	require.True(t, ok)
	assert.Equal(t, *h.item(t, id).ExternalMessageID, externalID)
}

func TestRunBatch_Rejects(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	_, err := h.dispatcher.RunBatch(ctx, model.ChannelEmail, 0)
	require.ErrorIs(t, err, model.ErrValidation)

	empty, err := provider.NewRegistry()
	require.NoError(t, err)

	d := NewDispatcherImpl(h.queue, h.history, memory.TransactionManager{}, &refusingThrottle{}, empty, DispatcherOptions{})
	_, err = d.RunBatch(ctx, model.ChannelEmail, 1)
	require.ErrorIs(t, err, model.ErrUnknownChannel)
}

func TestRunBatch_UnrecordableSuccessFailsPermanently(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, withDispatcher(func(o *DispatcherOptions) { o.ClaimLease = 15 * time.Minute }))

	first := h.enqueueWhatsApp(t, "+5511999990001")
	second := h.enqueueWhatsApp(t, "+5511999990002")

	adapter := h.adapters[model.ChannelWhatsApp]
	adapter.script = []provider.Result{provider.Succeeded("wa-same"), provider.Succeeded("wa-same")}

	res, err := h.dispatcher.RunBatch(ctx, model.ChannelWhatsApp, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.Retried)

	assert.Equal(t, model.StatusSent, h.item(t, first).Status)

	dup := h.item(t, second)
	assert.Equal(t, model.StatusFailedPermanent, dup.Status)
	assert.Equal(t, 1, dup.Attempts)
	assert.Nil(t, dup.ExternalMessageID)
	require.NotNil(t, dup.LastError)
	assert.Contains(t, *dup.LastError, "wa-same")

	rec, err := h.history.GetByQueueItem(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailure, rec.Outcome)

	// nothing is left claimed for stale recovery to send again
	h.clock.Advance(20 * time.Minute)

	res, err = h.dispatcher.RunBatch(ctx, model.ChannelWhatsApp, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Recovered)
	assert.Len(t, adapter.Sent(), 2)
}
