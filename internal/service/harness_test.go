package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jnst/outbound-engine/internal/config"
	"github.com/jnst/outbound-engine/internal/model"
	"github.com/jnst/outbound-engine/internal/provider"
	"github.com/jnst/outbound-engine/internal/repository"
	"github.com/jnst/outbound-engine/internal/repository/memory"
	"github.com/jnst/outbound-engine/internal/telemetry"
	"github.com/jnst/outbound-engine/internal/throttle"
)

var start = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

const (
	emailSecret    = "email-secret"
	whatsAppSecret = "wa-secret"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// fakeAdapter answers each Send with the next scripted result, then with its fallback.
type fakeAdapter struct {
	mu       sync.Mutex
	channel  model.Channel
	script   []provider.Result
	fallback func(item *model.QueueItem) provider.Result
	sent     []int64
}

func newFakeAdapter(channel model.Channel) *fakeAdapter {
	return &fakeAdapter{
		channel: channel,
		fallback: func(item *model.QueueItem) provider.Result {
			return provider.Succeeded(fmt.Sprintf("%s-%d", channel, item.ID))
		},
	}
}

func (f *fakeAdapter) Channel() model.Channel { return f.channel }

func (f *fakeAdapter) Send(_ context.Context, item *model.QueueItem) provider.Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, item.ID)

	if len(f.script) > 0 {
		res := f.script[0]
		f.script = f.script[1:]

		return res
	}

	return f.fallback(item)
}

func (f *fakeAdapter) Sent() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]int64(nil), f.sent...)
}

type harness struct {
	clock      *clock
	queue      *memory.QueueRepository
	history    *memory.HistoryRepository
	events     *memory.WebhookEventRepository
	counters   *telemetry.MemoryCounters
	markers    map[string]repository.SourceMarker
	adapters   map[model.Channel]*fakeAdapter
	queueSvc   QueueService
	dispatcher Dispatcher
	reconciler Reconciler
}

type harnessOption func(*config.ThrottleConfig, *DispatcherOptions)

func withThrottle(fn func(*config.ThrottleConfig)) harnessOption {
	return func(cfg *config.ThrottleConfig, _ *DispatcherOptions) { fn(cfg) }
}

func withDispatcher(fn func(*DispatcherOptions)) harnessOption {
	return func(_ *config.ThrottleConfig, opts *DispatcherOptions) { fn(opts) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		clock:    &clock{now: start},
		queue:    memory.NewQueueRepository(),
		history:  memory.NewHistoryRepository(),
		events:   memory.NewWebhookEventRepository(),
		counters: telemetry.NewMemoryCounters(),
		markers:  map[string]repository.SourceMarker{"invoice": memory.NewSourceMarker()},
		adapters: map[model.Channel]*fakeAdapter{},
	}

	throttleCfg := config.ThrottleConfig{Timezone: "UTC", FixedDelay: time.Second}
	dispatcherOpts := DispatcherOptions{Markers: h.markers, Now: h.clock.Now}

	for _, opt := range opts {
		opt(&throttleCfg, &dispatcherOpts)
	}

	governor, err := throttle.NewGovernor(throttleCfg, h.history,
		throttle.WithClock(h.clock.Now),
		throttle.WithSleeper(func(context.Context, time.Duration) error { return nil }),
	)
	require.NoError(t, err)

	adapters := make([]provider.Adapter, 0, len(model.Channels))
	for _, c := range model.Channels {
		h.adapters[c] = newFakeAdapter(c)
		adapters = append(adapters, h.adapters[c])
	}

	registry, err := provider.NewRegistry(adapters...)
	require.NoError(t, err)

	tm := memory.TransactionManager{}
	attempts := config.AttemptsConfig{WhatsApp: 3, Email: 5, CRMSync: 3}

	h.queueSvc = NewQueueServiceImpl(h.queue, tm, attempts, h.clock.Now)
	h.dispatcher = NewDispatcherImpl(h.queue, h.history, tm, governor, registry, dispatcherOpts)
	h.reconciler = NewReconcilerImpl(h.queue, h.events, tm,
		config.WebhookConfig{EmailSecret: emailSecret, WhatsAppSecret: whatsAppSecret}.Secret,
		telemetry.CountingPublisher{Counters: h.counters}, nil, h.clock.Now)

	return h
}

func (h *harness) enqueueEmail(t *testing.T, to string, priority model.Priority) int64 {
	t.Helper()

	id, err := h.queueSvc.Enqueue(context.Background(), &model.EnqueueParams{
		Channel:     model.ChannelEmail,
		Destination: to,
		Priority:    priority,
		Payload:     model.EmailPayload{Subject: "Your invoice", TextBody: "Thanks"},
	})
	require.NoError(t, err)

	return id
}

func (h *harness) enqueueWhatsApp(t *testing.T, to string) int64 {
	t.Helper()

	id, err := h.queueSvc.Enqueue(context.Background(), &model.EnqueueParams{
		Channel:     model.ChannelWhatsApp,
		Destination: to,
		Priority:    model.PriorityNormal,
		Payload:     model.WhatsAppPayload{Text: "Hello"},
	})
	require.NoError(t, err)

	return id
}

func (h *harness) item(t *testing.T, id int64) *model.QueueItem {
	t.Helper()

	item, err := h.queueSvc.Get(context.Background(), id)
	require.NoError(t, err)

	return item
}
