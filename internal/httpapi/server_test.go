package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/outbound-engine/internal/config"
	"github.com/jnst/outbound-engine/internal/model"
	"github.com/jnst/outbound-engine/internal/provider"
	"github.com/jnst/outbound-engine/internal/repository"
	"github.com/jnst/outbound-engine/internal/repository/memory"
	"github.com/jnst/outbound-engine/internal/service"
	"github.com/jnst/outbound-engine/internal/telemetry"
	"github.com/jnst/outbound-engine/internal/throttle"
	"github.com/jnst/outbound-engine/internal/webhook"
)

const secret = "s3cret"

var fixedNow = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

type echoAdapter struct{ channel model.Channel }

func (a echoAdapter) Channel() model.Channel { return a.channel }

func (echoAdapter) Send(_ context.Context, item *model.QueueItem) provider.Result {
	return provider.Succeeded(fmt.Sprintf("msg-%d", item.ID))
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	now := func() time.Time { return fixedNow }
	queue := memory.NewQueueRepository()
	history := memory.NewHistoryRepository()
	tm := memory.TransactionManager{}

	governor, err := throttle.NewGovernor(config.ThrottleConfig{Timezone: "UTC"}, history, throttle.WithClock(now))
	require.NoError(t, err)

	registry, err := provider.NewRegistry(
		echoAdapter{model.ChannelEmail}, echoAdapter{model.ChannelWhatsApp}, echoAdapter{model.ChannelCRMSync},
	)
	require.NoError(t, err)

	queueSvc := service.NewQueueServiceImpl(queue, tm, config.AttemptsConfig{WhatsApp: 3, Email: 3, CRMSync: 3}, now)
	dispatcher := service.NewDispatcherImpl(queue, history, tm, governor, registry, service.DispatcherOptions{Now: now})
	reconciler := service.NewReconcilerImpl(queue, memory.NewWebhookEventRepository(), tm,
		config.WebhookConfig{EmailSecret: secret}.Secret, telemetry.NopPublisher{}, nil, now)
	scheduler := service.NewSchedulerImpl(memory.NewScheduleRepository(), queueSvc,
		map[string]repository.EntityRepository{}, nil, tm, nil)

	srv := httptest.NewServer(NewAPIServer(queueSvc, dispatcher, reconciler, scheduler, 10, now).Routes())
	t.Cleanup(srv.Close)

	return srv
}

func do(t *testing.T, method, url, body string, header http.Header) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, url, strings.NewReader(body))
	require.NoError(t, err)

	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}

	return resp, out
}

const emailJSON = `{"channel":"email","destination":"a@example.com","priority":"high",
	"payload":{"subject":"Receipt","text_body":"Thanks"}}`

func TestEnqueueAndGet(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/queue", emailJSON, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.InDelta(t, 1, body["id"], 0)

	resp, body = do(t, http.MethodGet, srv.URL+"/queue/1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "high", body["priority"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/queue/99", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/queue/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEnqueue_Validation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	for _, body := range []string{
		`{"channel":"email","payload":{"subject":"x","text_body":"y"}}`,
		`{"channel":"pigeon","destination":"x","payload":{}}`,
		`not json`,
		`{"channel":"email","destination":"a@example.com"}`,
	} {
		resp, out := do(t, http.MethodPost, srv.URL+"/queue", body, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.NotEmpty(t, out["error"])
	}
}

func TestBatchCancelAndStats(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/queue/batch", "["+emailJSON+","+emailJSON+"]", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.InDelta(t, 2, body["enqueued"], 0)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/queue/1", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/queue/1", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/queue/pending?channel=email&priority=high", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["data"], 1)

	resp, body = do(t, http.MethodGet, srv.URL+"/queue/stats?channel=email", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["counts"], 2)

	resp, _ = do(t, http.MethodGet, srv.URL+"/queue/stats", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunBatchAndWebhook(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	resp, _ := do(t, http.MethodPost, srv.URL+"/queue", emailJSON, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := do(t, http.MethodPost, srv.URL+"/batch/run", `{"channel":"email"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 1, body["succeeded"], 0)

	event := `{"event_id":"ev-1","event":"delivered","message_id":"msg-1"}`
	signed := http.Header{webhook.SignatureHeader: {webhook.Sign(secret, []byte(event))}}

	resp, body = do(t, http.MethodPost, srv.URL+"/webhooks/email", event, signed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, service.OutcomeApplied, body["outcome"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/webhooks/email", event,
		http.Header{webhook.SignatureHeader: {"deadbeef"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	unknown := `{"event_id":"ev-2","event":"open","message_id":"nobody"}`
	resp, body = do(t, http.MethodPost, srv.URL+"/webhooks/email", unknown,
		http.Header{webhook.SignatureHeader: {webhook.Sign(secret, []byte(unknown))}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, service.OutcomeUnmatched, body["outcome"])

	resp, body = do(t, http.MethodGet, srv.URL+"/queue/1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "delivered", body["status"])
}

func TestTickAndHealth(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/schedules/tick", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["results"])

	resp, body = do(t, http.MethodGet, srv.URL+"/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

type deferringReconciler struct{}

func (deferringReconciler) Ingest(context.Context, model.Channel, []byte, string) (service.IngestResult, error) {
	return service.IngestResult{Outcome: service.OutcomeDeferred, QueueItemID: 7, Status: model.StatusProcessing}, nil
}

func TestWebhook_DeferredReceiptAsksForRedelivery(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(NewAPIServer(nil, nil, deferringReconciler{}, nil, 10, time.Now).Routes())
	t.Cleanup(srv.Close)

	resp, body := do(t, http.MethodPost, srv.URL+"/webhooks/whatsapp", `{}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, service.OutcomeDeferred, body["outcome"])
}
