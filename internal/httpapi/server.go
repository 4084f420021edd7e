// Package httpapi exposes the engine over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jnst/outbound-engine/internal/model"
	"github.com/jnst/outbound-engine/internal/service"
	"github.com/jnst/outbound-engine/internal/webhook"
)

const (
	contentTypeJSON        = "Content-Type"
	applicationJSON        = "application/json"
	failedToEncodeResponse = "failed to encode response"
	decimalBase            = 10
	int64BitSize           = 64
	maxWebhookBody         = 1 << 20
)

// APIServer handles HTTP requests for the delivery engine.
type APIServer struct {
	queueService service.QueueService
	dispatcher   service.Dispatcher
	reconciler   service.Reconciler
	scheduler    service.Scheduler
	batchSize    int
	now          func() time.Time
}

// NewAPIServer creates a new API server instance.
func NewAPIServer(
	queueService service.QueueService,
	dispatcher service.Dispatcher,
	reconciler service.Reconciler,
	scheduler service.Scheduler,
	batchSize int,
	now func() time.Time,
) *APIServer {
	if now == nil {
		now = time.Now
	}

	return &APIServer{
		queueService: queueService,
		dispatcher:   dispatcher,
		reconciler:   reconciler,
		scheduler:    scheduler,
		batchSize:    batchSize,
		now:          now,
	}
}

// Routes builds the router.
func (s *APIServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.HealthCheck)

	r.Route("/queue", func(r chi.Router) {
		r.Post("/", s.Enqueue)
		r.Post("/batch", s.EnqueueBatch)
		r.Get("/pending", s.ListPending)
		r.Get("/stats", s.Stats)
		r.Get("/{id}", s.GetItem)
		r.Delete("/{id}", s.Cancel)
	})

	r.Post("/webhooks/{channel}", s.Webhook)
	r.Post("/batch/run", s.RunBatch)
	r.Post("/schedules/tick", s.Tick)

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set(contentTypeJSON, applicationJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error(failedToEncodeResponse, slog.String("error", err.Error()))
	}
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrUnknownChannel):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrItemNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrNotCancellable):
		status = http.StatusConflict
	case errors.Is(err, model.ErrSignature):
		status = http.StatusUnauthorized
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", slog.String("error", err.Error()))
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), decimalBase, int64BitSize)
	if err != nil {
		return 0, errors.Join(model.ErrValidation, errors.New("invalid id parameter"))
	}

	return id, nil
}

// Enqueue handles POST /queue.
func (s *APIServer) Enqueue(w http.ResponseWriter, r *http.Request) {
	var params model.EnqueueParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, errors.Join(model.ErrValidation, err))
		return
	}

	id, err := s.queueService.Enqueue(r.Context(), &params)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// EnqueueBatch handles POST /queue/batch. The whole batch is stored or none of it.
func (s *APIServer) EnqueueBatch(w http.ResponseWriter, r *http.Request) {
	var params []*model.EnqueueParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, errors.Join(model.ErrValidation, err))
		return
	}

	n, err := s.queueService.EnqueueBatch(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int{"enqueued": n})
}

// GetItem handles GET /queue/{id}.
func (s *APIServer) GetItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	item, err := s.queueService.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, item)
}

// Cancel handles DELETE /queue/{id}.
func (s *APIServer) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.queueService.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListPending handles GET /queue/pending?channel=&priority=&destination=&due=&limit=.
func (s *APIServer) ListPending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.PendingFilter{Destination: q.Get("destination")}

	if raw := q.Get("channel"); raw != "" {
		c, err := model.ParseChannel(raw)
		if err != nil {
			writeError(w, err)
			return
		}

		filter.Channel = c
	}

	if raw := q.Get("priority"); raw != "" {
		p, err := model.ParsePriority(raw)
		if err != nil {
			writeError(w, err)
			return
		}

		filter.Priority = &p
	}

	if q.Get("due") == "true" {
		now := s.now()
		filter.DueBefore = &now
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, errors.Join(model.ErrValidation, errors.New("invalid limit")))
			return
		}

		filter.Limit = limit
	}

	items, err := s.queueService.ListPending(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	if items == nil {
		items = []*model.QueueItem{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": items})
}

// Stats handles GET /queue/stats?channel=.
func (s *APIServer) Stats(w http.ResponseWriter, r *http.Request) {
	channel, err := model.ParseChannel(r.URL.Query().Get("channel"))
	if err != nil {
		writeError(w, err)
		return
	}

	counts, err := s.queueService.Stats(r.Context(), channel)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"channel": channel, "counts": counts})
}

// Webhook handles POST /webhooks/{channel}. A bad signature is answered with 401 and a
// receipt for an item still being sent with 503 so the provider retries it. Everything else is
// acknowledged.
func (s *APIServer) Webhook(w http.ResponseWriter, r *http.Request) {
	channel, err := model.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		slog.Warn("webhook for unknown channel", slog.String("channel", chi.URLParam(r, "channel")))
		writeJSON(w, http.StatusOK, service.IngestResult{Outcome: service.OutcomeIgnored})

		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		slog.Warn("failed to read webhook body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusOK, service.IngestResult{Outcome: service.OutcomeMalformed})

		return
	}

	res, err := s.reconciler.Ingest(r.Context(), channel, body, r.Header.Get(webhook.SignatureHeader))
	switch {
	case errors.Is(err, model.ErrSignature):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
	case err != nil:
		slog.Error("webhook not applied", slog.String("channel", string(channel)), slog.String("error", err.Error()))
		writeJSON(w, http.StatusOK, service.IngestResult{Outcome: service.OutcomeIgnored})
	case res.Outcome == service.OutcomeDeferred:
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

type runBatchRequest struct {
	Channel string `json:"channel"`
	Limit   int    `json:"limit"`
}

// RunBatch handles POST /batch/run.
func (s *APIServer) RunBatch(w http.ResponseWriter, r *http.Request) {
	var req runBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Join(model.ErrValidation, err))
		return
	}

	channel, err := model.ParseChannel(req.Channel)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Limit <= 0 {
		req.Limit = s.batchSize
	}

	res, err := s.dispatcher.RunBatch(r.Context(), channel, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// Tick handles POST /schedules/tick.
func (s *APIServer) Tick(w http.ResponseWriter, r *http.Request) {
	results, err := s.scheduler.Tick(r.Context(), s.now())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// HealthCheck handles GET /health endpoint for service health check.
func (*APIServer) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
