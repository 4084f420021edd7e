// Package service provides business logic layer implementations.
package service

import (
	"context"
	"time"

	"github.com/jnst/outbound-engine/internal/model"
	"github.com/jnst/outbound-engine/internal/throttle"
)

// QueueService is the enqueue API consumed by business code.
type QueueService interface {
	Enqueue(ctx context.Context, params *model.EnqueueParams) (int64, error)
	EnqueueBatch(ctx context.Context, params []*model.EnqueueParams) (int, error)
	Cancel(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*model.QueueItem, error)
	ListPending(ctx context.Context, filter model.PendingFilter) ([]*model.QueueItem, error)
	Stats(ctx context.Context, channel model.Channel) ([]model.StatusCount, error)
}

// Dispatcher drains due queue items of one channel per invocation.
type Dispatcher interface {
	RunBatch(ctx context.Context, channel model.Channel, limit int) (BatchResult, error)
}

// Reconciler applies signed provider callbacks to queue items.
type Reconciler interface {
	Ingest(ctx context.Context, channel model.Channel, body []byte, signature string) (IngestResult, error)
}

// Scheduler enqueues CRM sync work for due schedule definitions.
type Scheduler interface {
	Tick(ctx context.Context, now time.Time) ([]ScheduleResult, error)
}

// Throttle is the part of the throttle governor the dispatcher depends on.
type Throttle interface {
	InWindow(now time.Time) bool
	Budget(ctx context.Context, channel model.Channel) (int, error)
	Gate(ctx context.Context, channel model.Channel) (throttle.Decision, error)
	Pause(ctx context.Context, d time.Duration) error
}

// RemoteLister finds CRM records changed since a point in time.
type RemoteLister interface {
	ListChanged(ctx context.Context, entityType string, since time.Time, limit int) ([]*model.SyncRecord, error)
}

// BatchResult summarizes one RunBatch invocation.
type BatchResult struct {
	Channel   model.Channel `json:"channel"`
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	// Failed counts every failed attempt; Retried is the part re-queued for a later run.
	Failed    int    `json:"failed"`
	Retried   int    `json:"retried"`
	Released  int    `json:"released"`
	Recovered int    `json:"recovered"`
	Skipped   string `json:"skipped,omitempty"`
}

// IngestResult describes what a webhook did.
type IngestResult struct {
	Outcome     string       `json:"outcome"`
	QueueItemID int64        `json:"queue_item_id,omitempty"`
	Status      model.Status `json:"status,omitempty"`
	Applied     bool         `json:"applied"`
	Duplicate   bool         `json:"duplicate"`
}

// Ingest outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeIgnored   = "ignored"
	OutcomeUnmatched = "unmatched"
	OutcomeMalformed = "malformed"
	OutcomeDeferred  = "deferred"
)

// ScheduleResult describes one schedule's execution within a tick.
type ScheduleResult struct {
	ScheduleID int64     `json:"schedule_id"`
	Name       string    `json:"name"`
	Enqueued   int       `json:"enqueued"`
	Skipped    bool      `json:"skipped"`
	Error      string    `json:"error,omitempty"`
	NextDue    time.Time `json:"next_due"`
}
