// Package repository provides data access interfaces and implementations.
package repository

import (
	"context"
	"time"

	"github.com/jnst/outbound-engine/internal/model"
)

// StatusUpdate carries the fields written alongside a conditional status change.
type StatusUpdate struct {
	// ExternalMessageID is stored only when the item has none yet.
	ExternalMessageID *string
	LastError         *string
	ClearLastError    bool
	IncrementAttempts bool
	ScheduledFor      *time.Time
	Finalize          bool
	Now               time.Time
}

// QueueRepository defines methods for queue item data access.
// Every status change is conditional on the expected current status.
type QueueRepository interface {
	Insert(ctx context.Context, params *model.EnqueueParams, now time.Time) (*model.QueueItem, error)
	InsertBatch(ctx context.Context, params []*model.EnqueueParams, now time.Time) (int, error)
	ClaimDue(ctx context.Context, channel model.Channel, limit int, now time.Time) ([]*model.QueueItem, error)
	UpdateStatus(ctx context.Context, id int64, from, to model.Status, upd StatusUpdate) error
	GetByID(ctx context.Context, id int64) (*model.QueueItem, error)
	FindByCorrelation(ctx context.Context, channel model.Channel, externalID, trackingCode string) (*model.QueueItem, error)
	ListPending(ctx context.Context, filter model.PendingFilter) ([]*model.QueueItem, error)
	CountByStatus(ctx context.Context, channel model.Channel) ([]model.StatusCount, error)
	RecoverStale(ctx context.Context, channel model.Channel, claimedBefore, now time.Time) (int, error)
}

// HistoryRepository defines methods for the append-only history table.
type HistoryRepository interface {
	// Append stores rec unless a record for the same queue item exists. It reports whether a row was written.
	Append(ctx context.Context, rec *model.HistoryRecord) (bool, error)
	CountSince(ctx context.Context, channel model.Channel, since time.Time) (int, error)
	GetByQueueItem(ctx context.Context, queueItemID int64) (*model.HistoryRecord, error)
}

// WebhookEventRepository defines methods for webhook telemetry rows.
type WebhookEventRepository interface {
	// Record stores ev unless its dedup key was seen. It reports whether a row was written.
	Record(ctx context.Context, ev *model.WebhookEvent) (bool, error)
	CountByQueueItem(ctx context.Context, queueItemID int64) (int, error)
}

// ScheduleRepository defines methods for schedule definitions.
type ScheduleRepository interface {
	Create(ctx context.Context, def *model.ScheduleDefinition) error
	GetByID(ctx context.Context, id int64) (*model.ScheduleDefinition, error)
	ListDue(ctx context.Context, now time.Time) ([]*model.ScheduleDefinition, error)
	// TryMarkExecuting sets the executing flag when it is clear and reports whether it did.
	TryMarkExecuting(ctx context.Context, id int64) (bool, error)
	RecordRun(ctx context.Context, id int64, lastRun, nextDue time.Time) error
	ClearExecuting(ctx context.Context, id int64) error
}

// EntityRepository is the narrow view of a business repository used by CRM sync.
type EntityRepository interface {
	FindByID(ctx context.Context, localID string) (*model.SyncRecord, error)
	FindByRemoteID(ctx context.Context, remoteID string) (*model.SyncRecord, error)
	Save(ctx context.Context, rec *model.SyncRecord) (*model.SyncRecord, error)
	FindUnsynced(ctx context.Context, limit int) ([]*model.SyncRecord, error)
}

// SourceMarker records delivery on the business entity that produced a message.
type SourceMarker interface {
	MarkSent(ctx context.Context, id, externalID string) error
}

// TransactionManager defines methods for database transaction management.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
