package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/outbound-engine/internal/model"
	"github.com/jnst/outbound-engine/internal/repository"
)

// HistoryRepository is an in-memory append-only history table.
type HistoryRepository struct {
	mu      sync.Mutex
	records []*model.HistoryRecord
	byItem  map[int64]*model.HistoryRecord
}

// NewHistoryRepository creates an empty history table.
func NewHistoryRepository() *HistoryRepository {
	return &HistoryRepository{byItem: make(map[int64]*model.HistoryRecord)}
}

var _ repository.HistoryRepository = (*HistoryRepository)(nil)

// Append stores rec once per queue item.
func (r *HistoryRepository) Append(ctx context.Context, rec *model.HistoryRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byItem[rec.QueueItemID]; ok {
		return false, nil
	}

	stored := *rec
	stored.ID = int64(len(r.records) + 1)
	rec.ID = stored.ID
	r.records = append(r.records, &stored)
	r.byItem[rec.QueueItemID] = &stored

	onRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		delete(r.byItem, stored.QueueItemID)
		r.records = slices.DeleteFunc(r.records, func(x *model.HistoryRecord) bool { return x == &stored })
	})

	return true, nil
}

// CountSince counts records of a channel created at or after since.
func (r *HistoryRepository) CountSince(_ context.Context, channel model.Channel, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for _, rec := range r.records {
		if rec.Channel == channel && !rec.CreatedAt.Before(since) {
			n++
		}
	}

	return n, nil
}

// GetByQueueItem retrieves the record written for a queue item.
func (r *HistoryRepository) GetByQueueItem(_ context.Context, queueItemID int64) (*model.HistoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byItem[queueItemID]
	if !ok {
		return nil, fmt.Errorf("%w: no history for item %d", model.ErrItemNotFound, queueItemID)
	}

	out := *rec

	return &out, nil
}

// Len returns the number of stored records.
func (r *HistoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.records)
}

// WebhookEventRepository is an in-memory webhook telemetry table.
type WebhookEventRepository struct {
	mu     sync.Mutex
	events []*model.WebhookEvent
	keys   map[string]struct{}
}

// NewWebhookEventRepository creates an empty event table.
func NewWebhookEventRepository() *WebhookEventRepository {
	return &WebhookEventRepository{keys: make(map[string]struct{})}
}

var _ repository.WebhookEventRepository = (*WebhookEventRepository)(nil)

// Record stores ev unless its dedup key was seen.
func (r *WebhookEventRepository) Record(ctx context.Context, ev *model.WebhookEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, seen := r.keys[ev.DedupKey]; seen {
		return false, nil
	}

	r.keys[ev.DedupKey] = struct{}{}
	stored := *ev
	stored.ID = int64(len(r.events) + 1)
	ev.ID = stored.ID
	r.events = append(r.events, &stored)

	onRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		delete(r.keys, stored.DedupKey)
		r.events = slices.DeleteFunc(r.events, func(x *model.WebhookEvent) bool { return x == &stored })
	})

	return true, nil
}

// CountByQueueItem counts distinct events recorded for an item.
func (r *WebhookEventRepository) CountByQueueItem(_ context.Context, queueItemID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for _, ev := range r.events {
		if ev.QueueItemID == queueItemID {
			n++
		}
	}

	return n, nil
}

// ScheduleRepository is an in-memory schedule table.
type ScheduleRepository struct {
	mu     sync.Mutex
	nextID int64
	defs   map[int64]*model.ScheduleDefinition
}

// NewScheduleRepository creates an empty schedule table.
func NewScheduleRepository() *ScheduleRepository {
	return &ScheduleRepository{defs: make(map[int64]*model.ScheduleDefinition)}
}

var _ repository.ScheduleRepository = (*ScheduleRepository)(nil)

// Create stores a new schedule definition.
func (r *ScheduleRepository) Create(_ context.Context, def *model.ScheduleDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	def.ID = r.nextID
	stored := *def
	r.defs[def.ID] = &stored

	return nil
}

// GetByID retrieves a schedule definition.
func (r *ScheduleRepository) GetByID(_ context.Context, id int64) (*model.ScheduleDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("schedule %d not found", id)
	}

	out := *def

	return &out, nil
}

// ListDue returns enabled schedules whose next_due has passed.
func (r *ScheduleRepository) ListDue(_ context.Context, now time.Time) ([]*model.ScheduleDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.ScheduleDefinition

	for _, def := range r.defs {
		if def.Enabled && !def.NextDue.After(now) {
			cp := *def
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextDue.Equal(out[j].NextDue) {
			return out[i].NextDue.Before(out[j].NextDue)
		}

		return out[i].ID < out[j].ID
	})

	return out, nil
}

// TryMarkExecuting sets executing only if it is currently clear.
func (r *ScheduleRepository) TryMarkExecuting(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.defs[id]
	if !ok {
		return false, fmt.Errorf("schedule %d not found", id)
	}

	if def.Executing {
		return false, nil
	}

	def.Executing = true

	return true, nil
}

// RecordRun stores last_run and next_due.
func (r *ScheduleRepository) RecordRun(ctx context.Context, id int64, lastRun, nextDue time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.defs[id]
	if !ok {
		return fmt.Errorf("schedule %d not found", id)
	}

	prevLast, prevNext := def.LastRun, def.NextDue
	onRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		def.LastRun, def.NextDue = prevLast, prevNext
	})

	def.LastRun = &lastRun
	def.NextDue = nextDue

	return nil
}

// ClearExecuting resets the executing flag.
func (r *ScheduleRepository) ClearExecuting(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def, ok := r.defs[id]; ok {
		def.Executing = false
	}

	return nil
}

// EntityRepository is an in-memory EntityRepository for one entity type.
type EntityRepository struct {
	mu         sync.Mutex
	entityType string
	records    map[string]*model.SyncRecord
	order      []string
}

// NewEntityRepository creates an empty entity store.
func NewEntityRepository(entityType string) *EntityRepository {
	return &EntityRepository{entityType: entityType, records: make(map[string]*model.SyncRecord)}
}

var _ repository.EntityRepository = (*EntityRepository)(nil)

// FindByID retrieves an entity by local ID.
func (r *EntityRepository) FindByID(_ context.Context, localID string) (*model.SyncRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[localID]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", model.ErrEntityNotFound, r.entityType, localID)
	}

	return rec.Clone(), nil
}

// FindByRemoteID retrieves an entity by its CRM identifier.
func (r *EntityRepository) FindByRemoteID(_ context.Context, remoteID string) (*model.SyncRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		if rec := r.records[id]; rec.RemoteID != "" && rec.RemoteID == remoteID {
			return rec.Clone(), nil
		}
	}

	return nil, fmt.Errorf("%w: %s remote %s", model.ErrEntityNotFound, r.entityType, remoteID)
}

// Save upserts rec, assigning a local ID when missing.
func (r *EntityRepository) Save(ctx context.Context, rec *model.SyncRecord) (*model.SyncRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := rec.Clone()
	out.EntityType = r.entityType

	if out.LocalID == "" {
		out.LocalID = uuid.NewString()
	}

	prev, exists := r.records[out.LocalID]
	if !exists {
		r.order = append(r.order, out.LocalID)
	}

	r.records[out.LocalID] = out

	onRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		if exists {
			r.records[out.LocalID] = prev
			return
		}

		delete(r.records, out.LocalID)
		r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == out.LocalID })
	})

	return out.Clone(), nil
}

// FindUnsynced returns records never synced or modified since their last sync.
func (r *EntityRepository) FindUnsynced(_ context.Context, limit int) ([]*model.SyncRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.SyncRecord

	for _, id := range r.order {
		rec := r.records[id]
		if rec.SyncedAt == nil || (rec.UpdatedAt != nil && rec.UpdatedAt.After(*rec.SyncedAt)) {
			out = append(out, rec.Clone())
			if len(out) == limit {
				break
			}
		}
	}

	return out, nil
}

// SourceMarker remembers the external id each entity was last sent with.
type SourceMarker struct {
	mu   sync.Mutex
	sent map[string]string
}

// NewSourceMarker creates an empty marker.
func NewSourceMarker() *SourceMarker {
	return &SourceMarker{sent: make(map[string]string)}
}

var _ repository.SourceMarker = (*SourceMarker)(nil)

// MarkSent records externalID for id.
func (m *SourceMarker) MarkSent(ctx context.Context, id, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, existed := m.sent[id]
	m.sent[id] = externalID

	onRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if existed {
			m.sent[id] = prev
			return
		}

		delete(m.sent, id)
	})

	return nil
}

// Sent returns the external id recorded for id.
func (m *SourceMarker) Sent(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	externalID, ok := m.sent[id]

	return externalID, ok
}
