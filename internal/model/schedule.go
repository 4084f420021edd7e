package model

import (
	"fmt"
	"strings"
	"time"
)

// ConflictStrategy selects how diverging local and remote records are reconciled.
type ConflictStrategy string

const (
	StrategyRemoteWins ConflictStrategy = "remote_wins"
	StrategyLocalWins  ConflictStrategy = "local_wins"
	StrategyMostRecent ConflictStrategy = "most_recent"
	StrategyMergeFill  ConflictStrategy = "merge_fill"
)

// Valid reports whether the strategy is known.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategyRemoteWins, StrategyLocalWins, StrategyMostRecent, StrategyMergeFill:
		return true
	default:
		return false
	}
}

// ScheduleDefinition describes a recurring sync job.
type ScheduleDefinition struct {
	ID         int64            `json:"id"`
	Name       string           `json:"name"`
	EntityType string           `json:"entity_type"`
	Direction  Direction        `json:"direction"`
	Cadence    time.Duration    `json:"cadence"`
	BatchSize  int              `json:"batch_size"`
	Priority   Priority         `json:"priority"`
	Strategy   ConflictStrategy `json:"strategy,omitempty"`
	Enabled    bool             `json:"enabled"`
	Executing  bool             `json:"executing"`
	LastRun    *time.Time       `json:"last_run,omitempty"`
	NextDue    time.Time        `json:"next_due"`
}

// Validate checks a schedule definition before it is stored.
func (d *ScheduleDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: schedule name is required", ErrValidation)
	}

	if strings.TrimSpace(d.EntityType) == "" {
		return fmt.Errorf("%w: schedule entity_type is required", ErrValidation)
	}

	if !d.Direction.Valid() {
		return fmt.Errorf("%w: unknown direction %q", ErrValidation, d.Direction)
	}

	if d.Cadence <= 0 {
		return fmt.Errorf("%w: cadence must be positive", ErrValidation)
	}

	if d.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be positive", ErrValidation)
	}

	if d.Direction == DirectionBidirectional && !d.Strategy.Valid() {
		return fmt.Errorf("%w: bidirectional schedule needs a conflict strategy", ErrValidation)
	}

	return nil
}

// Advance returns the next due time after a run at now. Missed periods are skipped.
func (d *ScheduleDefinition) Advance(now time.Time) time.Time {
	next := d.NextDue
	if next.IsZero() {
		next = now
	}

	for !next.After(now) {
		next = next.Add(d.Cadence)
	}

	return next
}

// SyncRecord is an entity as seen by one side of a CRM synchronization.
type SyncRecord struct {
	EntityType string            `json:"entity_type"`
	LocalID    string            `json:"local_id,omitempty"`
	RemoteID   string            `json:"remote_id,omitempty"`
	Fields     map[string]string `json:"fields"`
	UpdatedAt  *time.Time        `json:"updated_at,omitempty"`
	SyncedAt   *time.Time        `json:"synced_at,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *SyncRecord) Clone() *SyncRecord {
	if r == nil {
		return nil
	}

	out := *r
	out.Fields = make(map[string]string, len(r.Fields))

	for k, v := range r.Fields {
		out.Fields[k] = v
	}

	if r.UpdatedAt != nil {
		t := *r.UpdatedAt
		out.UpdatedAt = &t
	}

	if r.SyncedAt != nil {
		t := *r.SyncedAt
		out.SyncedAt = &t
	}

	return &out
}

// SameFields reports whether two records carry identical field values.
func (r *SyncRecord) SameFields(other *SyncRecord) bool {
	if r == nil || other == nil {
		return r == other
	}

	if len(r.Fields) != len(other.Fields) {
		return false
	}

	for k, v := range r.Fields {
		if ov, ok := other.Fields[k]; !ok || ov != v {
			return false
		}
	}

	return true
}
