package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SourceMarkerImpl records the latest delivery of an entity in source_deliveries.
type SourceMarkerImpl struct {
	pool   *pgxpool.Pool
	entity string
	now    func() time.Time
}

// NewSourceMarkerImpl creates a SourceMarker for one business entity.
func NewSourceMarkerImpl(pool *pgxpool.Pool, entity string, now func() time.Time) SourceMarker {
	if now == nil {
		now = time.Now
	}

	return &SourceMarkerImpl{pool: pool, entity: entity, now: now}
}

// MarkSent upserts the delivery row for id.
func (m *SourceMarkerImpl) MarkSent(ctx context.Context, id, externalID string) error {
	_, err := conn(ctx, m.pool).Exec(ctx,
		`INSERT INTO source_deliveries (entity, entity_id, external_id, sent_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (entity, entity_id)
		 DO UPDATE SET external_id = EXCLUDED.external_id, sent_at = EXCLUDED.sent_at`,
		m.entity, id, externalID, m.now())
	if err != nil {
		return fmt.Errorf("failed to mark %s %s sent: %w", m.entity, id, err)
	}

	return nil
}
