package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/outbound-engine/internal/model"
)

// EntityRepositoryImpl implements EntityRepository over the generic sync_entities table.
type EntityRepositoryImpl struct {
	pool       *pgxpool.Pool
	entityType string
}

// NewEntityRepositoryImpl creates an EntityRepository scoped to one entity type.
func NewEntityRepositoryImpl(pool *pgxpool.Pool, entityType string) EntityRepository {
	return &EntityRepositoryImpl{pool: pool, entityType: entityType}
}

func (r *EntityRepositoryImpl) scan(row pgx.Row) (*model.SyncRecord, error) {
	var (
		rec      model.SyncRecord
		remoteID *string
		fields   []byte
	)

	if err := row.Scan(&rec.LocalID, &remoteID, &fields, &rec.UpdatedAt, &rec.SyncedAt); err != nil {
		return nil, err
	}

	rec.EntityType = r.entityType
	if remoteID != nil {
		rec.RemoteID = *remoteID
	}

	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s fields: %w", r.entityType, rec.LocalID, err)
	}

	return &rec, nil
}

// FindByID retrieves an entity by its local ID.
func (r *EntityRepositoryImpl) FindByID(ctx context.Context, localID string) (*model.SyncRecord, error) {
	rec, err := r.scan(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT local_id, remote_id, fields, updated_at, synced_at
		 FROM sync_entities WHERE entity_type = $1 AND local_id = $2`, r.entityType, localID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", model.ErrEntityNotFound, r.entityType, localID)
	}

	return rec, err
}

// FindByRemoteID retrieves an entity by the CRM identifier written back after a sync.
func (r *EntityRepositoryImpl) FindByRemoteID(ctx context.Context, remoteID string) (*model.SyncRecord, error) {
	rec, err := r.scan(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT local_id, remote_id, fields, updated_at, synced_at
		 FROM sync_entities WHERE entity_type = $1 AND remote_id = $2`, r.entityType, remoteID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s remote %s", model.ErrEntityNotFound, r.entityType, remoteID)
	}

	return rec, err
}

// Save upserts rec, assigning a local ID to records imported from the remote side.
func (r *EntityRepositoryImpl) Save(ctx context.Context, rec *model.SyncRecord) (*model.SyncRecord, error) {
	out := rec.Clone()
	out.EntityType = r.entityType

	if out.LocalID == "" {
		out.LocalID = uuid.NewString()
	}

	fields, err := json.Marshal(out.Fields)
	if err != nil {
		return nil, err
	}

	var remoteID *string
	if out.RemoteID != "" {
		remoteID = &out.RemoteID
	}

	_, err = conn(ctx, r.pool).Exec(ctx,
		`INSERT INTO sync_entities (entity_type, local_id, remote_id, fields, updated_at, synced_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (entity_type, local_id) DO UPDATE
		 SET remote_id = EXCLUDED.remote_id, fields = EXCLUDED.fields,
		     updated_at = EXCLUDED.updated_at, synced_at = EXCLUDED.synced_at`,
		r.entityType, out.LocalID, remoteID, fields, out.UpdatedAt, out.SyncedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save %s %s: %w", r.entityType, out.LocalID, err)
	}

	return out, nil
}

// FindUnsynced returns records never synced or modified since their last sync.
func (r *EntityRepositoryImpl) FindUnsynced(ctx context.Context, limit int) ([]*model.SyncRecord, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT local_id, remote_id, fields, updated_at, synced_at
		 FROM sync_entities
		 WHERE entity_type = $1 AND (synced_at IS NULL OR updated_at > synced_at)
		 ORDER BY updated_at NULLS FIRST, local_id
		 LIMIT $2`, r.entityType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find unsynced %s: %w", r.entityType, err)
	}
	defer rows.Close()

	var recs []*model.SyncRecord

	for rows.Next() {
		rec, err := r.scan(rows)
		if err != nil {
			return nil, err
		}

		recs = append(recs, rec)
	}

	return recs, rows.Err()
}
