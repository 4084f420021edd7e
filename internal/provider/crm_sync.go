package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jnst/outbound-engine/internal/conflict"
	"github.com/jnst/outbound-engine/internal/model"
	"github.com/jnst/outbound-engine/internal/repository"
)

// CRMSyncAdapter moves entity state between a local repository and the CRM.
type CRMSyncAdapter struct {
	remote   RemoteStore
	entities map[string]repository.EntityRepository
	now      func() time.Time
}

// NewCRMSyncAdapter creates the crm_sync adapter. entities maps entity type to its repository.
func NewCRMSyncAdapter(remote RemoteStore, entities map[string]repository.EntityRepository, now func() time.Time) *CRMSyncAdapter {
	if now == nil {
		now = time.Now
	}

	return &CRMSyncAdapter{remote: remote, entities: entities, now: now}
}

// Channel returns model.ChannelCRMSync.
func (*CRMSyncAdapter) Channel() model.Channel { return model.ChannelCRMSync }

// Send performs the sync described by the item's direction.
func (a *CRMSyncAdapter) Send(ctx context.Context, item *model.QueueItem) Result {
	payload, ok := item.Payload.(model.CrmSyncPayload)
	if !ok {
		return Result{Err: payloadError(item, model.ChannelCRMSync)}
	}

	repo, ok := a.entities[payload.EntityType]
	if !ok {
		return Result{Err: model.NewPermanentError("unknown_entity", "no repository for entity type %q", payload.EntityType)}
	}

	var (
		rec *model.SyncRecord
		err error
	)

	switch item.Direction {
	case model.DirectionOutbound:
		rec, err = a.push(ctx, repo, payload)
	case model.DirectionInboundImport:
		rec, err = a.pull(ctx, repo, payload)
	case model.DirectionBidirectional:
		rec, err = a.reconcile(ctx, repo, payload)
	default:
		err = model.NewPermanentError("direction", "unsupported direction %q", item.Direction)
	}

	if err != nil {
		return Failed(err)
	}

	return Result{Success: true, LocalID: rec.LocalID, RemoteID: rec.RemoteID}
}

func (a *CRMSyncAdapter) loadLocal(ctx context.Context, repo repository.EntityRepository, p model.CrmSyncPayload) (*model.SyncRecord, error) {
	if p.LocalID != "" {
		return repo.FindByID(ctx, p.LocalID)
	}

	return repo.FindByRemoteID(ctx, p.RemoteID)
}

func permanentIfMissing(err error) error {
	if errors.Is(err, model.ErrEntityNotFound) {
		return model.NewPermanentError("not_found", "%v", err)
	}

	return err
}

// push writes the local record to the CRM and records the remote id locally.
func (a *CRMSyncAdapter) push(ctx context.Context, repo repository.EntityRepository, p model.CrmSyncPayload) (*model.SyncRecord, error) {
	local, err := a.loadLocal(ctx, repo, p)
	if err != nil {
		return nil, permanentIfMissing(err)
	}

	return a.pushRecord(ctx, repo, local)
}

func (a *CRMSyncAdapter) pushRecord(ctx context.Context, repo repository.EntityRepository, local *model.SyncRecord) (*model.SyncRecord, error) {
	remote, err := a.remote.UpsertRecord(ctx, local)
	if err != nil {
		return nil, err
	}

	local.RemoteID = remote.RemoteID

	return a.markSynced(ctx, repo, local)
}

// pull imports the CRM record, creating the local copy when none exists yet.
func (a *CRMSyncAdapter) pull(ctx context.Context, repo repository.EntityRepository, p model.CrmSyncPayload) (*model.SyncRecord, error) {
	remoteID := p.RemoteID

	var local *model.SyncRecord

	if remoteID == "" {
		existing, err := repo.FindByID(ctx, p.LocalID)
		if err != nil {
			return nil, permanentIfMissing(err)
		}

		if existing.RemoteID == "" {
			return nil, model.NewPermanentError("not_linked", "%s %s has no remote id to import", p.EntityType, p.LocalID)
		}

		local, remoteID = existing, existing.RemoteID
	}

	remote, err := a.remote.GetRecord(ctx, p.EntityType, remoteID)
	if err != nil {
		return nil, permanentIfMissing(err)
	}

	if local == nil {
		local, err = a.loadLocal(ctx, repo, p)
		if err != nil && !errors.Is(err, model.ErrEntityNotFound) {
			return nil, err
		}
	}

	return a.importRecord(ctx, repo, local, remote)
}

func (a *CRMSyncAdapter) importRecord(
	ctx context.Context, repo repository.EntityRepository, local, remote *model.SyncRecord,
) (*model.SyncRecord, error) {
	rec := remote.Clone()
	if local != nil {
		rec.LocalID = local.LocalID
	}

	return a.markSynced(ctx, repo, rec)
}

// reconcile resolves a record present on both sides; a record present on one side is copied to the other.
func (a *CRMSyncAdapter) reconcile(ctx context.Context, repo repository.EntityRepository, p model.CrmSyncPayload) (*model.SyncRecord, error) {
	local, err := a.loadLocal(ctx, repo, p)
	if err != nil && !errors.Is(err, model.ErrEntityNotFound) {
		return nil, err
	}

	remoteID := p.RemoteID
	if remoteID == "" && local != nil {
		remoteID = local.RemoteID
	}

	var remote *model.SyncRecord

	if remoteID != "" {
		remote, err = a.remote.GetRecord(ctx, p.EntityType, remoteID)
		if err != nil && !errors.Is(err, model.ErrEntityNotFound) {
			return nil, err
		}
	}

	switch {
	case local == nil && remote == nil:
		return nil, model.NewPermanentError("not_found", "%s missing on both sides", p.EntityType)
	case remote == nil:
		local.RemoteID = ""
		return a.pushRecord(ctx, repo, local)
	case local == nil:
		return a.importRecord(ctx, repo, nil, remote)
	}

	strategy := p.Strategy
	if strategy == "" {
		strategy = model.StrategyMostRecent
	}

	res, err := conflict.Resolve(local, remote, strategy)
	if err != nil {
		return nil, err
	}

	canonical := res.Record

	if res.WriteRemote {
		written, err := a.remote.UpsertRecord(ctx, canonical)
		if err != nil {
			return nil, err
		}

		canonical.RemoteID = written.RemoteID
	}

	if res.WriteLocal {
		canonical.UpdatedAt = latest(local.UpdatedAt, remote.UpdatedAt)
	} else {
		canonical.UpdatedAt = local.UpdatedAt
	}

	slog.Debug("crm record reconciled",
		slog.String("entity_type", p.EntityType),
		slog.String("local_id", canonical.LocalID),
		slog.String("remote_id", canonical.RemoteID),
		slog.String("winner", string(res.Winner)),
		slog.Bool("write_local", res.WriteLocal),
		slog.Bool("write_remote", res.WriteRemote),
	)

	return a.markSynced(ctx, repo, canonical)
}

// markSynced stamps synced_at so the record drops out of the needs-sync query.
func (a *CRMSyncAdapter) markSynced(ctx context.Context, repo repository.EntityRepository, rec *model.SyncRecord) (*model.SyncRecord, error) {
	now := a.now()
	rec.SyncedAt = &now

	if rec.UpdatedAt != nil && rec.UpdatedAt.After(now) {
		rec.UpdatedAt = &now
	}

	saved, err := repo.Save(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to save synced %s: %w", rec.EntityType, err)
	}

	return saved, nil
}

func latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}
