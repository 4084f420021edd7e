package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jnst/outbound-engine/internal/logger"
	"github.com/jnst/outbound-engine/internal/model"
	"github.com/jnst/outbound-engine/internal/repository"
)

// SchedulerImpl implements Scheduler.
type SchedulerImpl struct {
	scheduleRepo   repository.ScheduleRepository
	queueService   QueueService
	entities       map[string]repository.EntityRepository
	remote         RemoteLister
	transactionMgr repository.TransactionManager
	reporter       logger.Reporter
}

// NewSchedulerImpl creates a new Scheduler implementation.
func NewSchedulerImpl(
	scheduleRepo repository.ScheduleRepository,
	queueService QueueService,
	entities map[string]repository.EntityRepository,
	remote RemoteLister,
	transactionMgr repository.TransactionManager,
	reporter logger.Reporter,
) Scheduler {
	if reporter == nil {
		reporter = logger.NopReporter{}
	}

	return &SchedulerImpl{
		scheduleRepo:   scheduleRepo,
		queueService:   queueService,
		entities:       entities,
		remote:         remote,
		transactionMgr: transactionMgr,
		reporter:       reporter,
	}
}

// Tick enqueues sync work for every enabled schedule due at now.
// A failing schedule keeps its next_due and does not stop the others.
func (s *SchedulerImpl) Tick(ctx context.Context, now time.Time) ([]ScheduleResult, error) {
	due, err := s.scheduleRepo.ListDue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}

	results := make([]ScheduleResult, 0, len(due))

	for _, def := range due {
		res := s.run(ctx, def, now)
		if res.Error != "" {
			s.reporter.Report(ctx, "scheduler", errors.New(res.Error),
				slog.Int64("schedule_id", def.ID), slog.String("schedule", def.Name))
		}

		results = append(results, res)
	}

	return results, nil
}

func (s *SchedulerImpl) run(ctx context.Context, def *model.ScheduleDefinition, now time.Time) ScheduleResult {
	res := ScheduleResult{ScheduleID: def.ID, Name: def.Name, NextDue: def.NextDue}

	marked, err := s.scheduleRepo.TryMarkExecuting(ctx, def.ID)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	if !marked {
		slog.Info("schedule still executing", slog.Int64("schedule_id", def.ID), slog.String("error", model.ErrScheduleBusy.Error()))
		res.Skipped = true

		return res
	}

	defer func() {
		if err := s.scheduleRepo.ClearExecuting(context.WithoutCancel(ctx), def.ID); err != nil {
			s.reporter.Report(ctx, "scheduler", err, slog.Int64("schedule_id", def.ID))
		}
	}()

	params, err := s.collect(ctx, def)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	next := def.Advance(now)

	err = s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		n, err := s.queueService.EnqueueBatch(ctx, params)
		if err != nil {
			return err
		}

		res.Enqueued = n

		return s.scheduleRepo.RecordRun(ctx, def.ID, now, next)
	})
	if err != nil {
		res.Enqueued = 0
		res.Error = err.Error()

		return res
	}

	res.NextDue = next

	slog.Info("schedule executed",
		slog.Int64("schedule_id", def.ID),
		slog.String("schedule", def.Name),
		slog.Int("enqueued", res.Enqueued),
		slog.Time("next_due", next),
	)

	return res
}

// collect builds one crm_sync item per candidate record that has no pending item yet.
func (s *SchedulerImpl) collect(ctx context.Context, def *model.ScheduleDefinition) ([]*model.EnqueueParams, error) {
	var candidates []*model.CrmSyncPayload

	if def.Direction == model.DirectionOutbound || def.Direction == model.DirectionBidirectional {
		repo, ok := s.entities[def.EntityType]
		if !ok {
			return nil, fmt.Errorf("%w: no local repository for %q", model.ErrValidation, def.EntityType)
		}

		records, err := repo.FindUnsynced(ctx, def.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to find unsynced %s: %w", def.EntityType, err)
		}

		for _, rec := range records {
			candidates = append(candidates, &model.CrmSyncPayload{
				EntityType: def.EntityType,
				LocalID:    rec.LocalID,
				RemoteID:   rec.RemoteID,
				Origin:     model.SideLocal,
			})
		}
	}

	if def.Direction == model.DirectionInboundImport || def.Direction == model.DirectionBidirectional {
		if s.remote == nil {
			return nil, fmt.Errorf("%w: no remote lister configured", model.ErrValidation)
		}

		var since time.Time
		if def.LastRun != nil {
			since = *def.LastRun
		}

		records, err := s.remote.ListChanged(ctx, def.EntityType, since, def.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list changed %s: %w", def.EntityType, err)
		}

		seen := make(map[string]bool, len(candidates))
		for _, c := range candidates {
			if c.RemoteID != "" {
				seen[c.RemoteID] = true
			}
		}

		for _, rec := range records {
			if rec.RemoteID == "" || seen[rec.RemoteID] {
				continue
			}

			seen[rec.RemoteID] = true
			candidates = append(candidates, &model.CrmSyncPayload{
				EntityType: def.EntityType,
				RemoteID:   rec.RemoteID,
				Origin:     model.SideRemote,
			})
		}
	}

	params := make([]*model.EnqueueParams, 0, len(candidates))

	for _, c := range candidates {
		destination := destinationOf(c)

		pending, err := s.queueService.ListPending(ctx, model.PendingFilter{
			Channel:     model.ChannelCRMSync,
			Destination: destination,
			Limit:       1,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to check pending sync for %s: %w", destination, err)
		}

		if len(pending) > 0 {
			continue
		}

		c.Strategy = def.Strategy
		c.ScheduleID = def.ID

		params = append(params, &model.EnqueueParams{
			Channel:     model.ChannelCRMSync,
			Direction:   def.Direction,
			Payload:     *c,
			Destination: destination,
			Priority:    def.Priority,
		})
	}

	return params, nil
}

// destinationOf names the synced entity as entity_type:id, preferring the local id.
func destinationOf(p *model.CrmSyncPayload) string {
	if p.LocalID != "" {
		return p.EntityType + ":" + p.LocalID
	}

	return p.EntityType + ":remote:" + p.RemoteID
}
