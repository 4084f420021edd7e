//go:build integration

package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jnst/outbound-engine/internal/model"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// newPool starts a migrated PostgreSQL container and returns a pool connected to it.
func newPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, Migrate(dsn))
	require.NoError(t, Migrate(dsn), "an up-to-date schema is not an error")

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func insertItems(t *testing.T, queue QueueRepository, n, maxAttempts int) []*model.QueueItem {
	t.Helper()

	items := make([]*model.QueueItem, 0, n)

	for i := range n {
		item, err := queue.Insert(context.Background(), &model.EnqueueParams{
			Channel:     model.ChannelWhatsApp,
			Direction:   model.DirectionOutbound,
			Destination: "+5511999990000",
			Priority:    model.Priority(i % 4),
			MaxAttempts: maxAttempts,
			Payload:     model.WhatsAppPayload{Text: "hi"},
		}, baseTime.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)

		items = append(items, item)
	}

	return items
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}

	return ""
}

func TestPostgres_QueueRepository(t *testing.T) {
	pool := newPool(t)
	queue := NewQueueRepositoryImpl(pool)
	ctx := context.Background()

	t.Run("concurrent claims are disjoint", func(t *testing.T) {
		insertItems(t, queue, 60, 3)

		var (
			mu   sync.Mutex
			seen = map[int64]int{}
			wg   sync.WaitGroup
		)

		for range 6 {
			wg.Add(1)

			go func() {
				defer wg.Done()

				for {
					claimed, err := queue.ClaimDue(ctx, model.ChannelWhatsApp, 7, baseTime.Add(time.Hour))
					if !assert.NoError(t, err) || len(claimed) == 0 {
						return
					}

					mu.Lock()
					for _, item := range claimed {
						seen[item.ID]++
						assert.Equal(t, model.StatusProcessing, item.Status)
						assert.NotNil(t, item.ClaimedAt)
					}
					mu.Unlock()
				}
			}()
		}

		wg.Wait()

		assert.Len(t, seen, 60)

		for id, n := range seen {
			assert.Equal(t, 1, n, "item %d claimed more than once", id)
		}
	})

	t.Run("claims follow dispatch order", func(t *testing.T) {
		insertItems(t, queue, 4, 3)

		claimed, err := queue.ClaimDue(ctx, model.ChannelWhatsApp, 4, baseTime.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, claimed, 4)
		assert.Equal(t, model.PriorityUrgent, claimed[0].Priority)

		for i := 1; i < len(claimed); i++ {
			assert.LessOrEqual(t, claimed[i-1].Priority, claimed[i].Priority)
		}
	})

	t.Run("status update is conditional on the current status", func(t *testing.T) {
		item := insertItems(t, queue, 1, 3)[0]

		err := queue.UpdateStatus(ctx, item.ID, model.StatusProcessing, model.StatusSent, StatusUpdate{Now: baseTime})
		require.ErrorIs(t, err, model.ErrInvalidTransition)

		err = queue.UpdateStatus(ctx, 1<<40, model.StatusPending, model.StatusProcessing, StatusUpdate{Now: baseTime})
		require.ErrorIs(t, err, model.ErrItemNotFound)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			applied int
		)

		for range 8 {
			wg.Add(1)

			go func() {
				defer wg.Done()

				err := queue.UpdateStatus(ctx, item.ID, model.StatusPending, model.StatusProcessing, StatusUpdate{Now: baseTime})
				if err == nil {
					mu.Lock()
					applied++
					mu.Unlock()

					return
				}

				assert.ErrorIs(t, err, model.ErrInvalidTransition)
			}()
		}

		wg.Wait()
		assert.Equal(t, 1, applied)
	})

	t.Run("external message id is immutable and unique per channel", func(t *testing.T) {
		items := insertItems(t, queue, 2, 3)
		first, second := "wamid-1", "wamid-2"

		require.NoError(t, queue.UpdateStatus(ctx, items[0].ID, model.StatusPending, model.StatusProcessing, StatusUpdate{Now: baseTime}))
		require.NoError(t, queue.UpdateStatus(ctx, items[0].ID, model.StatusProcessing, model.StatusSent,
			StatusUpdate{ExternalMessageID: &first, IncrementAttempts: true, Now: baseTime}))
		require.NoError(t, queue.UpdateStatus(ctx, items[0].ID, model.StatusSent, model.StatusDelivered,
			StatusUpdate{ExternalMessageID: &second, Now: baseTime}))

		got, err := queue.GetByID(ctx, items[0].ID)
		require.NoError(t, err)
		require.NotNil(t, got.ExternalMessageID)
		assert.Equal(t, first, *got.ExternalMessageID)

		found, err := queue.FindByCorrelation(ctx, model.ChannelWhatsApp, first, "")
		require.NoError(t, err)
		assert.Equal(t, items[0].ID, found.ID)

		require.NoError(t, queue.UpdateStatus(ctx, items[1].ID, model.StatusPending, model.StatusProcessing, StatusUpdate{Now: baseTime}))
		err = queue.UpdateStatus(ctx, items[1].ID, model.StatusProcessing, model.StatusSent,
			StatusUpdate{ExternalMessageID: &first, Now: baseTime})
		require.Error(t, err)
		assert.Equal(t, "23505", pgErrorCode(err))
	})

	t.Run("attempts never exceed max attempts", func(t *testing.T) {
		item := insertItems(t, queue, 1, 1)[0]

		require.NoError(t, queue.UpdateStatus(ctx, item.ID, model.StatusPending, model.StatusProcessing, StatusUpdate{Now: baseTime}))
		require.NoError(t, queue.UpdateStatus(ctx, item.ID, model.StatusProcessing, model.StatusPending,
			StatusUpdate{IncrementAttempts: true, Now: baseTime}))
		require.NoError(t, queue.UpdateStatus(ctx, item.ID, model.StatusPending, model.StatusProcessing, StatusUpdate{Now: baseTime}))

		err := queue.UpdateStatus(ctx, item.ID, model.StatusProcessing, model.StatusPending,
			StatusUpdate{IncrementAttempts: true, Now: baseTime})
		require.Error(t, err)
		assert.Equal(t, "23514", pgErrorCode(err))
	})

	t.Run("stale claims return to pending", func(t *testing.T) {
		insertItems(t, queue, 2, 3)

		claimed, err := queue.ClaimDue(ctx, model.ChannelWhatsApp, 2, baseTime)
		require.NoError(t, err)
		require.Len(t, claimed, 2)

		n, err := queue.RecoverStale(ctx, model.ChannelWhatsApp, baseTime.Add(time.Minute), baseTime.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		for _, item := range claimed {
			got, err := queue.GetByID(ctx, item.ID)
			require.NoError(t, err)
			assert.Equal(t, model.StatusPending, got.Status)
			assert.Nil(t, got.ClaimedAt)
		}
	})
}

func TestPostgres_TransactionRollsBack(t *testing.T) {
	pool := newPool(t)
	queue := NewQueueRepositoryImpl(pool)
	history := NewHistoryRepositoryImpl(pool)
	tm := NewTransactionManagerImpl(pool)
	ctx := context.Background()

	item := insertItems(t, queue, 1, 3)[0]
	errAbort := errors.New("abort")

	err := tm.WithTransaction(ctx, func(ctx context.Context) error {
		if err := queue.UpdateStatus(ctx, item.ID, model.StatusPending, model.StatusProcessing, StatusUpdate{Now: baseTime}); err != nil {
			return err
		}

		if _, err := history.Append(ctx, &model.HistoryRecord{
			QueueItemID: item.ID, Channel: model.ChannelWhatsApp, Attempts: 1, CreatedAt: baseTime,
		}); err != nil {
			return err
		}

		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	got, err := queue.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)

	_, err = history.GetByQueueItem(ctx, item.ID)
	require.ErrorIs(t, err, model.ErrItemNotFound)
}

func TestPostgres_WebhookEventsDeduplicate(t *testing.T) {
	pool := newPool(t)
	queue := NewQueueRepositoryImpl(pool)
	events := NewWebhookEventRepositoryImpl(pool)
	ctx := context.Background()

	item := insertItems(t, queue, 1, 3)[0]

	ev := &model.WebhookEvent{
		QueueItemID: item.ID, Channel: model.ChannelWhatsApp, EventType: "status",
		Status: model.StatusDelivered, DedupKey: "wamid-1:delivered",
		OccurredAt: baseTime, CreatedAt: baseTime,
	}

	written, err := events.Record(ctx, ev)
	require.NoError(t, err)
	assert.True(t, written)
	assert.NotZero(t, ev.ID)

	dup := *ev
	dup.ID = 0

	written, err = events.Record(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, written)

	n, err := events.CountByQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPostgres_ScheduleExecutingFlag(t *testing.T) {
	pool := newPool(t)
	schedules := NewScheduleRepositoryImpl(pool)
	ctx := context.Background()

	def := &model.ScheduleDefinition{
		Name: "contacts", EntityType: "contact", Direction: model.DirectionOutbound,
		Cadence: time.Minute, BatchSize: 10, Priority: model.PriorityLow, Enabled: true, NextDue: baseTime,
	}
	require.NoError(t, schedules.Create(ctx, def))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		marks int
	)

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			ok, err := schedules.TryMarkExecuting(ctx, def.ID)
			assert.NoError(t, err)

			if ok {
				mu.Lock()
				marks++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, marks)

	stored, err := schedules.GetByID(ctx, def.ID)
	require.NoError(t, err)
	assert.True(t, stored.Executing)

	require.NoError(t, schedules.RecordRun(ctx, def.ID, baseTime, baseTime.Add(time.Minute)))
	require.NoError(t, schedules.ClearExecuting(ctx, def.ID))

	ok, err := schedules.TryMarkExecuting(ctx, def.ID)
	require.NoError(t, err)
	assert.True(t, ok, "a cleared schedule can run again")

	due, err := schedules.ListDue(ctx, baseTime.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.NotNil(t, due[0].LastRun)
	assert.True(t, due[0].LastRun.Equal(baseTime))
	assert.Equal(t, time.Minute, due[0].Cadence)
}

func TestMigrateDown_DropsSchema(t *testing.T) {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, Migrate(dsn))
	require.NoError(t, MigrateDown(dsn))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	var exists bool
	require.NoError(t, pool.QueryRow(ctx, `SELECT to_regclass('public.queue_items') IS NOT NULL`).Scan(&exists))
	assert.False(t, exists)
}
