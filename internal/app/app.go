// Package app wires repositories, providers and services from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/rueidis"

	"github.com/jnst/outbound-engine/internal/config"
	"github.com/jnst/outbound-engine/internal/logger"
	"github.com/jnst/outbound-engine/internal/provider"
	"github.com/jnst/outbound-engine/internal/repository"
	"github.com/jnst/outbound-engine/internal/repository/memory"
	"github.com/jnst/outbound-engine/internal/service"
	"github.com/jnst/outbound-engine/internal/telemetry"
	"github.com/jnst/outbound-engine/internal/throttle"
)

const providerRetries = 2

// App holds the constructed services of one process.
type App struct {
	Config     *config.Config
	Queue      service.QueueService
	Dispatcher service.Dispatcher
	Reconciler service.Reconciler
	Scheduler  service.Scheduler

	closers []func()
}

type stores struct {
	queue     repository.QueueRepository
	history   repository.HistoryRepository
	events    repository.WebhookEventRepository
	schedules repository.ScheduleRepository
	tm        repository.TransactionManager
	entities  map[string]repository.EntityRepository
	markers   map[string]repository.SourceMarker
	publisher telemetry.Publisher
}

// SetupDatabase opens the Postgres pool.
func SetupDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return pool, nil
}

// SetupRedis opens the Redis client.
func SetupRedis(cfg *config.Config) (rueidis.Client, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{cfg.RedisAddr},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// New builds every service for cfg. Close releases the connections it opened.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	var (
		st  *stores
		err error
	)

	switch cfg.StoreDriver {
	case "memory":
		st = memoryStores(cfg)
	default:
		st, err = a.postgresStores(ctx, cfg)
	}

	if err != nil {
		a.Close()
		return nil, err
	}

	reporter := logger.NewSlogReporter(slog.Default())

	governor, err := throttle.NewGovernor(cfg.Throttle, st.history)
	if err != nil {
		a.Close()
		return nil, err
	}

	crm := provider.NewCRMClient(cfg.CRM, httpClient(cfg, "crm"))

	registry, err := provider.NewRegistry(
		provider.NewWhatsAppAdapter(cfg.WhatsApp, httpClient(cfg, "whatsapp")),
		provider.NewEmailAdapter(cfg.SMTP, cfg.ProviderTimeout),
		provider.NewCRMSyncAdapter(crm, st.entities, nil),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Queue = service.NewQueueServiceImpl(st.queue, st.tm, cfg.Attempts, nil)
	a.Dispatcher = service.NewDispatcherImpl(st.queue, st.history, st.tm, governor, registry, service.DispatcherOptions{
		RetryDelay: cfg.RetryDelay,
		ClaimLease: cfg.ClaimLease,
		Markers:    st.markers,
		Reporter:   reporter,
	})
	a.Reconciler = service.NewReconcilerImpl(st.queue, st.events, st.tm, cfg.Webhook.Secret, st.publisher, reporter, nil)
	a.Scheduler = service.NewSchedulerImpl(st.schedules, a.Queue, st.entities, crm, st.tm, reporter)

	slog.Info("services ready",
		slog.String("store", cfg.StoreDriver),
		slog.Int("sync_entities", len(st.entities)),
		slog.Int("source_entities", len(st.markers)),
	)

	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}

	a.closers = nil
}

func httpClient(cfg *config.Config, name string) *provider.HTTPClient {
	return provider.NewHTTPClient(provider.HTTPClientOptions{
		Name:       name,
		Timeout:    cfg.ProviderTimeout,
		MaxRetries: providerRetries,
	})
}

func (a *App) postgresStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	pool, err := SetupDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a.closers = append(a.closers, pool.Close)

	redisClient, err := SetupRedis(cfg)
	if err != nil {
		return nil, err
	}

	a.closers = append(a.closers, redisClient.Close)

	st := &stores{
		queue:     repository.NewQueueRepositoryImpl(pool),
		history:   repository.NewHistoryRepositoryImpl(pool),
		events:    repository.NewWebhookEventRepositoryImpl(pool),
		schedules: repository.NewScheduleRepositoryImpl(pool),
		tm:        repository.NewTransactionManagerImpl(pool),
		entities:  make(map[string]repository.EntityRepository, len(cfg.SyncEntities)),
		markers:   make(map[string]repository.SourceMarker, len(cfg.SourceEntities)),
		publisher: telemetry.NewStreamPublisher(redisClient, cfg.TelemetryStream),
	}

	for _, name := range cfg.SyncEntities {
		st.entities[name] = repository.NewEntityRepositoryImpl(pool, name)
	}

	for _, name := range cfg.SourceEntities {
		st.markers[name] = repository.NewSourceMarkerImpl(pool, name, nil)
	}

	return st, nil
}

// memoryStores keeps everything in process. Telemetry goes straight to in-memory counters.
func memoryStores(cfg *config.Config) *stores {
	st := &stores{
		queue:     memory.NewQueueRepository(),
		history:   memory.NewHistoryRepository(),
		events:    memory.NewWebhookEventRepository(),
		schedules: memory.NewScheduleRepository(),
		tm:        memory.TransactionManager{},
		entities:  make(map[string]repository.EntityRepository, len(cfg.SyncEntities)),
		markers:   make(map[string]repository.SourceMarker, len(cfg.SourceEntities)),
		publisher: telemetry.CountingPublisher{Counters: telemetry.NewMemoryCounters()},
	}

	for _, name := range cfg.SyncEntities {
		st.entities[name] = memory.NewEntityRepository(name)
	}

	for _, name := range cfg.SourceEntities {
		st.markers[name] = memory.NewSourceMarker()
	}

	return st
}
