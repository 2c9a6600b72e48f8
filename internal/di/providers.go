package di

import (
	"context"
	"fmt"
	"time"

	"WalletPull/internal/domain/repository"
	"WalletPull/internal/handler/api"
	internalrepo "WalletPull/internal/repository"
	"WalletPull/internal/usecase"
	"WalletPull/pkg/cache"
	pkgch "WalletPull/pkg/clickhouse"
	"WalletPull/pkg/config"
	pkgkafka "WalletPull/pkg/kafka"
	applogger "WalletPull/pkg/logger"
	"WalletPull/pkg/metrics"
	pkgqueue "WalletPull/pkg/queue"
	"WalletPull/pkg/server"
)

// ProvideLogger creates the application logger. Console output in
// development, JSON everywhere else.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	format := "json"
	if cfg.Environment == "development" {
		format = "console"
	}
	return applogger.New(&applogger.Config{Level: "info", Format: format, Output: "stdout"})
}

// ProvideRedisCache creates the shared Redis connection.
func ProvideRedisCache(cfg *config.Config) (*cache.RedisCache, error) {
	rc, err := cache.NewRedisCache(
		cache.WithRedisHost(cfg.Redis.Host),
		cache.WithRedisPort(cfg.Redis.Port),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPool(cfg.Redis.PoolSize, cfg.Redis.MinIdleConns, cfg.Redis.PoolTimeout),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	return rc, nil
}

// ProvideCacheService exposes the Redis connection as a cache.Service for
// snapshot caching.
func ProvideCacheService(rc *cache.RedisCache) cache.Service {
	return rc
}

// ProvideJobStore creates the Redis-backed job state store.
func ProvideJobStore(lgr *applogger.Logger, rc *cache.RedisCache, cfg *config.Config) repository.JobStore {
	opts := []internalrepo.JobStoreOption{
		internalrepo.WithDedupTTL(cfg.Aggregation.DedupTTL),
		internalrepo.WithRetentionTTL(cfg.Aggregation.RetentionTTL),
	}
	if cfg.Redis.Prefix != "" {
		opts = append(opts, internalrepo.WithJobKeyPrefix(cfg.Redis.Prefix))
	}
	return internalrepo.NewRedisJobStore(lgr, rc.Client(), opts...)
}

// ProvideKafkaProducer creates a Kafka producer for provider requests.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideRequestBus creates the fan-out bus over the per-provider request
// topics.
func ProvideRequestBus(producer *pkgkafka.Producer, cfg *config.Config) repository.RequestBus {
	return internalrepo.NewKafkaRequestBus(producer, cfg.RequestTopics())
}

// ProvideKafkaConsumer creates the results-topic consumer.
func ProvideKafkaConsumer(cfg *config.Config) (*pkgkafka.Consumer, error) {
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithConsumerHook(pkgkafka.NoopHook{})
	return consumer, nil
}

// ProvideClickHouseClient creates a ClickHouse client for the snapshot
// archive. Returns nil when the archive is disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}

	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.InitSchema(ctx, []string{
		"CREATE DATABASE IF NOT EXISTS " + cfg.ClickHouse.Database,
		"CREATE TABLE IF NOT EXISTS " + cfg.ClickHouse.Database + ".wallet_positions (" +
			"job_id String, generated_at DateTime, kind String, protocol String, " +
			"chain String, account String, symbol String, amount Float64, usd_value Float64" +
			") ENGINE=MergeTree ORDER BY (account, chain, generated_at)",
	}); err != nil {
		_ = client.Close() // cannot log here (DI layer no logger); propagate error
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}

	return client, nil
}

// ProvideArchive creates the snapshot archive repository, nil when
// ClickHouse is disabled.
func ProvideArchive(chClient *pkgch.Client, cfg *config.Config) repository.Archive {
	if chClient == nil {
		return nil
	}
	return internalrepo.NewClickHouseArchive(chClient.DB(), cfg.ClickHouse.Database+".wallet_positions")
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideRegistry builds the provider registry from configuration.
func ProvideRegistry(cfg *config.Config) *usecase.ProviderRegistry {
	return usecase.NewProviderRegistry(cfg.Providers)
}

// ProvideDetectors builds one expansion detector per provider that
// declares expansion rules.
func ProvideDetectors(registry *usecase.ProviderRegistry) []usecase.Detector {
	providers := registry.ScanProviders()
	detectors := make([]usecase.Detector, 0, len(providers))
	for _, p := range providers {
		detectors = append(detectors, usecase.NewCollectionDetector(p, registry.ExpansionRules(p), registry))
	}
	return detectors
}

// ProvideConsolidator creates the consolidation queue job.
func ProvideConsolidator(
	lgr *applogger.Logger,
	store repository.JobStore,
	archive repository.Archive,
	m repository.Metrics,
) *usecase.Consolidator {
	return usecase.NewConsolidator(lgr, store, archive, m)
}

// ProvideQueue creates the consolidation queue with the consolidator job
// registered. It both publishes signals and consumes them.
func ProvideQueue(
	lgr *applogger.Logger,
	cfg *config.Config,
	rc *cache.RedisCache,
	consolidator *usecase.Consolidator,
) *pkgqueue.RedisQueue {
	q := pkgqueue.NewRedisQueue(lgr, &pkgqueue.QueueConfig{
		Workers:    cfg.Queue.Workers,
		RetryLimit: cfg.Queue.RetryLimit,
		RetryDelay: cfg.Queue.RetryDelay,
	}, rc.Client(), pkgqueue.ModeProducerConsumer)
	q.RegisterJob(consolidator)
	return q
}

// ProvideQueueService exposes the queue as its publish-side interface.
func ProvideQueueService(q *pkgqueue.RedisQueue) pkgqueue.QueueService {
	return q
}

// ProvideFinisher creates the consolidation trigger.
func ProvideFinisher(lgr *applogger.Logger, store repository.JobStore, qs pkgqueue.QueueService) *usecase.Finisher {
	return usecase.NewFinisher(lgr, store, qs)
}

// ProvideExpander creates the dynamic job expander.
func ProvideExpander(
	lgr *applogger.Logger,
	store repository.JobStore,
	bus repository.RequestBus,
	detectors []usecase.Detector,
	m repository.Metrics,
) *usecase.Expander {
	return usecase.NewExpander(lgr, store, bus, detectors, m)
}

// ProvideResultHandler creates the results-topic message handler.
func ProvideResultHandler(
	lgr *applogger.Logger,
	cfg *config.Config,
	store repository.JobStore,
	expander *usecase.Expander,
	finisher *usecase.Finisher,
	m repository.Metrics,
) *usecase.ResultHandler {
	return usecase.NewResultHandler(lgr, cfg.Kafka.ResultsTopic, store, expander, finisher, m)
}

// ProvideDispatcher creates the request dispatcher.
func ProvideDispatcher(
	lgr *applogger.Logger,
	store repository.JobStore,
	bus repository.RequestBus,
	registry *usecase.ProviderRegistry,
	finisher *usecase.Finisher,
	m repository.Metrics,
	cfg *config.Config,
) *usecase.Dispatcher {
	return usecase.NewDispatcher(lgr, store, bus, registry, finisher, m, cfg.Aggregation.DispatchRPS)
}

// ProvideMonitor creates the timeout monitor.
func ProvideMonitor(
	lgr *applogger.Logger,
	store repository.JobStore,
	qs pkgqueue.QueueService,
	m repository.Metrics,
	cfg *config.Config,
) *usecase.TimeoutMonitor {
	return usecase.NewTimeoutMonitor(lgr, store, qs, m, cfg.Aggregation.JobDeadline, cfg.Aggregation.MonitorInterval)
}

// ProvidePortfolioHandler creates the HTTP API handler.
func ProvidePortfolioHandler(
	lgr *applogger.Logger,
	dispatcher *usecase.Dispatcher,
	store repository.JobStore,
	snapCache cache.Service,
) *api.PortfolioHandler {
	return api.NewPortfolioHandler(lgr, dispatcher, store, snapCache)
}

// ProvideJobStream creates the WebSocket status streamer.
func ProvideJobStream(lgr *applogger.Logger, store repository.JobStore) *api.JobStream {
	return api.NewJobStream(lgr, store)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	lgr *applogger.Logger,
	consumer *pkgkafka.Consumer,
	rh *usecase.ResultHandler,
	q *pkgqueue.RedisQueue,
	monitor *usecase.TimeoutMonitor,
	portfolio *api.PortfolioHandler,
	stream *api.JobStream,
	bus repository.RequestBus,
	chClient *pkgch.Client,
) *server.App {
	return server.New(cfg, lgr, consumer, rh, q, monitor, portfolio, stream, bus, chClient)
}
