package di

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/segmentio/kafka-go"

	"AstroSeis/internal/domain/repository"
	"AstroSeis/internal/handler/api"
	internalrepo "AstroSeis/internal/repository"
	"AstroSeis/internal/service/cache"
	"AstroSeis/internal/service/ephemeris"
	runmetrics "AstroSeis/internal/service/metrics"
	"AstroSeis/internal/service/ratelimit"
	"AstroSeis/internal/usecase"
	pkgch "AstroSeis/pkg/clickhouse"
	"AstroSeis/pkg/config"
	xhttp "AstroSeis/pkg/http"
	pkgkafka "AstroSeis/pkg/kafka"
	applogger "AstroSeis/pkg/logger"
	"AstroSeis/pkg/metrics"
	"AstroSeis/pkg/server"
)

// maxIngestPayload caps one ingest message.
const maxIngestPayload = 8 << 20

// ProvideLogger builds the application logger from the log section.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(applogger.String("env", cfg.Environment)), nil
}

// ProvideRegistry creates the registry every collector registers on.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// ProvideMetrics creates the stage metrics recorder.
func ProvideMetrics(cfg *config.Config, reg *prometheus.Registry) repository.Metrics {
	if !cfg.Metrics.Enabled {
		return metrics.Nop{}
	}
	return metrics.New(reg)
}

func ProvideRunMetrics(reg *prometheus.Registry) *runmetrics.RunMetrics {
	return runmetrics.NewRunMetrics(reg)
}

// ProvideClickHouseClient connects to ClickHouse. It returns nil when
// ClickHouse is disabled.
func ProvideClickHouseClient(cfg *config.Config, l *applogger.Logger) (*pkgch.Client, func(), error) {
	if !cfg.ClickHouse.Enabled {
		return nil, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := pkgch.NewClient(ctx,
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
		pkgch.WithPool(cfg.ClickHouse.MaxOpenConns, cfg.ClickHouse.MaxIdleConns, cfg.ClickHouse.ConnMaxLifetime),
		pkgch.WithBatchRows(cfg.ClickHouse.BatchRows),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse client: %w", err)
	}
	if cfg.ClickHouse.InitSchema {
		if err := client.InitSchema(ctx, []string{"CREATE DATABASE IF NOT EXISTS " + cfg.ClickHouse.Database}); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
		}
	}
	l.Info("clickhouse connected", applogger.String("database", cfg.ClickHouse.Database))
	cleanup := func() {
		if err := client.Close(); err != nil {
			l.Warn("clickhouse close failed", applogger.Error(err))
		}
	}
	return client, cleanup, nil
}

// ProvideCache returns Redis when enabled, otherwise an in-process TTL cache.
func ProvideCache(cfg *config.Config, l *applogger.Logger) (cache.BytesCache, func(), error) {
	if !cfg.Redis.Enabled {
		return cache.NewTTLCache(256), func() {}, nil
	}
	rc, err := cache.NewRedisCache(context.Background(), cache.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("redis cache: %w", err)
	}
	cleanup := func() {
		if err := rc.Close(); err != nil {
			l.Warn("redis close failed", applogger.Error(err))
		}
	}
	return rc, cleanup, nil
}

func initTables(cfg *config.Config, init func(context.Context) error) error {
	if !cfg.ClickHouse.InitSchema {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return init(ctx)
}

// ProvideCatalogStore returns the ClickHouse catalog table, or nil when
// ClickHouse is disabled.
func ProvideCatalogStore(cfg *config.Config, ch *pkgch.Client, l *applogger.Logger) (*internalrepo.CHCatalogStore, error) {
	if ch == nil {
		return nil, nil
	}
	store := internalrepo.NewCHCatalogStore(ch, l)
	if err := initTables(cfg, store.Init); err != nil {
		return nil, fmt.Errorf("catalog table: %w", err)
	}
	return store, nil
}

// ProvideEphemerisStore returns the ClickHouse ephemeris table, or nil when
// ClickHouse is disabled.
func ProvideEphemerisStore(cfg *config.Config, ch *pkgch.Client, l *applogger.Logger) (*internalrepo.CHEphemerisStore, error) {
	if ch == nil {
		return nil, nil
	}
	store := internalrepo.NewCHEphemerisStore(ch, l)
	if err := initTables(cfg, store.Init); err != nil {
		return nil, fmt.Errorf("ephemeris table: %w", err)
	}
	return store, nil
}

// ProvideCatalogSource picks where runs read raw events from.
func ProvideCatalogSource(cfg *config.Config, store *internalrepo.CHCatalogStore) repository.CatalogSource {
	if cfg.Pipeline.Catalog.Source == "clickhouse" {
		return store
	}
	return internalrepo.NewFileCatalogSource(cfg.Pipeline.Catalog.Path)
}

// ProvideEphemerisSource picks the ephemeris backend and puts the range
// cache in front of it.
func ProvideEphemerisSource(
	cfg *config.Config,
	store *internalrepo.CHEphemerisStore,
	c cache.BytesCache,
	m repository.Metrics,
	l *applogger.Logger,
) repository.EphemerisSource {
	var src repository.EphemerisSource
	switch cfg.Ephemeris.Source {
	case "clickhouse":
		src = store
	default:
		client := xhttp.NewClient(
			xhttp.WithTimeout(cfg.Ephemeris.Timeout),
			xhttp.WithRetries(cfg.Ephemeris.Retries, 500*time.Millisecond),
		)
		src = ephemeris.NewHTTPSource(cfg.Ephemeris.ServiceURL, client, m, l)
	}
	if cfg.Ephemeris.CacheTTL <= 0 {
		return src
	}
	return ephemeris.NewCachedSource(src, c, cfg.Ephemeris.CacheTTL, l)
}

// ProvideResultStore keeps results in ClickHouse when available, in memory
// otherwise, with the cache in front.
func ProvideResultStore(cfg *config.Config, ch *pkgch.Client, c cache.BytesCache, l *applogger.Logger) (repository.ResultStore, error) {
	var next repository.ResultStore = internalrepo.NewMemoryResultStore()
	if ch != nil {
		store := internalrepo.NewCHResultStore(ch, l)
		if err := initTables(cfg, store.Init); err != nil {
			return nil, fmt.Errorf("result table: %w", err)
		}
		next = store
	}
	return internalrepo.NewCachedResultStore(next, c, cfg.Redis.ResultTTL, l), nil
}

// ProvideKafkaProducer creates the results producer, or nil when Kafka is
// disabled.
func ProvideKafkaProducer(cfg *config.Config, reg *prometheus.Registry) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchBytes, cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.WriteTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
		pkgkafka.WithProducerMetrics(reg),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideResultPublisher announces results on Kafka when a producer exists.
// Closing the publisher closes the producer.
func ProvideResultPublisher(cfg *config.Config, producer *pkgkafka.Producer) repository.ResultPublisher {
	if producer == nil {
		return internalrepo.NopResultPublisher{}
	}
	return internalrepo.NewKafkaResultPublisher(producer, cfg.Kafka.ResultsTopic)
}

// ProvideIngestHandlers lists the topics the consumer serves. Ingest needs
// both Kafka and ClickHouse.
func ProvideIngestHandlers(
	cfg *config.Config,
	catalogStore *internalrepo.CHCatalogStore,
	ephemerisStore *internalrepo.CHEphemerisStore,
	m repository.Metrics,
	l *applogger.Logger,
) []pkgkafka.MessageHandler {
	if !cfg.Kafka.Enabled || catalogStore == nil {
		return nil
	}
	handlers := []pkgkafka.MessageHandler{
		usecase.NewCatalogIngestHandler(cfg.Kafka.CatalogTopic, catalogStore, m, l.With(applogger.String("topic", cfg.Kafka.CatalogTopic))),
	}
	if cfg.Kafka.EphemerisTopic != "" {
		handlers = append(handlers,
			usecase.NewEphemerisIngestHandler(cfg.Kafka.EphemerisTopic, ephemerisStore, m, l.With(applogger.String("topic", cfg.Kafka.EphemerisTopic))))
	}
	return handlers
}

// ProvideKafkaConsumer creates the ingest consumer with every handler
// registered, or nil when there is nothing to consume.
func ProvideKafkaConsumer(
	cfg *config.Config,
	reg *prometheus.Registry,
	handlers []pkgkafka.MessageHandler,
	m repository.Metrics,
	l *applogger.Logger,
) (*pkgkafka.Consumer, error) {
	if len(handlers) == 0 {
		return nil, nil
	}
	kc := cfg.Kafka.Consumer
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(kc.GroupID),
		pkgkafka.WithConsumerWorkers(kc.Workers),
		pkgkafka.WithConsumerBufferSize(kc.BufferSize),
		pkgkafka.WithConsumerRetry(kc.RetryMax, kc.BackoffMin, kc.BackoffMax),
		pkgkafka.WithConsumerDLQ(kc.DLQTopic),
		pkgkafka.WithConsumerFetch(kc.MinBytes, kc.MaxBytes),
		pkgkafka.WithConsumerMetrics(reg),
		pkgkafka.WithConsumerLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	for _, h := range handlers {
		consumer.RegisterHandler(h)
	}
	hook := pkgkafka.MaxPayload(maxIngestPayload)
	hook.Err = func(_ context.Context, topic string, _ kafka.Message, _ []byte, _ error) {
		m.RecordError("ingest_" + topic)
	}
	consumer.WithConsumerHook(hook)
	return consumer, nil
}

func ProvidePipeline(
	cfg *config.Config,
	catalog repository.CatalogSource,
	eph repository.EphemerisSource,
	results repository.ResultStore,
	publisher repository.ResultPublisher,
	m repository.Metrics,
	l *applogger.Logger,
) *usecase.Pipeline {
	return usecase.NewPipeline(cfg.Pipeline, catalog, eph, results, publisher, m, l.With(applogger.String("component", "pipeline")))
}

func ProvideRunner(cfg *config.Config, p *usecase.Pipeline, results repository.ResultStore, rm *runmetrics.RunMetrics, l *applogger.Logger) *usecase.Runner {
	return usecase.NewRunner(p, results, rm, cfg.Server.MaxActiveRuns, l.With(applogger.String("component", "runner")))
}

func ProvideRunsHandler(cfg *config.Config, runner *usecase.Runner, l *applogger.Logger) *api.RunsHandler {
	return api.NewRunsHandler(runner, ratelimit.New(cfg.Server.RunsPerSecond, cfg.Server.RunsBurst), l)
}

// ProvideHealthHandler checks the external stores the service depends on.
func ProvideHealthHandler(ch *pkgch.Client, c cache.BytesCache) *api.HealthHandler {
	checks := map[string]api.HealthCheck{}
	if ch != nil {
		checks["clickhouse"] = ch.Health
	}
	if rc, ok := c.(*cache.RedisCache); ok {
		checks["redis"] = rc.Health
	}
	return api.NewHealthHandler(checks)
}

func ProvideHTTPServer(
	cfg *config.Config,
	l *applogger.Logger,
	reg *prometheus.Registry,
	runs *api.RunsHandler,
	health *api.HealthHandler,
) *xhttp.Server {
	metricsOpt := xhttp.WithMetrics("", nil, nil)
	if cfg.Metrics.Enabled {
		metricsOpt = xhttp.WithMetrics(cfg.Metrics.Path, reg, reg)
	}
	return xhttp.NewServer(l, []xhttp.Handler{runs, health},
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		metricsOpt,
	)
}

func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	srv *xhttp.Server,
	runner *usecase.Runner,
	consumer *pkgkafka.Consumer,
	publisher repository.ResultPublisher,
) *server.App {
	return server.New(cfg, l, srv, runner, consumer, publisher)
}
