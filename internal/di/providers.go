package di

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	segkafka "github.com/segmentio/kafka-go"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/repository"
	domsvc "github.com/obertruper/BOT-AI-V3-sub001/internal/domain/service"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/handler/api"
	mid "github.com/obertruper/BOT-AI-V3-sub001/internal/middleware"
	internalrepo "github.com/obertruper/BOT-AI-V3-sub001/internal/repository"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/service/bybit"
	icache "github.com/obertruper/BOT-AI-V3-sub001/internal/service/cache"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/services/execution"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/services/features"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/services/marketdata"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/services/predictor"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/services/reconcile"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/services/risk"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/usecase"
	pcache "github.com/obertruper/BOT-AI-V3-sub001/pkg/cache"
	pkgch "github.com/obertruper/BOT-AI-V3-sub001/pkg/clickhouse"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/config"
	pkgkafka "github.com/obertruper/BOT-AI-V3-sub001/pkg/kafka"
	applogger "github.com/obertruper/BOT-AI-V3-sub001/pkg/logger"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/metrics"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/queue"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/server"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/util"
)

// ProvideLogger creates the application logger. Production logs JSON for the
// collector, everything else gets the console writer.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	format := "console"
	if cfg.Environment == "production" {
		format = "json"
	}
	l, err := applogger.New(&applogger.Config{Level: "info", Format: format, Output: "stdout"})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l, nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideClickHouseClient creates a ClickHouse client and prepares the schema.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
		pkgch.WithCompression(cfg.ClickHouse.Compression),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db := cfg.ClickHouse.Database
	stmts := []string{
		"CREATE DATABASE IF NOT EXISTS " + db,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.signals (
            id String, symbol String, type String,
            confidence Float64, agreement Float64, score Float64,
            primary_horizon String, reference_price Float64, stop_loss Float64,
            take_profits String, strategy_id String, fingerprint String,
            created_at DateTime, expires_at DateTime
        ) ENGINE=MergeTree ORDER BY (symbol, created_at)`, db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.position_events (
            id String, position_id String, symbol String, kind String,
            price Float64, fraction Float64, stop_price Float64,
            reason String, ts DateTime
        ) ENGINE=MergeTree ORDER BY (symbol, ts)`, db),
	}
	for _, suffix := range []string{"1m", "5m", "15m", "1h"} {
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.candles_%s (
            open_time DateTime, symbol String,
            open Float64, high Float64, low Float64, close Float64, vol Float64
        ) ENGINE=ReplacingMergeTree ORDER BY (symbol, open_time)`, db, suffix))
	}
	if err := client.InitSchema(ctx, stmts); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}

	return client, nil
}

// ProvideKafkaProducer creates a Kafka producer.
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

// ProvideKafkaConsumer creates the fills consumer configured from YAML.
func ProvideKafkaConsumer(cfg *config.Config, log *applogger.Logger) (*pkgkafka.Consumer, error) {
	consumer, err := pkgkafka.NewConsumer(log,
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
	return consumer, nil
}

// ProvideSignalStore creates the ClickHouse signal store.
func ProvideSignalStore(chClient *pkgch.Client, cfg *config.Config, log *applogger.Logger) repository.SignalStore {
	store := internalrepo.NewCHSignalStore(chClient.DB(), cfg.ClickHouse.Database+".signals")
	store.SetLogger(log)
	return store
}

// ProvideEventStore creates the ClickHouse position event store.
func ProvideEventStore(chClient *pkgch.Client, cfg *config.Config, log *applogger.Logger) repository.PositionEventStore {
	store := internalrepo.NewCHEventStore(chClient.DB(), cfg.ClickHouse.Database+".position_events")
	store.SetLogger(log)
	return store
}

// ProvideCandleArchive creates the ClickHouse candle archive.
func ProvideCandleArchive(chClient *pkgch.Client, cfg *config.Config, log *applogger.Logger) repository.CandleArchive {
	archive := internalrepo.NewCHCandleArchive(chClient.DB(), cfg.ClickHouse.Database)
	archive.SetLogger(log)
	return archive
}

// ProvidePublisher creates the Kafka publisher for signals and events.
func ProvidePublisher(producer *pkgkafka.Producer, cfg *config.Config, log *applogger.Logger) repository.Publisher {
	// The alerts topic also backs the log alert collector: repeated
	// error-level entries are deduplicated and batch-published instead of
	// flooding the topic one message per occurrence.
	if cfg.Kafka.AlertsTopic != "" {
		log.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   30 * time.Second,
			CountThreshold: 100,
			Topic:          cfg.Kafka.AlertsTopic,
			Publisher:      alertPublisher{producer: producer},
		})
	}
	return internalrepo.NewKafkaPublisher(producer, cfg.Kafka.SignalsTopic, cfg.Kafka.EventsTopic, cfg.Kafka.AlertsTopic)
}

// alertPublisher adapts the Kafka producer to the collector's publisher port.
type alertPublisher struct {
	producer *pkgkafka.Producer
}

func (a alertPublisher) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	return a.producer.Publish(ctx, topic, nil, payload)
}

// ProvideJobQueue creates the Redis audit queue with persistence jobs
// registered. Returns nil when Redis is disabled; the emitter then writes to
// ClickHouse directly.
func ProvideJobQueue(
	cfg *config.Config,
	log *applogger.Logger,
	store repository.SignalStore,
	events repository.PositionEventStore,
) *queue.RedisQueue {
	if !cfg.Redis.Enabled {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	q := queue.NewRedisQueue(log, &queue.QueueConfig{
		Workers:    cfg.Redis.Queue.Workers,
		RetryLimit: cfg.Redis.Queue.MaxRetries,
		RetryDelay: cfg.Redis.Queue.RetryDelay,
	}, client, queue.WithKeyPrefix(cfg.Redis.Queue.KeyPrefix))
	q.RegisterJob(usecase.NewSaveSignalJob(store))
	q.RegisterJob(usecase.NewSaveEventJob(events))
	return q
}

// ProvideSignalEmitter creates the emitter routing signals to the configured
// backend.
func ProvideSignalEmitter(
	pub repository.Publisher,
	store repository.SignalStore,
	events repository.PositionEventStore,
	jobQueue *queue.RedisQueue,
	m repository.Metrics,
	log *applogger.Logger,
	cfg *config.Config,
) *usecase.SignalEmitter {
	// A nil *RedisQueue must stay a nil interface inside the emitter.
	var jobs queue.QueueService
	if jobQueue != nil {
		jobs = jobQueue
	}
	return usecase.NewSignalEmitter(pub, store, events, jobs, m, log, cfg.Backend.Type)
}

// ProvideCandleSource creates the Bybit REST client.
func ProvideCandleSource(cfg *config.Config, log *applogger.Logger) repository.CandleSource {
	return bybit.NewClient(cfg, log)
}

// ProvideTickStream creates the Bybit WebSocket stream.
func ProvideTickStream(cfg *config.Config, log *applogger.Logger) repository.TickStream {
	return bybit.NewStream(cfg, log)
}

// ProvideMarketData creates the in-memory candle cache backed by the REST
// client, archiving fetched batches to ClickHouse off the hot path.
func ProvideMarketData(
	source repository.CandleSource,
	archive repository.CandleArchive,
	cfg *config.Config,
	log *applogger.Logger,
) *marketdata.Cache {
	return marketdata.NewCache(source, log,
		marketdata.WithMaxCandles(cfg.MarketData.MaxCandles),
		marketdata.WithStaleTolerance(cfg.MarketData.StaleTolerance),
		marketdata.WithFetchTimeout(cfg.MarketData.FetchTimeout),
		marketdata.WithEvictAfter(cfg.MarketData.EvictAfter),
		marketdata.WithArchiver(func(batch []models.Candle) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := archive.ArchiveCandles(ctx, batch); err != nil {
				log.Warn("candle archive failed",
					applogger.Int("batch", len(batch)),
					applogger.Error(err),
				)
			}
		}),
	)
}

// ProvideFeatureEngine creates the feature engine on the configured lookback.
func ProvideFeatureEngine(cfg *config.Config) *features.Engine {
	return features.NewEngine(
		features.WithLookback(cfg.MarketData.Lookback),
		features.WithTimeframe(models.NormalizeTimeframe(cfg.Bybit.Timeframe)),
	)
}

// ProvideFeatureComputer wraps the engine with a feature vector cache when a
// TTL is configured: layered over Redis when enabled, process-local memory
// otherwise.
func ProvideFeatureComputer(engine *features.Engine, cfg *config.Config) (usecase.FeatureComputer, error) {
	ttl := cfg.MarketData.FeatureCacheTTL
	if ttl <= 0 {
		return engine, nil
	}
	if cfg.Redis.Enabled {
		host, port := splitHostPort(cfg.Redis.Addr)
		rc, err := pcache.NewRedisCache(
			pcache.WithRedisHost(host),
			pcache.WithRedisPort(port),
			pcache.WithRedisPassword(cfg.Redis.Password),
			pcache.WithRedisDB(cfg.Redis.DB),
			pcache.WithRedisPrefix("botai:cache"),
		)
		if err != nil {
			return nil, fmt.Errorf("feature cache: %w", err)
		}
		layered := pcache.NewLayeredCache(rc, pcache.WithLayeredMemorySize(cfg.MarketData.FeatureCacheSize))
		return features.NewCachedEngine(engine, layered, ttl), nil
	}
	memory := pcache.NewMemoryCache(pcache.WithMemoryMaxSize(cfg.MarketData.FeatureCacheSize))
	return features.NewCachedEngine(engine, memory, ttl), nil
}

func splitHostPort(addr string) (string, int) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 6379
	}
	return host, util.ParseIntDefault(port, 6379)
}

// ProvideModelAdapter creates the HTTP model client wrapped in the
// domain adapter. The input dimension is pinned to the engine's output.
func ProvideModelAdapter(cfg *config.Config, engine *features.Engine) *predictor.Adapter {
	return predictor.NewAdapter(predictor.NewHTTPModel(cfg, engine.Dim()))
}

// ProvideReconciler creates the signal reconciler from config.
func ProvideReconciler(cfg *config.Config) *reconcile.Reconciler {
	opts := []reconcile.ReconcilerOption{
		reconcile.WithThresholds(cfg.Reconcile.LowThreshold, cfg.Reconcile.HighThreshold),
		reconcile.WithLevelBand(cfg.Reconcile.MinLevelFrac, cfg.Reconcile.MaxLevelFrac),
		reconcile.WithStrategyID(cfg.Reconcile.StrategyID),
		reconcile.WithSignalTTL(cfg.Reconcile.SignalTTL),
	}
	if cfg.Reconcile.MinConfidence > 0 || cfg.Reconcile.MinAgreement > 0 {
		opts = append(opts, reconcile.WithFloors(cfg.Reconcile.MinConfidence, cfg.Reconcile.MinAgreement))
	}
	if len(cfg.Reconcile.Weights) > 0 {
		w := make(map[models.Horizon]float64, len(cfg.Reconcile.Weights))
		for k, v := range cfg.Reconcile.Weights {
			w[models.Horizon(k)] = v
		}
		opts = append(opts, reconcile.WithWeights(w))
	}
	return reconcile.NewReconciler(opts...)
}

// ProvideEvaluator creates the exit rule evaluator.
func ProvideEvaluator(cfg *config.Config) *risk.Evaluator {
	var opts []risk.EvaluatorOption
	if cfg.Risk.TrailingActivation > 0 {
		opts = append(opts, risk.WithActivation(cfg.Risk.TrailingActivation))
	}
	if cfg.Risk.TrailingDistance > 0 {
		opts = append(opts, risk.WithTrailDistance(cfg.Risk.TrailingDistance))
	}
	return risk.NewEvaluator(opts...)
}

// ProvideExecutor creates the execution service client.
func ProvideExecutor(cfg *config.Config, log *applogger.Logger) domsvc.Executor {
	return execution.NewClient(cfg, log)
}

// ProvideAlerter creates the alerter feeding critical events to the bus.
func ProvideAlerter(emitter *usecase.SignalEmitter, log *applogger.Logger) domsvc.Alerter {
	return usecase.NewRiskAlerter(emitter, log)
}

// ProvideRiskManager creates the risk manager.
func ProvideRiskManager(
	exec domsvc.Executor,
	alerter domsvc.Alerter,
	eval *risk.Evaluator,
	emitter *usecase.SignalEmitter,
	m repository.Metrics,
	log *applogger.Logger,
	cfg *config.Config,
) *usecase.RiskManager {
	return usecase.NewRiskManager(exec, alerter, eval, emitter, m, log,
		usecase.WithCloseRetry(cfg.Risk.CloseRetryMax, cfg.Risk.CloseBackoffMin, cfg.Risk.CloseBackoffMax),
	)
}

// ProvideTickCollector creates the tick collector with the validating
// pipeline between the WebSocket stream and the risk manager.
func ProvideTickCollector(
	stream repository.TickStream,
	rm *usecase.RiskManager,
	m repository.Metrics,
	cfg *config.Config,
) *usecase.TickCollector {
	pipe := mid.NewTickPipeline(rm, m,
		mid.WithMaxRPS(50),
		mid.WithBufferSize(cfg.Risk.TickBuffer),
	)
	return usecase.NewTickCollector(stream, rm, m, pipe, cfg.Bybit.Symbols)
}

// ProvideScheduler creates the per-symbol inference scheduler.
func ProvideScheduler(
	windows *marketdata.Cache,
	computer usecase.FeatureComputer,
	adapter *predictor.Adapter,
	reconciler *reconcile.Reconciler,
	emitter *usecase.SignalEmitter,
	m repository.Metrics,
	log *applogger.Logger,
	cfg *config.Config,
) *usecase.Scheduler {
	return usecase.NewScheduler(cfg.Bybit.Symbols, windows, computer, adapter, reconciler, emitter, m, log,
		usecase.WithSchedulerInterval(cfg.Scheduler.Interval),
		usecase.WithSchedulerWorkers(cfg.Scheduler.Workers),
		usecase.WithRunTimeout(cfg.Scheduler.RunTimeout),
		usecase.WithFetchRetry(cfg.Scheduler.RetryMax, cfg.Scheduler.BackoffMin, cfg.Scheduler.BackoffMax),
		usecase.WithTimeframe(models.NormalizeTimeframe(cfg.Bybit.Timeframe)),
		usecase.WithDedupTTL(cfg.Reconcile.SignalTTL),
	)
}

// ProvideCandlesUseCase creates the candle read path for the HTTP API.
func ProvideCandlesUseCase(windows *marketdata.Cache, archive repository.CandleArchive) *usecase.CandlesUseCase {
	return usecase.NewCandlesUseCase(windows, archive)
}

// ProvideFillsHandler creates the Kafka handler consuming entry fills.
func ProvideFillsHandler(
	rm *usecase.RiskManager,
	m repository.Metrics,
	cfg *config.Config,
	log *applogger.Logger,
) *usecase.KafkaFillsHandler {
	return usecase.NewKafkaFillsHandler(cfg.Kafka.FillsTopic, rm, cfg.Risk.TPFractions, m, log)
}

// ProvideResponseCache picks the HTTP response cache backend: Redis when
// enabled, an in-process TTL cache otherwise.
func ProvideResponseCache(cfg *config.Config) icache.BytesCache {
	if cfg.Redis.Enabled {
		return icache.NewRedisCache(icache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	return icache.NewTTLCache()
}

// ProvidePipelineHandler creates the HTTP handler serving the pipeline API.
func ProvidePipelineHandler(
	log *applogger.Logger,
	store repository.SignalStore,
	candles *usecase.CandlesUseCase,
	rm *usecase.RiskManager,
	sched *usecase.Scheduler,
	collector *usecase.TickCollector,
	respCache icache.BytesCache,
	cfg *config.Config,
) *api.PipelineHandler {
	h := api.NewPipelineHandler(log, store, candles, rm, sched, collector)
	h.SetCache(respCache)
	if cfg.Server.RateCapacity > 0 && cfg.Server.RateRefill > 0 {
		h.SetRateLimit(cfg.Server.RateCapacity, cfg.Server.RateRefill)
	}
	return h
}

// ProvideConsumerHook builds the hook chain applied around fills handling:
// trace id extraction plus handle latency recording.
func ProvideConsumerHook(m repository.Metrics, log *applogger.Logger) pkgkafka.ConsumerHook {
	timing := pkgkafka.HookFuncs{
		Before: func(ctx context.Context, topic string, km segkafka.Message, data []byte) (context.Context, segkafka.Message, []byte, error) {
			ctx = pkgkafka.WithStartTime(ctx, time.Now())
			ctx = pkgkafka.WithTraceID(ctx, pkgkafka.ExtractTraceID(km))
			return ctx, km, data, nil
		},
		After: func(ctx context.Context, topic string, km segkafka.Message, data []byte, err error) {
			if start, ok := ctx.Value(pkgkafka.CtxStartTime).(time.Time); ok {
				m.RecordLatency("fill_handle_seconds", time.Since(start).Seconds())
			}
		},
		Err: func(ctx context.Context, topic string, km segkafka.Message, data []byte, err error) {
			log.Warn("fills message failed",
				applogger.String("topic", topic),
				applogger.Error(err),
			)
		},
	}
	return pkgkafka.NewHookChain(timing)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	log *applogger.Logger,
	collector *usecase.TickCollector,
	scheduler *usecase.Scheduler,
	consumer *pkgkafka.Consumer,
	fills *usecase.KafkaFillsHandler,
	chClient *pkgch.Client,
	emitter *usecase.SignalEmitter,
	handler *api.PipelineHandler,
	jobQueue *queue.RedisQueue,
	hook pkgkafka.ConsumerHook,
) *server.App {
	if consumer != nil && hook != nil {
		consumer.WithConsumerHook(hook)
	}
	app := server.New(cfg, log, collector, scheduler, consumer, fills, chClient, emitter)
	app.SetHTTPHandler(handler)
	if jobQueue != nil {
		app.SetJobQueue(jobQueue)
	}
	return app
}
