package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/usecase"
	pkgch "github.com/obertruper/BOT-AI-V3-sub001/pkg/clickhouse"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/config"
	xhttp "github.com/obertruper/BOT-AI-V3-sub001/pkg/http"
	pkgkafka "github.com/obertruper/BOT-AI-V3-sub001/pkg/kafka"
	applogger "github.com/obertruper/BOT-AI-V3-sub001/pkg/logger"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/queue"
)

// App encapsulates the entire application lifecycle.
type App struct {
	cfg         *config.Config
	log         *applogger.Logger
	collector   *usecase.TickCollector
	scheduler   *usecase.Scheduler
	consumer    *pkgkafka.Consumer
	fills       pkgkafka.MessageHandler
	chClient    *pkgch.Client
	emitter     *usecase.SignalEmitter
	jobQueue    *queue.RedisQueue
	httpServer  *xhttp.Server
	httpHandler xhttp.Handler
}

// New creates a new App instance with all dependencies.
func New(
	cfg *config.Config,
	log *applogger.Logger,
	collector *usecase.TickCollector,
	scheduler *usecase.Scheduler,
	consumer *pkgkafka.Consumer,
	fills pkgkafka.MessageHandler,
	chClient *pkgch.Client,
	emitter *usecase.SignalEmitter,
) *App {
	return &App{
		cfg:       cfg,
		log:       log,
		collector: collector,
		scheduler: scheduler,
		consumer:  consumer,
		fills:     fills,
		chClient:  chClient,
		emitter:   emitter,
	}
}

// SetHTTPHandler allows DI to inject an HTTP handler.
func (a *App) SetHTTPHandler(h xhttp.Handler) { a.httpHandler = h }

// SetJobQueue allows DI to inject the Redis audit queue when enabled.
func (a *App) SetJobQueue(q *queue.RedisQueue) { a.jobQueue = q }

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Audit workers first so nothing emitted at boot is dropped.
	if a.jobQueue != nil {
		if err := a.jobQueue.Start(); err != nil {
			a.log.Error("job queue start error", applogger.Error(err))
			return err
		}
	}

	// Live tick stream feeding the risk manager.
	if err := a.collector.Start(ctx); err != nil {
		a.log.Error("tick collector start error", applogger.Error(err))
		return err
	}
	a.log.Info("tick collector started", applogger.Strings("symbols", a.cfg.Bybit.Symbols))

	// Inference scheduler.
	a.scheduler.Start(ctx)
	a.log.Info("scheduler started",
		applogger.Duration("interval", a.cfg.Scheduler.Interval),
		applogger.Int("symbols", len(a.scheduler.Symbols())),
	)

	// Fills consumer if configured.
	if a.consumer != nil && a.fills != nil {
		a.consumer.RegisterHandler(a.fills)
		go func() {
			if err := a.consumer.Start(); err != nil {
				a.log.Error("kafka consumer error", applogger.Error(err))
			}
		}()
		a.log.Info("kafka consumer started", applogger.String("topic", a.fills.Topic()))
	}

	// HTTP API.
	serverOpts := []xhttp.ServerOption{
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
		xhttp.WithSlowThreshold(a.cfg.Server.SlowThreshold),
	}
	if a.cfg.Metrics.Enabled {
		serverOpts = append(serverOpts, xhttp.WithMetricsEndpoint(a.cfg.Metrics.Path))
	}
	a.httpServer = xhttp.NewServer(a.httpHandler, a.log, serverOpts...)
	if err := a.httpServer.Start(); err != nil {
		a.log.Error("http server start error", applogger.Error(err))
		return err
	}

	// Wait for interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.log.Info("shutdown signal received")
	return a.shutdown(ctx)
}

// shutdown stops services in dependency order: sources of work first,
// then sinks, then infrastructure clients.
func (a *App) shutdown(ctx context.Context) error {
	if err := a.collector.Shutdown(ctx); err != nil {
		a.log.Warn("tick collector stop error", applogger.Error(err))
	}

	a.scheduler.Stop()

	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.log.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.httpServer.Stop(shutdownCtx); err != nil {
		a.log.Error("http shutdown error", applogger.Error(err))
	}

	if a.jobQueue != nil {
		if err := a.jobQueue.Stop(ctx); err != nil {
			a.log.Warn("job queue stop error", applogger.Error(err))
		}
	}

	// Flush the alert collector while the Kafka producer is still open.
	a.log.RemoveCollector()

	if a.emitter != nil {
		a.emitter.Close()
	}

	if a.chClient != nil {
		if err := a.chClient.Close(); err != nil {
			a.log.Warn("clickhouse close error", applogger.Error(err))
		}
	}

	a.log.Info("shutdown complete")
	return nil
}
