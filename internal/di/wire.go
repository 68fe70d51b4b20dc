//go:build wireinject
// +build wireinject

package di

import (
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/config"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideClickHouseClient,
		ProvideKafkaProducer,
		ProvideKafkaConsumer,

		// Repositories
		ProvideSignalStore,
		ProvideEventStore,
		ProvideCandleArchive,
		ProvidePublisher,
		ProvideJobQueue,

		// Market data and inference
		ProvideCandleSource,
		ProvideTickStream,
		ProvideMarketData,
		ProvideFeatureEngine,
		ProvideFeatureComputer,
		ProvideModelAdapter,
		ProvideReconciler,

		// Risk and execution
		ProvideEvaluator,
		ProvideExecutor,
		ProvideSignalEmitter,
		ProvideAlerter,
		ProvideRiskManager,

		// Use cases
		ProvideTickCollector,
		ProvideScheduler,
		ProvideCandlesUseCase,
		ProvideFillsHandler,

		// HTTP surface
		ProvideResponseCache,
		ProvidePipelineHandler,
		ProvideConsumerHook,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
