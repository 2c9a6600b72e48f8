//go:build wireinject
// +build wireinject

package di

import (
	"WalletPull/pkg/config"
	"WalletPull/pkg/server"

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
		ProvideRedisCache,
		ProvideCacheService,
		ProvideKafkaProducer,
		ProvideKafkaConsumer,
		ProvideClickHouseClient,

		// Repositories
		ProvideJobStore,
		ProvideRequestBus,
		ProvideArchive,

		// Use cases
		ProvideRegistry,
		ProvideDetectors,
		ProvideConsolidator,
		ProvideQueue,
		ProvideQueueService,
		ProvideFinisher,
		ProvideExpander,
		ProvideResultHandler,
		ProvideDispatcher,
		ProvideMonitor,

		// HTTP handlers
		ProvidePortfolioHandler,
		ProvideJobStream,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
