//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"AstroSeis/pkg/config"
	"AstroSeis/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// The cleanup function closes what the providers opened.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		// Observability
		ProvideLogger,
		ProvideRegistry,
		ProvideMetrics,
		ProvideRunMetrics,

		// Infrastructure clients
		ProvideClickHouseClient,
		ProvideCache,
		ProvideKafkaProducer,

		// Repositories
		ProvideCatalogStore,
		ProvideEphemerisStore,
		ProvideCatalogSource,
		ProvideEphemerisSource,
		ProvideResultStore,
		ProvideResultPublisher,

		// Ingest
		ProvideIngestHandlers,
		ProvideKafkaConsumer,

		// Use cases
		ProvidePipeline,
		ProvideRunner,

		// HTTP
		ProvideRunsHandler,
		ProvideHealthHandler,
		ProvideHTTPServer,

		ProvideApp,
	)
	return nil, nil, nil
}
