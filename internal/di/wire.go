//go:build wireinject
// +build wireinject

package di

import (
	"SigGate/pkg/config"
	"SigGate/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		ProvideLogger,
		ProvideMetrics,
		ProvideRedisClient,
		ProvideBus,
		ProvideDedupStore,

		// Pipeline stages
		ProvideGate,
		ProvideRouter,
		ProvideThrottler,
		ProvideGuard,

		// Ingress adapters
		ProvideBridge,
		ProvideMarketFeed,
		ProvideRegimeClassifier,

		// Audit trail
		ProvideClickHouseClient,
		ProvideAuditTap,

		// Ops API and application
		ProvideOpsHandler,
		ProvideApp,
	)
	return &server.App{}, nil
}
