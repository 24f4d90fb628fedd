//go:generate go run -mod=mod github.com/google/wire/cmd/wire
//go:build !wireinject

package app

import (
	"context"

	"deltaflow/internal/config"
	"deltaflow/internal/market"
	"deltaflow/internal/strategy"
)

func buildAppWithWire(ctx context.Context, cfg *config.Config) (*App, error) {
	sourceFactory := provideSourceFactory()
	registryFactory := provideRegistryFactory()
	appBuilder := provideAppBuilder(cfg, sourceFactory, registryFactory)
	app, err := provideApp(appBuilder, ctx)
	if err != nil {
		return nil, err
	}
	return app, nil
}

type sourceFactory func(*config.Config) (market.TradeSource, error)

type registryFactory func(string) (*strategy.Registry, error)

func provideSourceFactory() sourceFactory {
	return buildTradeSource
}

func provideRegistryFactory() registryFactory {
	return strategy.NewRegistry
}

func provideAppBuilder(cfg *config.Config, src sourceFactory, reg registryFactory) *AppBuilder {
	return NewAppBuilder(cfg, WithTradeSource(src), WithRegistry(reg))
}

func provideApp(b *AppBuilder, ctx context.Context) (*App, error) {
	return b.Build(ctx)
}
