package storage

import (
	"context"
	"log/slog"

	"github.com/webitel/im-fanout-service/config"
	"go.uber.org/fx"
)

var Module = fx.Module("storage",
	fx.Provide(
		ProvideStore,
		func(s Store) MessageStore { return s },
		func(s Store) RoomStore { return s },
	),
)

func ProvideStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (Store, error) {
	log := logger.With(slog.String("component", "storage"), slog.String("driver", cfg.Storage.Driver))

	var (
		store Store
		err   error
	)
	switch cfg.Storage.Driver {
	case "pebble":
		store, err = OpenPebble(cfg.Storage.PebblePath, nil, log)
	case "postgres":
		store, err = ConnectPostgres(context.Background(), cfg.Storage.PostgresDSN, cfg.Storage.MinConns, cfg.Storage.MaxConns, log)
	default:
		store = NewMemoryStore()
	}
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error { return store.Close() },
	})
	return store, nil
}
