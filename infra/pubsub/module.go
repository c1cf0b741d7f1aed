package pubsub

import (
	"context"
	"log/slog"

	"github.com/webitel/im-fanout-service/config"
	"go.uber.org/fx"
)

var Module = fx.Module("pubsub",
	fx.Provide(ProvideBus),
)

func ProvideBus(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (Bus, error) {
	log := logger.With(slog.String("component", "bus"), slog.String("driver", cfg.Bus.Driver))

	var (
		bus *WatermillBus
		err error
	)
	switch cfg.Bus.Driver {
	case "amqp":
		bus, err = NewAMQPBus(cfg.Bus.AMQPURL, cfg.Service.InstanceID, log)
		if err != nil {
			return nil, err
		}
	default:
		bus = NewMemoryBus(log)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("BUS_CLOSING")
			return bus.Close()
		},
	})
	return bus, nil
}
