package fanout

import (
	"context"
	"log/slog"

	"github.com/webitel/im-fanout-service/config"
	"github.com/webitel/im-fanout-service/infra/metrics"
	infrapubsub "github.com/webitel/im-fanout-service/infra/pubsub"
	"github.com/webitel/im-fanout-service/internal/domain/delivery"
	"github.com/webitel/im-fanout-service/internal/domain/registry"
	"github.com/webitel/im-fanout-service/internal/service"
	"go.uber.org/fx"
)

var Module = fx.Module("fanout-handler",
	fx.Provide(
		func(
			cfg *config.Config,
			bus infrapubsub.Bus,
			hub registry.Hubber,
			tracker *delivery.Tracker,
			directory registry.Directory,
			pub *service.FanoutPublisher,
			m *metrics.Metrics,
			logger *slog.Logger,
		) (*Consumer, error) {
			return NewConsumer(cfg.Service.InstanceID, bus, hub, tracker, directory, pub, m,
				logger.With(slog.String("component", "fanout")))
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, c *Consumer, _ service.Sender) {
		// Sender is requested so the router has wired the tracker's retry path
		// before the first message arrives.
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error { return c.Start() },
			OnStop:  func(context.Context) error { return c.Stop() },
		})
	}),
)
