package delivery

import (
	"context"
	"log/slog"

	"github.com/webitel/im-fanout-service/config"
	"go.uber.org/fx"
)

var Module = fx.Module("delivery",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger) (*Tracker, error) {
			def := DefaultConfig()
			return NewTracker(Config{
				AckDeadline:    cfg.Delivery.AckDeadline,
				MaxRetries:     cfg.Delivery.MaxRetries,
				RetryBackoff:   cfg.Delivery.RetryBackoff,
				MaxBackoff:     cfg.Delivery.MaxBackoff,
				Retention:      def.Retention,
				ExpiredLogSize: def.ExpiredLogSize,
			}, logger.With(slog.String("component", "delivery")))
		},
		func(cfg *config.Config, t *Tracker, logger *slog.Logger) *Sweeper {
			return NewSweeper(t, cfg.Delivery.SweepInterval, logger.With(slog.String("component", "sweeper")))
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Sweeper) {
		lc.Append(fx.Hook{
			// The sweep outlives the start context, so it runs on its own.
			OnStart: func(context.Context) error { return s.Start(context.Background()) },
			OnStop:  s.Stop,
		})
	}),
)
