package service

import (
	"context"
	"log/slog"

	"github.com/sony/gobreaker"
	"github.com/webitel/im-fanout-service/config"
	"github.com/webitel/im-fanout-service/infra/metrics"
	"github.com/webitel/im-fanout-service/infra/storage"
	"github.com/webitel/im-fanout-service/internal/adapter/pubsub"
	"github.com/webitel/im-fanout-service/internal/domain/delivery"
	"github.com/webitel/im-fanout-service/internal/domain/model"
	"github.com/webitel/im-fanout-service/internal/domain/registry"
	"github.com/webitel/im-fanout-service/internal/domain/room"
	"go.uber.org/fx"
)

var Module = fx.Module(
	"service",

	fx.Provide(
		func(cfg *config.Config, d pubsub.EventDispatcher, logger *slog.Logger) *FanoutPublisher {
			pc := DefaultPublisherConfig()
			pc.Timeout = cfg.Router.PublishTimeout
			pc.MaxTries = cfg.Router.PublishRetries
			return NewFanoutPublisher(d, pc, logger.With(slog.String("component", "publisher")))
		},
		func(
			cfg *config.Config,
			rooms room.Manager,
			store storage.MessageStore,
			tracker *delivery.Tracker,
			pub *FanoutPublisher,
			hub registry.Hubber,
			logger *slog.Logger,
		) *MessageRouter {
			return NewMessageRouter(RouterConfig{
				InstanceID:     cfg.Service.InstanceID,
				MaxBodyBytes:   cfg.Router.MaxBodyBytes,
				PersistTimeout: cfg.Router.PersistTimeout,
			}, rooms, store, tracker, pub, hub, logger.With(slog.String("component", "router")))
		},
		fx.Annotate(
			func(r *MessageRouter) *MessageRouter { return r },
			fx.As(new(Sender)),
		),
		fx.Annotate(
			func(cfg *config.Config, hub registry.Hubber, pub *FanoutPublisher, logger *slog.Logger) *DeliveryService {
				return NewDeliveryService(hub, pub, cfg.Service.InstanceID, cfg.Hub.ConnBuffer,
					logger.With(slog.String("component", "delivery_service")))
			},
			fx.As(new(Deliverer)),
		),
		fx.Annotate(
			func(cfg *config.Config) *HeaderAuther { return NewHeaderAuther(cfg.Service.IdentityHeader) },
			fx.As(new(Auther)),
		),
	),

	// [DECORATION_LAYER] Intercept Sender to add cross-cutting concerns
	fx.Decorate(func(orig Sender, logger *slog.Logger, m *metrics.Metrics) Sender {
		return NewSenderMiddleware(orig, logger.With(slog.String("component", "router")), m)
	}),

	fx.Invoke(func(t *delivery.Tracker, m *metrics.Metrics, hub registry.Hubber, pub *FanoutPublisher) {
		t.Observe(func(_ context.Context, _ *model.Message, rec model.DeliveryRecord) {
			m.Transitions.WithLabelValues(rec.State.String()).Inc()
		})
		m.Gauge("delivery_unsettled", "Delivery records not yet acknowledged or expired.", func() float64 {
			return float64(t.Pending())
		})
		m.Gauge("hub_connections", "Live sessions on this instance.", func() float64 {
			return float64(hub.Stats().TotalConnections)
		})
		m.Gauge("fanout_breaker_open", "1 while the fan-out circuit breaker is open.", func() float64 {
			if pub.State() == gobreaker.StateOpen {
				return 1
			}
			return 0
		})
	}),
)
