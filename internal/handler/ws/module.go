package ws

import (
	"log/slog"

	"github.com/webitel/im-fanout-service/config"
	"github.com/webitel/im-fanout-service/infra/server/httpsrv"
	"github.com/webitel/im-fanout-service/internal/service"
	"go.uber.org/fx"
)

var Module = fx.Module("delivery-ws",
	fx.Provide(
		httpsrv.AsRoute(func(cfg *config.Config, d service.Deliverer, s service.Sender, logger *slog.Logger) *WSHandler {
			return NewWSHandler(Config{
				AllowedOrigins: cfg.WS.AllowedOrigins,
				RateLimit:      cfg.WS.RateLimit,
				RateBurst:      cfg.WS.RateBurst,
			}, d, s, logger.With(slog.String("component", "ws")))
		}),
	),
)
