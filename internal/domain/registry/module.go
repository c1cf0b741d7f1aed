package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/webitel/im-fanout-service/config"
	"go.uber.org/fx"
)

var Module = fx.Module("registry",
	fx.Provide(
		// [CLEAN_INJECTION] Configure Hub using Functional Options
		func(cfg *config.Config, presence PresencePublisher, dir Directory, logger *slog.Logger) *Hub {
			// Only the redis directory expires entries.
			var refresh time.Duration
			if cfg.Presence.Driver == "redis" {
				refresh = cfg.Presence.TTL / 2
			}
			return NewHub(cfg.Service.InstanceID,
				WithEvictionInterval(cfg.Hub.EvictionInterval),
				WithIdleTimeout(cfg.Hub.IdleTimeout),
				WithMailboxSize(cfg.Hub.MailboxSize),
				WithSendTimeout(cfg.Hub.SendTimeout),
				WithPresencePublisher(presence),
				WithPresenceRefresh(dir, refresh),
				WithLogger(logger.With(slog.String("component", "hub"))),
			)
		},
		fx.Annotate(
			func(h *Hub) Hubber { return h },
			fx.As(new(Hubber)),
		),
		ProvideDirectory,
	),
	fx.Invoke(func(lc fx.Lifecycle, h Hubber) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				h.Shutdown() // [GRACEFUL_SHUTDOWN] Stop all Actor goroutines
				return nil
			},
		})
	}),
)

// ProvideDirectory picks the presence backend from config.
func ProvideDirectory(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (Directory, error) {
	switch cfg.Presence.Driver {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Presence.RedisAddr})
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := rdb.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("redis ping %s: %w", cfg.Presence.RedisAddr, err)
				}
				logger.Info("PRESENCE_DIRECTORY_READY", slog.String("driver", "redis"), slog.String("addr", cfg.Presence.RedisAddr))
				return nil
			},
			OnStop: func(ctx context.Context) error { return rdb.Close() },
		})
		return NewRedisDirectory(rdb, cfg.Presence.TTL)
	default:
		return NewMemoryDirectory(), nil
	}
}
