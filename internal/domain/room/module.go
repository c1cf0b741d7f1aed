package room

import (
	"log/slog"

	"github.com/webitel/im-fanout-service/infra/storage"
	"go.uber.org/fx"
)

var Module = fx.Module("room",
	fx.Provide(func(store storage.RoomStore, logger *slog.Logger) (Manager, error) {
		return NewManager(store, logger.With(slog.String("component", "rooms")), 0)
	}),
)
