package pubsub

import (
	infrapubsub "github.com/webitel/im-fanout-service/infra/pubsub"
	"github.com/webitel/im-fanout-service/internal/domain/registry"
	"go.uber.org/fx"
)

var Module = fx.Module("pubsub-adapter",
	fx.Provide(
		func(bus infrapubsub.Bus) EventDispatcher { return NewEventDispatcher(bus) },
		// The hub announces presence through the same dispatcher.
		func(d EventDispatcher) registry.PresencePublisher { return d },
	),
)
