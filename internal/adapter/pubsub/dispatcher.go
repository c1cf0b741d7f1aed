package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	infrapubsub "github.com/webitel/im-fanout-service/infra/pubsub"
	"github.com/webitel/im-fanout-service/internal/domain/model"
)

// EventDispatcher defines the high-level contract for outgoing bus traffic.
// This allows the domain to stay agnostic of the transport implementation.
type EventDispatcher interface {
	PublishMessage(ctx context.Context, env *MessageEnvelope) error
	PublishReceipt(ctx context.Context, r *Receipt) error
	PublishPresence(ctx context.Context, p model.Presence) error
}

// eventDispatcher is the concrete implementation (private).
type eventDispatcher struct {
	bus infrapubsub.Bus
}

// NewEventDispatcher returns the interface instead of the pointer to the struct.
func NewEventDispatcher(bus infrapubsub.Bus) EventDispatcher {
	return &eventDispatcher{bus: bus}
}

func (d *eventDispatcher) PublishMessage(ctx context.Context, env *MessageEnvelope) error {
	if env == nil {
		return fmt.Errorf("event dispatcher: cannot publish nil envelope")
	}
	return d.publish(ctx, RoomTopic(env.Message.RoomID), env)
}

func (d *eventDispatcher) PublishReceipt(ctx context.Context, r *Receipt) error {
	if r == nil {
		return fmt.Errorf("event dispatcher: cannot publish nil receipt")
	}
	return d.publish(ctx, ReceiptTopic(r.Ref.RoomID), r)
}

func (d *eventDispatcher) PublishPresence(ctx context.Context, p model.Presence) error {
	return d.publish(ctx, PresenceTopic(p.UserID), p)
}

func (d *eventDispatcher) publish(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("event dispatcher: marshal failure: %w", err)
	}
	if err := d.bus.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("event dispatcher: failed to publish to topic %s: %w", topic, err)
	}
	return nil
}
