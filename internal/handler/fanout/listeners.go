package fanout

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/webitel/im-fanout-service/internal/adapter/pubsub"
	"github.com/webitel/im-fanout-service/internal/domain/delivery"
	"github.com/webitel/im-fanout-service/internal/domain/event"
	"github.com/webitel/im-fanout-service/internal/domain/model"
)

type seenKey struct {
	ref       model.MessageRef
	recipient model.UserID
	attempt   int
}

// [ON_ROOM_MESSAGE]
// Pushes the message to every recipient with a live session on this node and
// reports the push back to the owning instance as a delivered receipt.
func (c *Consumer) OnRoomMessage(ctx context.Context, _ string, env *pubsub.MessageEnvelope) error {
	msg := env.Message
	ref := msg.Ref()

	for _, recipient := range env.Recipients {
		// [LOCALITY_FILTER] Recipients connected elsewhere are handled there.
		if !c.hub.IsConnected(recipient) {
			c.metrics.Pushed.WithLabelValues("offline").Inc()
			continue
		}

		// [DEDUP] At-least-once bus; the same attempt is pushed once per node.
		key := seenKey{ref: ref, recipient: recipient, attempt: env.Attempt}
		if ok, _ := c.seen.ContainsOrAdd(key, struct{}{}); ok {
			c.metrics.Pushed.WithLabelValues("duplicate").Inc()
			continue
		}

		if !c.hub.Deliver(event.NewMessageEvent(&msg, recipient, env.Attempt)) {
			c.seen.Remove(key)
			c.metrics.Pushed.WithLabelValues("offline").Inc()
			continue
		}
		c.metrics.Pushed.WithLabelValues("delivered").Inc()

		err := c.receipts.PublishReceipt(ctx, &pubsub.Receipt{
			Ref:       ref,
			Recipient: recipient,
			State:     model.DeliveryDelivered,
			Origin:    env.Origin,
			Instance:  c.instanceID,
		})
		if err != nil {
			// The record stays pending at the origin; its sweep retries.
			c.logger.Warn("RECEIPT_PUBLISH_FAILED",
				slog.String("ref", ref.String()),
				slog.String("recipient", recipient.String()),
				slog.Any("err", err),
			)
		}
	}
	return nil
}

// [ON_RECEIPT]
// Applies receipts for records owned by this instance. Acks carry no origin
// and are offered to every instance; only the owner knows the record.
func (c *Consumer) OnReceipt(ctx context.Context, _ string, r *pubsub.Receipt) error {
	if r.Origin != "" && r.Origin != c.instanceID {
		c.metrics.Receipts.WithLabelValues(r.State.String(), "foreign").Inc()
		return nil
	}

	var err error
	switch r.State {
	case model.DeliveryDelivered:
		_, err = c.tracker.MarkDelivered(ctx, r.Ref, r.Recipient)
	case model.DeliveryAcknowledged:
		_, err = c.tracker.MarkAcknowledged(ctx, r.Ref, r.Recipient)
	default:
		c.logger.Warn("RECEIPT_STATE_UNSUPPORTED",
			slog.String("ref", r.Ref.String()),
			slog.String("state", r.State.String()),
		)
		c.metrics.Receipts.WithLabelValues(r.State.String(), "unsupported").Inc()
		return nil
	}

	result := "applied"
	switch {
	case errors.Is(err, delivery.ErrUnknownRecord):
		result = "unknown"
	case errors.Is(err, model.ErrStaleTransition):
		result = "stale"
	case err != nil:
		result = "failed"
	}
	c.metrics.Receipts.WithLabelValues(r.State.String(), result).Inc()
	return nil
}

// [ON_PRESENCE]
// Keeps the cluster directory current and retries pending deliveries as soon
// as a recipient comes online anywhere.
func (c *Consumer) OnPresence(ctx context.Context, _ string, p *model.Presence) error {
	if err := c.directory.Apply(ctx, *p); err != nil {
		return err // Transient directory failure: retried by the chain.
	}
	c.metrics.Presence.WithLabelValues(strconv.FormatBool(p.Online)).Inc()

	if !p.Online {
		return nil
	}
	if n := c.tracker.RedeliverPending(ctx, p.UserID); n > 0 {
		c.logger.Debug("PENDING_REDELIVERED",
			slog.String("user_id", p.UserID.String()),
			slog.String("instance_id", p.InstanceID),
			slog.Int("records", n),
		)
	}
	return nil
}
