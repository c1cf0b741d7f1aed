package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	infrapubsub "github.com/webitel/im-fanout-service/infra/pubsub"
)

// DomainHandler defines the functional signature for business logic.
type DomainHandler[T any] func(ctx context.Context, topic string, payload *T) error

// Decoder turns a raw bus payload into a validated envelope.
type Decoder[T any] func(payload []byte) (*T, error)

// [INFRASTRUCTURE_BRIDGE]
// Bind connects the bus to domain logic, handling decoding and panic recovery.
func Bind[T any](c *Consumer, decode Decoder[T], fn DomainHandler[T]) infrapubsub.Handler {
	return func(ctx context.Context, topic string, payload []byte) (err error) {
		// [PANIC_RECOVERY]
		// Safely handle runtime panics to keep the consumer alive.
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("PANIC_RECOVERED",
					slog.Any("err", r),
					slog.String("stack", string(debug.Stack())),
					slog.String("topic", topic),
				)
				err = fmt.Errorf("handler panic on %s: %v", topic, r)
			}
		}()

		// [DECODING]
		v, derr := decode(payload)
		if derr != nil {
			c.logger.Error("DECODE_FAILED", slog.String("topic", topic), slog.Any("err", derr))
			return nil // Poison pill: dropping is terminal.
		}

		// [EXECUTION]
		return fn(ctx, topic, v)
	}
}
