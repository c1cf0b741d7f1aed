package fanout

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	infrapubsub "github.com/webitel/im-fanout-service/infra/pubsub"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

type Middleware func(infrapubsub.Handler) infrapubsub.Handler

// Chain wraps h so the first middleware runs outermost.
func Chain(h infrapubsub.Handler, mws ...Middleware) infrapubsub.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// [TRACING_MIDDLEWARE]
// Continues the publisher's trace; the bus restores its context from metadata.
func TracingMiddleware(tracer trace.Tracer, name string) Middleware {
	return func(h infrapubsub.Handler) infrapubsub.Handler {
		return func(ctx context.Context, topic string, payload []byte) error {
			ctx, span := tracer.Start(ctx, "consume "+name,
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(attribute.String("messaging.destination", topic)),
			)
			defer span.End()

			err := h(ctx, topic, payload)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

// [LOGGING_MIDDLEWARE]
// Structured logging with latency.
func LoggingMiddleware(logger *slog.Logger, name string) Middleware {
	return func(h infrapubsub.Handler) infrapubsub.Handler {
		return func(ctx context.Context, topic string, payload []byte) error {
			start := time.Now()
			err := h(ctx, topic, payload)

			logger.Debug("MESSAGE_HANDLED",
				slog.String("handler", name),
				slog.String("topic", topic),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.Bool("success", err == nil),
			)
			return err
		}
	}
}

type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// [RETRY_MIDDLEWARE]
func RetryMiddleware(p RetryPolicy) Middleware {
	return func(h infrapubsub.Handler) infrapubsub.Handler {
		return func(ctx context.Context, topic string, payload []byte) error {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = p.InitialInterval
			eb.MaxInterval = p.MaxInterval

			_, err := backoff.Retry(ctx, func() (struct{}, error) {
				return struct{}{}, h(ctx, topic, payload)
			}, backoff.WithBackOff(eb), backoff.WithMaxTries(p.MaxTries))
			return err
		}
	}
}

// [THROTTLE_MIDDLEWARE]
func ThrottleMiddleware(limiter *rate.Limiter) Middleware {
	return func(h infrapubsub.Handler) infrapubsub.Handler {
		return func(ctx context.Context, topic string, payload []byte) error {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			return h(ctx, topic, payload)
		}
	}
}

// [TIMEOUT_MIDDLEWARE]
func TimeoutMiddleware(d time.Duration) Middleware {
	return func(h infrapubsub.Handler) infrapubsub.Handler {
		return func(ctx context.Context, topic string, payload []byte) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return h(ctx, topic, payload)
		}
	}
}
