package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"github.com/webitel/im-fanout-service/internal/adapter/pubsub"
	"github.com/webitel/im-fanout-service/internal/domain/model"
)

type PublisherConfig struct {
	// Timeout bounds a single publish attempt.
	Timeout time.Duration
	// MaxTries counts the first attempt.
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// BreakerThreshold consecutive failures open the breaker for BreakerCooldown.
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Timeout:          2 * time.Second,
		MaxTries:         4,
		InitialInterval:  100 * time.Millisecond,
		MaxInterval:      2 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  10 * time.Second,
	}
}

// FanoutPublisher publishes message envelopes with bounded exponential
// backoff behind a circuit breaker. Exhaustion surfaces as FANOUT_UNAVAILABLE.
type FanoutPublisher struct {
	dispatcher pubsub.EventDispatcher
	breaker    *gobreaker.CircuitBreaker
	cfg        PublisherConfig
	logger     *slog.Logger
}

func NewFanoutPublisher(dispatcher pubsub.EventDispatcher, cfg PublisherConfig, logger *slog.Logger) *FanoutPublisher {
	def := DefaultPublisherConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = def.MaxTries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = max(def.MaxInterval, cfg.InitialInterval)
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &FanoutPublisher{dispatcher: dispatcher, cfg: cfg, logger: logger}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "fanout",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("FANOUT_BREAKER_STATE",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return p
}

// Publish sends env to its room topic.
func (p *FanoutPublisher) Publish(ctx context.Context, env *pubsub.MessageEnvelope) error {
	const op = "fanout.Publish"

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.InitialInterval
	eb.MaxInterval = p.cfg.MaxInterval

	tries := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		tries++
		_, err := p.breaker.Execute(func() (any, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
			defer cancel()
			return nil, p.dispatcher.PublishMessage(attemptCtx, env)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(p.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Debug("FANOUT_PUBLISH_RETRY",
				slog.String("ref", env.Message.Ref().String()),
				slog.Int("attempt", env.Attempt),
				slog.Duration("next", next),
				slog.Any("err", err),
			)
		}),
	)
	if err != nil {
		p.logger.Warn("FANOUT_PUBLISH_FAILED",
			slog.String("ref", env.Message.Ref().String()),
			slog.Int("tries", tries),
			slog.Any("err", err),
		)
		return model.NewError(model.CodeFanoutUnavailable, op, fmt.Errorf("after %d tries: %w", tries, err))
	}
	return nil
}

// PublishReceipt makes a single bounded attempt. A lost receipt leaves the
// record unconfirmed until the sweep re-delivers it.
func (p *FanoutPublisher) PublishReceipt(ctx context.Context, r *pubsub.Receipt) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	if err := p.dispatcher.PublishReceipt(ctx, r); err != nil {
		return model.NewError(model.CodeFanoutUnavailable, "fanout.PublishReceipt", err)
	}
	return nil
}

func (p *FanoutPublisher) State() gobreaker.State {
	return p.breaker.State()
}
