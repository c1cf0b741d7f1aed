// Package fanout consumes the cluster bus: room messages are pushed to local
// sessions, receipts advance locally owned delivery records, and presence
// keeps the directory current.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/webitel/im-fanout-service/infra/metrics"
	infrapubsub "github.com/webitel/im-fanout-service/infra/pubsub"
	"github.com/webitel/im-fanout-service/internal/adapter/pubsub"
	"github.com/webitel/im-fanout-service/internal/domain/delivery"
	"github.com/webitel/im-fanout-service/internal/domain/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	// dedupWindow bounds the (message, recipient, attempt) keys remembered per node.
	dedupWindow = 1 << 16

	handlerTimeout = 30 * time.Second
	throttleRate   = 5000
	throttleBurst  = 500
)

// ReceiptPublisher sends delivery receipts back over the bus.
type ReceiptPublisher interface {
	PublishReceipt(ctx context.Context, r *pubsub.Receipt) error
}

type Consumer struct {
	instanceID string
	bus        infrapubsub.Bus
	hub        registry.Hubber
	tracker    *delivery.Tracker
	directory  registry.Directory
	receipts   ReceiptPublisher
	metrics    *metrics.Metrics
	retry      RetryPolicy
	seen       *lru.Cache[seenKey, struct{}]
	logger     *slog.Logger
	tracer     trace.Tracer

	mu   sync.Mutex
	subs []*infrapubsub.Subscription
}

func NewConsumer(
	instanceID string,
	bus infrapubsub.Bus,
	hub registry.Hubber,
	tracker *delivery.Tracker,
	directory registry.Directory,
	receipts ReceiptPublisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*Consumer, error) {
	seen, err := lru.New[seenKey, struct{}](dedupWindow)
	if err != nil {
		return nil, fmt.Errorf("fanout dedup cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		instanceID: instanceID,
		bus:        bus,
		hub:        hub,
		tracker:    tracker,
		directory:  directory,
		receipts:   receipts,
		metrics:    m,
		retry:      DefaultRetryPolicy(),
		seen:       seen,
		logger:     logger,
		tracer:     otel.Tracer("im-fanout-service/fanout"),
	}, nil
}

// [REGISTRATION_PIPELINE]
func (c *Consumer) Start() error {
	configs := []struct {
		name    string
		pattern string
		handler infrapubsub.Handler
	}{
		{"ON_ROOM_MESSAGE", pubsub.PatternRooms, Bind(c, pubsub.DecodeMessage, c.OnRoomMessage)},
		{"ON_RECEIPT", pubsub.PatternReceipts, Bind(c, pubsub.DecodeReceipt, c.OnReceipt)},
		{"ON_PRESENCE", pubsub.PatternPresence, Bind(c, pubsub.DecodePresence, c.OnPresence)},
	}

	for _, cfg := range configs {
		h := Chain(cfg.handler,
			TracingMiddleware(c.tracer, cfg.name),
			LoggingMiddleware(c.logger, cfg.name),
			TimeoutMiddleware(handlerTimeout),
			ThrottleMiddleware(rate.NewLimiter(throttleRate, throttleBurst)),
			RetryMiddleware(c.retry),
		)
		sub, err := c.bus.Subscribe(cfg.pattern, h)
		if err != nil {
			return errors.Join(fmt.Errorf("subscribe %s: %w", cfg.name, err), c.Stop())
		}
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
	}

	c.logger.Info("FANOUT_PIPELINE_READY", slog.String("instance_id", c.instanceID), slog.Int("handlers", len(configs)))
	return nil
}

// Stop unsubscribes every handler. In-flight messages finish first.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := c.bus.Unsubscribe(sub); err != nil && !errors.Is(err, infrapubsub.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
