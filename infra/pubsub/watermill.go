package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"
)

// MetadataTopic carries the full topic; the transport only sees the family.
const MetadataTopic = "x-routing-key"

// SubscriberFactory returns a subscriber for one subscription. When owned is
// true the bus closes it on Unsubscribe.
type SubscriberFactory func(name string) (sub message.Subscriber, owned bool, err error)

var _ Bus = (*WatermillBus)(nil)

// WatermillBus adapts any watermill Publisher/Subscriber pair to Bus.
type WatermillBus struct {
	publisher  message.Publisher
	subscriber SubscriberFactory
	closers    []func() error
	logger     *slog.Logger
	propagator propagation.TextMapPropagator

	mu     sync.Mutex
	subs   map[string]*Subscription
	seq    uint64
	closed bool
}

func NewWatermillBus(pub message.Publisher, sub SubscriberFactory, logger *slog.Logger, closers ...func() error) *WatermillBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &WatermillBus{
		publisher:  pub,
		subscriber: sub,
		closers:    closers,
		logger:     logger,
		propagator: otel.GetTextMapPropagator(),
		subs:       make(map[string]*Subscription),
	}
}

func (b *WatermillBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if !ValidTopic(topic) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataTopic, topic)
	b.propagator.Inject(ctx, propagation.MapCarrier(msg.Metadata))
	msg.SetContext(ctx)

	// watermill publishers are not context aware; bound the call here.
	errCh := make(chan error, 1)
	go func() { errCh <- b.publisher.Publish(Family(topic), msg) }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, ctx.Err())
	}
}

func (b *WatermillBus) Subscribe(pattern string, h Handler) (*Subscription, error) {
	if !ValidPattern(pattern) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.seq++
	id := fmt.Sprintf("%s#%d", pattern, b.seq)
	b.mu.Unlock()

	sub, owned, err := b.subscriber(id)
	if err != nil {
		return nil, fmt.Errorf("subscriber %s: %w", id, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := sub.Subscribe(ctx, Family(pattern))
	if err != nil {
		cancel()
		if owned {
			_ = sub.Close()
		}
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	s := &Subscription{
		id:      id,
		pattern: pattern,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if owned {
		s.closeFn = sub.Close
	}

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	go b.consume(s, msgs, h)

	b.logger.Debug("BUS_SUBSCRIBED", slog.String("pattern", pattern), slog.String("sub_id", id))
	return s, nil
}

func (b *WatermillBus) consume(s *Subscription, msgs <-chan *message.Message, h Handler) {
	defer close(s.done)
	for msg := range msgs {
		topic := msg.Metadata.Get(MetadataTopic)
		if Match(s.pattern, topic) {
			b.handle(s, msg, topic, h)
		}
		msg.Ack()
	}
}

func (b *WatermillBus) handle(s *Subscription, msg *message.Message, topic string, h Handler) {
	// [PANIC_RECOVERY] Keep the consumer alive on a faulty handler.
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("BUS_HANDLER_PANIC",
				slog.Any("err", r),
				slog.String("stack", string(debug.Stack())),
				slog.String("msg_id", msg.UUID),
				slog.String("topic", topic),
			)
		}
	}()

	ctx := b.propagator.Extract(context.Background(), propagation.MapCarrier(msg.Metadata))
	if err := h(ctx, topic, msg.Payload); err != nil {
		b.logger.Warn("BUS_HANDLER_FAILED",
			slog.String("sub_id", s.id),
			slog.String("topic", topic),
			slog.String("msg_id", msg.UUID),
			slog.Any("err", err),
		)
	}
}

func (b *WatermillBus) Unsubscribe(s *Subscription) error {
	if s == nil {
		return ErrNoSubscription
	}
	b.mu.Lock()
	_, ok := b.subs[s.id]
	delete(b.subs, s.id)
	b.mu.Unlock()
	if !ok {
		return ErrNoSubscription
	}
	return b.stop(s)
}

func (b *WatermillBus) stop(s *Subscription) error {
	s.cancel()
	var err error
	if s.closeFn != nil {
		err = s.closeFn()
	}
	<-s.done
	return err
}

// Close stops every subscription, then the publisher and shared resources.
func (b *WatermillBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[string]*Subscription{}
	b.mu.Unlock()

	var g errgroup.Group
	for _, s := range subs {
		g.Go(func() error { return b.stop(s) })
	}
	subErr := g.Wait()

	var cg errgroup.Group
	cg.Go(b.publisher.Close)
	for _, closeFn := range b.closers {
		cg.Go(closeFn)
	}
	if err := cg.Wait(); err != nil {
		return fmt.Errorf("close bus: %w", err)
	}
	return subErr
}
