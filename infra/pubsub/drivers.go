package pubsub

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// NewMemoryBus is a single-process bus on watermill's gochannel.
func NewMemoryBus(logger *slog.Logger) *WatermillBus {
	if logger == nil {
		logger = slog.Default()
	}
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
		// Without it gochannel hands each message to a fresh goroutine and
		// per-topic FIFO is lost.
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NewSlogLogger(logger))

	shared := func(string) (message.Subscriber, bool, error) { return ch, false, nil }
	// GoChannel is both the publisher and the subscriber; closing it once is enough.
	return NewWatermillBus(ch, shared, logger)
}

// NewAMQPBus broadcasts through RabbitMQ. Every subscription gets its own
// non-durable queue bound to the family exchange, so each instance sees
// every message.
func NewAMQPBus(uri, instanceID string, logger *slog.Logger) (*WatermillBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wmLogger := watermill.NewSlogLogger(logger)

	pubCfg := amqp.NewNonDurablePubSubConfig(uri, amqp.GenerateQueueNameTopicNameWithSuffix(instanceID))
	publisher, err := amqp.NewPublisher(pubCfg, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("amqp publisher: %w", err)
	}

	var counter atomic.Uint64
	factory := func(string) (message.Subscriber, bool, error) {
		suffix := fmt.Sprintf("%s.%d", instanceID, counter.Add(1))
		cfg := amqp.NewNonDurablePubSubConfig(uri, amqp.GenerateQueueNameTopicNameWithSuffix(suffix))
		sub, err := amqp.NewSubscriber(cfg, wmLogger)
		if err != nil {
			return nil, false, fmt.Errorf("amqp subscriber: %w", err)
		}
		return sub, true, nil
	}

	return NewWatermillBus(publisher, factory, logger), nil
}
