// Package pubsub is the cross-instance fan-out bus.
//
// Topics are dot-separated: the first segment is the topic family
// (room, receipt, presence) and maps to one transport topic/exchange.
// Subscriptions filter on the full topic with AMQP-style wildcards:
// '*' matches exactly one segment, '#' matches zero or more.
//
// Delivery is at-least-once to every live subscription; ordering is FIFO
// per publisher and topic only. Nothing survives a full restart.
package pubsub

import (
	"context"
	"errors"
)

var (
	ErrClosed         = errors.New("pubsub: bus closed")
	ErrInvalidTopic   = errors.New("pubsub: invalid topic")
	ErrInvalidPattern = errors.New("pubsub: invalid pattern")
	ErrNoSubscription = errors.New("pubsub: unknown subscription")
)

// Handler consumes one message. A returned error is logged by the bus;
// retry policy belongs to the handler chain.
type Handler func(ctx context.Context, topic string, payload []byte) error

type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(pattern string, h Handler) (*Subscription, error)
	Unsubscribe(sub *Subscription) error
	Close() error
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	id      string
	pattern string
	cancel  context.CancelFunc
	done    chan struct{}
	closeFn func() error
}

func (s *Subscription) ID() string      { return s.id }
func (s *Subscription) Pattern() string { return s.pattern }
