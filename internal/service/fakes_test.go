package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/webitel/im-fanout-service/infra/storage"
	"github.com/webitel/im-fanout-service/internal/adapter/pubsub"
	"github.com/webitel/im-fanout-service/internal/domain/delivery"
	"github.com/webitel/im-fanout-service/internal/domain/model"
	"github.com/webitel/im-fanout-service/internal/domain/registry"
	"github.com/webitel/im-fanout-service/internal/domain/room"
)

var errBrokerDown = errors.New("broker down")

type fakeDispatcher struct {
	mu        sync.Mutex
	failNext  int
	down      bool
	calls     int
	envelopes []pubsub.MessageEnvelope
	receipts  []pubsub.Receipt
}

func (d *fakeDispatcher) PublishMessage(_ context.Context, env *pubsub.MessageEnvelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.down {
		return errBrokerDown
	}
	if d.failNext > 0 {
		d.failNext--
		return errBrokerDown
	}
	d.envelopes = append(d.envelopes, *env)
	return nil
}

func (d *fakeDispatcher) PublishReceipt(_ context.Context, r *pubsub.Receipt) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down {
		return errBrokerDown
	}
	d.receipts = append(d.receipts, *r)
	return nil
}

func (d *fakeDispatcher) PublishPresence(context.Context, model.Presence) error { return nil }

func (d *fakeDispatcher) setDown(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down = v
}

func (d *fakeDispatcher) published() []pubsub.MessageEnvelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]pubsub.MessageEnvelope(nil), d.envelopes...)
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// flakyStore fails appends on demand, either before or after the write lands.
type flakyStore struct {
	*storage.MemoryStore
	mu         sync.Mutex
	failBefore int
	failAfter  int
}

func (s *flakyStore) AppendMessage(ctx context.Context, req storage.AppendRequest) (model.Message, bool, error) {
	s.mu.Lock()
	before := s.failBefore > 0
	if before {
		s.failBefore--
	}
	after := !before && s.failAfter > 0
	if after {
		s.failAfter--
	}
	s.mu.Unlock()

	if before {
		return model.Message{}, false, errors.New("disk unavailable")
	}
	msg, dup, err := s.MemoryStore.AppendMessage(ctx, req)
	if after && err == nil {
		return model.Message{}, false, context.DeadlineExceeded
	}
	return msg, dup, err
}

type fixture struct {
	router  *MessageRouter
	store   *flakyStore
	rooms   room.Manager
	tracker *delivery.Tracker
	hub     *registry.Hub
	disp    *fakeDispatcher
	pub     *FanoutPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	mem := storage.NewMemoryStore()
	store := &flakyStore{MemoryStore: mem}

	rooms, err := room.NewManager(mem, nil, 0)
	require.NoError(t, err)

	tracker, err := delivery.NewTracker(delivery.Config{
		AckDeadline:  time.Second,
		MaxRetries:   2,
		RetryBackoff: 100 * time.Millisecond,
		MaxBackoff:   time.Second,
	}, nil)
	require.NoError(t, err)

	hub := registry.NewHub("node-a", registry.WithEvictionInterval(0))
	t.Cleanup(hub.Shutdown)

	disp := &fakeDispatcher{}
	pub := NewFanoutPublisher(disp, PublisherConfig{
		Timeout:          time.Second,
		MaxTries:         3,
		InitialInterval:  time.Millisecond,
		MaxInterval:      5 * time.Millisecond,
		BreakerThreshold: 100,
		BreakerCooldown:  time.Second,
	}, nil)

	router := NewMessageRouter(RouterConfig{
		InstanceID:     "node-a",
		MaxBodyBytes:   64,
		PersistTimeout: time.Second,
	}, rooms, store, tracker, pub, hub, nil)

	_, err = rooms.CreateGroup(ctx, "team", []model.UserID{"alice", "bob", "carol"})
	require.NoError(t, err)

	return &fixture{router: router, store: store, rooms: rooms, tracker: tracker, hub: hub, disp: disp, pub: pub}
}
