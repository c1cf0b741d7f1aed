package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/webitel/im-fanout-service/internal/domain/event"
)

func TestConnector_BackpressureShedsLowPriority(t *testing.T) {
	conn := NewConnector(context.Background(), "alice", "node-1", 1, ConnectMetadata{})
	defer conn.Close()

	low := event.NewSystemEvent("alice", event.Connected, event.PriorityLow, nil)
	high := event.NewSystemEvent("alice", event.Connected, event.PriorityHigh, nil)

	assert.True(t, conn.Send(low, 10*time.Millisecond))
	// buffer full: a second low priority event is dropped
	assert.False(t, conn.Send(event.NewSystemEvent("alice", event.Connected, event.PriorityLow, nil), 10*time.Millisecond))
	// a high priority event evicts the queued low one
	assert.True(t, conn.Send(high, 10*time.Millisecond))
	assert.Equal(t, uint64(2), conn.Dropped())

	got := <-conn.Recv()
	assert.Equal(t, high.GetID(), got.GetID())
}

func TestConnector_SendAfterCloseFails(t *testing.T) {
	conn := NewConnector(context.Background(), "alice", "node-1", 0, ConnectMetadata{})
	conn.Close()
	conn.Close()

	assert.False(t, conn.Send(event.NewSystemEvent("alice", event.Connected, event.PriorityHigh, nil), 10*time.Millisecond))
}

func TestConnector_ParentContextClosesSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := NewConnector(ctx, "alice", "node-1", 1, ConnectMetadata{})
	cancel()

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("session outlived its parent context")
	}
}
