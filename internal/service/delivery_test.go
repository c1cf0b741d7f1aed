package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-fanout-service/internal/domain/event"
	"github.com/webitel/im-fanout-service/internal/domain/model"
	"github.com/webitel/im-fanout-service/internal/domain/registry"
)

func TestDeliveryService_SubscribeSendsHandshakeAndRegisters(t *testing.T) {
	f := newFixture(t)
	svc := NewDeliveryService(f.hub, f.pub, "node-a", 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := svc.Subscribe(ctx, "alice", registry.ConnectMetadata{Transport: "ws"})
	require.NoError(t, err)
	assert.True(t, f.hub.IsConnected("alice"))

	select {
	case ev := <-conn.Recv():
		require.Equal(t, event.Connected, ev.GetKind())
		p := ev.GetPayload().(*model.ConnectedPayload)
		assert.True(t, p.Ok)
		assert.Equal(t, conn.GetID().String(), p.ConnectionID)
		assert.Equal(t, "node-a", p.InstanceID)
	case <-time.After(time.Second):
		t.Fatal("no handshake event")
	}

	svc.Unsubscribe(ctx, conn.GetID())
	assert.False(t, f.hub.IsConnected("alice"))
}

func TestDeliveryService_RejectsEmptyIdentity(t *testing.T) {
	f := newFixture(t)
	svc := NewDeliveryService(f.hub, f.pub, "node-a", 4, nil)

	_, err := svc.Subscribe(context.Background(), "", registry.ConnectMetadata{})
	require.ErrorIs(t, err, model.ErrInvalidPayload)
}

func TestDeliveryService_AckPublishesReceipt(t *testing.T) {
	f := newFixture(t)
	svc := NewDeliveryService(f.hub, f.pub, "node-a", 4, nil)
	ref := model.MessageRef{RoomID: "team", ID: 3}

	require.NoError(t, svc.Ack(context.Background(), "bob", ref))
	require.Len(t, f.disp.receipts, 1)
	r := f.disp.receipts[0]
	assert.Equal(t, ref, r.Ref)
	assert.Equal(t, model.UserID("bob"), r.Recipient)
	assert.Equal(t, model.DeliveryAcknowledged, r.State)
	assert.Empty(t, r.Origin, "acks are offered to every instance")

	require.ErrorIs(t, svc.Ack(context.Background(), "bob", model.MessageRef{RoomID: "team"}), model.ErrInvalidPayload)
}
