package wsmarshaller

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-fanout-service/internal/domain/event"
	"github.com/webitel/im-fanout-service/internal/domain/model"
)

func TestMarshallDeliveryEvent_Message(t *testing.T) {
	msg := &model.Message{ID: 42, RoomID: "team", SenderID: "alice", Body: "hi", CreatedAt: time.UnixMilli(1700000000000)}
	ev := event.NewMessageEvent(msg, "bob", 2)

	b, err := MarshallDeliveryEvent(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"event": "message_received",
		"id": "team/42",
		"sent_at": 1700000000000,
		"payload": {
			"message_id": 42,
			"room_id": "team",
			"sender_id": "alice",
			"body": "hi",
			"created_at": 1700000000000,
			"attempt": 2
		}
	}`, string(b))
}

func TestMarshallDeliveryEvent_ErrorAndCache(t *testing.T) {
	ev := event.NewFailureEvent("alice", "req-1", model.NewError(model.CodeNotAMember, "router.Send", errors.New("nope")))

	var wg sync.WaitGroup
	out := make([][]byte, 8)
	for i := range out {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := MarshallDeliveryEvent(ev)
			assert.NoError(t, err)
			out[i] = b
		}()
	}
	wg.Wait()

	var frame struct {
		Event   string             `json:"event"`
		Payload model.ErrorPayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(out[0], &frame))
	assert.Equal(t, "error", frame.Event)
	assert.Equal(t, model.CodeNotAMember, frame.Payload.Code)
	assert.Equal(t, "req-1", frame.Payload.RequestID)
	for _, b := range out[1:] {
		assert.Equal(t, out[0], b)
	}
}

func TestMarshallDeliveryEvent_UnsupportedPayload(t *testing.T) {
	_, err := MarshallDeliveryEvent(event.NewSystemEvent("alice", event.Connected, event.PriorityLow, "raw"))
	require.Error(t, err)
}

func TestUnmarshallInbound(t *testing.T) {
	f, err := UnmarshallInbound([]byte(`{"type":"send_message","request_id":"r1","participant_ids":["bob"],"body":"yo","idempotency_key":"k"}`))
	require.NoError(t, err)
	assert.Equal(t, InboundSendMessage, f.Type)
	assert.Equal(t, []model.UserID{"bob"}, f.ParticipantIDs)
	assert.Equal(t, "k", f.IdempotencyKey)

	f, err = UnmarshallInbound([]byte(`{"type":"ack","room_id":"team","message_id":7}`))
	require.NoError(t, err)
	assert.Equal(t, model.RoomID("team"), f.RoomID)
	assert.Equal(t, uint64(7), f.MessageID)

	_, err = UnmarshallInbound([]byte(`{"type":"subscribe"}`))
	require.ErrorIs(t, err, model.ErrInvalidPayload)

	_, err = UnmarshallInbound([]byte(`not json`))
	require.ErrorIs(t, err, model.ErrInvalidPayload)
}
