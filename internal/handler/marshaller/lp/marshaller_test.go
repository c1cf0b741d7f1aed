package lpmarshaller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-fanout-service/internal/domain/event"
	"github.com/webitel/im-fanout-service/internal/domain/model"
)

func TestMarshallEvents_SkipsUnmapped(t *testing.T) {
	msg := &model.Message{ID: 3, RoomID: "team", SenderID: "alice", Body: "hi", CreatedAt: time.UnixMilli(1000)}
	b, err := MarshallEvents([]event.Eventer{
		event.NewMessageEvent(msg, "bob", 1),
		event.NewSystemEvent("bob", event.Connected, event.PriorityLow, "not a payload"),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"events":[{
		"event":"message_received","id":"team/3","sent_at":1000,
		"payload":{"message_id":3,"room_id":"team","sender_id":"alice","body":"hi","created_at":1000}
	}]}`, string(b))
}

func TestMarshallEvents_Empty(t *testing.T) {
	b, err := MarshallEvents(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"events":[]}`, string(b))
}
