package wsmarshaller

import (
	"github.com/webitel/im-fanout-service/internal/domain/event"
	"github.com/webitel/im-fanout-service/internal/domain/model"
)

type WSMessage struct {
	MessageID uint64 `json:"message_id"`
	RoomID    string `json:"room_id"`
	SenderID  string `json:"sender_id"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"created_at"`
	// Attempt > 1 marks a redelivery; clients dedup on (room_id, message_id).
	Attempt int `json:"attempt,omitempty"`
}

func mapMessage(m *model.Message, ev event.Eventer) *WSMessage {
	msg := &WSMessage{
		MessageID: m.ID,
		RoomID:    m.RoomID.String(),
		SenderID:  m.SenderID.String(),
		Body:      m.Body,
		CreatedAt: m.CreatedAt.UnixMilli(),
	}
	if me, ok := ev.(*event.MessageEvent); ok && me.Attempt > 1 {
		msg.Attempt = me.Attempt
	}
	return msg
}
