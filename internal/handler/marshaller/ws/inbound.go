package wsmarshaller

import (
	"encoding/json"
	"fmt"

	"github.com/webitel/im-fanout-service/internal/domain/model"
)

const (
	InboundSendMessage = "send_message"
	InboundAck         = "ack"
)

// InboundFrame is any client -> server frame. Type selects which fields apply.
type InboundFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`

	// send_message
	RoomID         model.RoomID   `json:"room_id,omitempty"`
	ParticipantIDs []model.UserID `json:"participant_ids,omitempty"`
	Body           string         `json:"body,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`

	// ack (room_id is shared)
	MessageID uint64 `json:"message_id,omitempty"`
}

func UnmarshallInbound(data []byte) (*InboundFrame, error) {
	f := new(InboundFrame)
	if err := json.Unmarshal(data, f); err != nil {
		return nil, model.NewError(model.CodeInvalidPayload, "ws.decode", err)
	}
	switch f.Type {
	case InboundSendMessage, InboundAck:
		return f, nil
	default:
		return f, model.NewError(model.CodeInvalidPayload, "ws.decode", fmt.Errorf("unknown frame type %q", f.Type))
	}
}
