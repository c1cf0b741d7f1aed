package wsmarshaller

import (
	"encoding/json"
	"fmt"

	"github.com/webitel/im-fanout-service/internal/domain/event"
	"github.com/webitel/im-fanout-service/internal/domain/model"
)

// WSEvent is a generic wrapper for WebSocket messages to provide consistent structure
type WSEvent struct {
	Event   string `json:"event"` // e.g., "message_received", "connected"
	ID      string `json:"id"`    // message ref or event ID
	SentAt  int64  `json:"sent_at"`
	Payload any    `json:"payload"`
}

// Frame maps a domain event to its wire shape.
func Frame(ev event.Eventer) (*WSEvent, error) {
	res := &WSEvent{
		Event:  ev.GetKind().String(),
		ID:     ev.GetID(),
		SentAt: ev.GetOccurredAt(),
	}

	switch p := ev.GetPayload().(type) {
	case *model.Message:
		res.Payload = mapMessage(p, ev)
	case *model.ConnectedPayload, *model.DisconnectedPayload, *model.SendResultPayload,
		*model.DeliveryStatusPayload, *model.ErrorPayload:
		res.Payload = p
	default:
		return nil, fmt.Errorf("ws marshaller: unsupported payload %T for %s", p, ev.GetKind())
	}
	return res, nil
}

// MarshallDeliveryEvent prepares data for WebSocket transmission. The encoding
// is cached on the event, so a user with several sessions pays for it once.
func MarshallDeliveryEvent(ev event.Eventer) ([]byte, error) {
	if b, ok := ev.GetCached().([]byte); ok {
		return b, nil
	}

	frame, err := Frame(ev)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("ws marshaller: %w", err)
	}
	ev.SetCached(b)
	return b, nil
}
