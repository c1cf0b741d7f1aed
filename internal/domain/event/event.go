package event

import "github.com/webitel/im-fanout-service/internal/domain/model"

type EventKind int16

const (
	Connected       EventKind = iota + 1 // [SYSTEM]
	Disconnected                         // [SYSTEM]
	MessageReceived                      // [BUSINESS]
	SendResult                           // [BUSINESS]
	DeliveryStatus                       // [BUSINESS]
	Failure                              // [SYSTEM]
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case MessageReceived:
		return "message_received"
	case SendResult:
		return "send_result"
	case DeliveryStatus:
		return "delivery_status"
	case Failure:
		return "error"
	default:
		return "unknown"
	}
}

type EventPriority int32

const (
	PriorityLow    EventPriority = 10
	PriorityNormal EventPriority = 20
	PriorityHigh   EventPriority = 30
)

// Eventer defines the contract for all data packets flowing through the Hub.
type Eventer interface {
	GetID() string
	GetKind() EventKind
	GetUserID() model.UserID
	GetPriority() EventPriority
	GetOccurredAt() int64
	GetPayload() any
	GetCached() any
	SetCached(any)
}
