package event

import (
	"sync"

	"github.com/webitel/im-fanout-service/internal/domain/model"
)

var _ Eventer = (*MessageEvent)(nil)

// MessageEvent is a domain event wrapper that facilitates the "Fan-out" delivery pattern.
//
// [STRATEGY]
// It distinguishes between:
//   - [BUSINESS_PEERS] (Message.SenderID / Message.RoomID): Logical participants (The "Who").
//   - [ROUTING_TARGET] (UserID): The physical recipient of this event instance (The "Where").
//
// One persisted message produces one MessageEvent per recipient on every node
// that holds a live session for that recipient.
type MessageEvent struct {
	Message *model.Message
	UserID  model.UserID // [PHYSICAL_RECIPIENT]
	Attempt int

	mu     sync.Mutex // guards cached; sessions of one user marshal concurrently
	cached any
}

// NewMessageEvent binds an immutable message to a single recipient.
func NewMessageEvent(msg *model.Message, userID model.UserID, attempt int) *MessageEvent {
	return &MessageEvent{
		Message: msg,
		UserID:  userID,
		Attempt: attempt,
	}
}

// GetID is the message reference, so client-side dedup can key on it across retries.
func (e *MessageEvent) GetID() string              { return e.Message.Ref().String() }
func (e *MessageEvent) GetPayload() any            { return e.Message }
func (e *MessageEvent) GetUserID() model.UserID    { return e.UserID }
func (e *MessageEvent) GetOccurredAt() int64       { return e.Message.CreatedAt.UnixMilli() }
func (e *MessageEvent) GetKind() EventKind         { return MessageReceived }
func (e *MessageEvent) GetPriority() EventPriority { return PriorityHigh }

func (e *MessageEvent) GetCached() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cached
}

func (e *MessageEvent) SetCached(v any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cached = v
}
