package event

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-fanout-service/internal/domain/model"
)

// [GUARD] Ensure compliance with the Eventer interface.
var _ Eventer = (*SystemEvent)(nil)

// SystemEvent is a generic envelope for internal signals and domain notifications.
type SystemEvent struct {
	id         string
	userID     model.UserID
	kind       EventKind
	priority   EventPriority
	occurredAt int64
	payload    any

	mu     sync.Mutex
	cached any // transport-specific serialization, computed once per event
}

// [INTERFACE_IMPLEMENTATION]
func (e *SystemEvent) GetID() string              { return e.id }
func (e *SystemEvent) GetKind() EventKind         { return e.kind }
func (e *SystemEvent) GetUserID() model.UserID    { return e.userID }
func (e *SystemEvent) GetPriority() EventPriority { return e.priority }
func (e *SystemEvent) GetOccurredAt() int64       { return e.occurredAt }
func (e *SystemEvent) GetPayload() any            { return e.payload }

func (e *SystemEvent) GetCached() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cached
}

func (e *SystemEvent) SetCached(v any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cached = v
}

// NewSystemEvent is a universal factory for creating any signal.
func NewSystemEvent(userID model.UserID, kind EventKind, priority EventPriority, payload any) *SystemEvent {
	return &SystemEvent{
		id:         uuid.NewString(),
		userID:     userID,
		kind:       kind,
		priority:   priority,
		occurredAt: time.Now().UnixMilli(),
		payload:    payload,
	}
}

// NewFailureEvent wraps a typed error for the client.
func NewFailureEvent(userID model.UserID, requestID string, err error) *SystemEvent {
	return NewSystemEvent(userID, Failure, PriorityHigh, &model.ErrorPayload{
		RequestID: requestID,
		Code:      model.CodeOf(err),
		Message:   err.Error(),
	})
}
