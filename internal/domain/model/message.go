package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UserID is the opaque identity issued by the auth collaborator.
// The core never interprets it beyond equality and ordering.
type UserID string

func (u UserID) String() string { return string(u) }

// RoomID identifies a delivery target (direct or group conversation).
type RoomID string

func (r RoomID) String() string { return string(r) }

// [MESSAGE] CORE ENTITY, IMMUTABLE ONCE PERSISTED
type Message struct {
	// ID is monotonic and gapless within RoomID.
	ID        uint64    `json:"message_id"`
	RoomID    RoomID    `json:"room_id"`
	SenderID  UserID    `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Ref returns the globally unique reference of the message.
func (m *Message) Ref() MessageRef {
	return MessageRef{RoomID: m.RoomID, ID: m.ID}
}

// MessageRef names a message across rooms. Message IDs are only unique per room.
type MessageRef struct {
	RoomID RoomID `json:"room_id"`
	ID     uint64 `json:"message_id"`
}

func (r MessageRef) String() string {
	return r.RoomID.String() + "/" + strconv.FormatUint(r.ID, 10)
}

// ParseMessageRef is the inverse of MessageRef.String.
func ParseMessageRef(s string) (MessageRef, error) {
	i := strings.LastIndexByte(s, '/')
	if i <= 0 || i == len(s)-1 {
		return MessageRef{}, fmt.Errorf("malformed message ref %q", s)
	}
	id, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return MessageRef{}, fmt.Errorf("malformed message ref %q: %w", s, err)
	}
	return MessageRef{RoomID: RoomID(s[:i]), ID: id}, nil
}
