package model

import (
	"slices"
	"time"
)

type RoomKind int16

const (
	// [ZERO_VALUE_GUARD] WE START FROM 1 TO DISTINGUISH FROM UNINITIALIZED DATA
	RoomDirect RoomKind = iota + 1
	RoomGroup
)

func (k RoomKind) String() string {
	switch k {
	case RoomDirect:
		return "direct"
	case RoomGroup:
		return "group"
	default:
		return "unknown"
	}
}

func (k RoomKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *RoomKind) UnmarshalText(b []byte) error {
	*k = ParseRoomKind(string(b))
	return nil
}

// ParseRoomKind maps the wire name back to a RoomKind. Zero means unknown.
func ParseRoomKind(s string) RoomKind {
	switch s {
	case "direct":
		return RoomDirect
	case "group":
		return RoomGroup
	default:
		return 0
	}
}

// Room is a logical delivery target.
type Room struct {
	ID        RoomID    `json:"room_id"`
	Kind      RoomKind  `json:"kind"`
	Members   Members   `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// Members is a sorted, duplicate-free set of identities.
// Values handed out by the RoomManager are copies; mutating them never
// affects any other observer.
type Members []UserID

// NewMembers normalizes ids into a sorted set, dropping empty identities.
func NewMembers(ids ...UserID) Members {
	out := make(Members, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (m Members) Contains(id UserID) bool {
	_, ok := slices.BinarySearch(m, id)
	return ok
}

// Without returns a copy of the set minus id.
func (m Members) Without(id UserID) Members {
	out := make(Members, 0, len(m))
	for _, member := range m {
		if member != id {
			out = append(out, member)
		}
	}
	return out
}

func (m Members) Clone() Members {
	return slices.Clone(m)
}

func (m Members) Equal(other Members) bool {
	return slices.Equal(m, other)
}
