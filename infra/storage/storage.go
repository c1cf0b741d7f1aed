// Package storage persists messages and room metadata.
//
// Every driver guarantees that message IDs within a room are strictly
// increasing and gapless per successful append, and that an append repeated
// with the same (room, sender, idempotency key) returns the original message.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/webitel/im-fanout-service/internal/domain/model"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

type AppendRequest struct {
	RoomID         model.RoomID
	SenderID       model.UserID
	Body           string
	IdempotencyKey string // optional
	CreatedAt      time.Time
}

type MessageStore interface {
	// AppendMessage assigns the next room sequence number. duplicate is true
	// when the idempotency key matched an earlier append.
	AppendMessage(ctx context.Context, req AppendRequest) (msg model.Message, duplicate bool, err error)
	// LoadHistory returns up to limit messages older than beforeID, newest
	// first. beforeID 0 starts from the latest message. limit is clamped to
	// MaxHistoryLimit.
	LoadHistory(ctx context.Context, roomID model.RoomID, beforeID uint64, limit int) ([]model.Message, error)
	LoadMessage(ctx context.Context, ref model.MessageRef) (model.Message, error)
}

type RoomStore interface {
	// SaveRoom stores room metadata. Saving an existing id keeps the first version.
	SaveRoom(ctx context.Context, room model.Room) (model.Room, error)
	LoadRoom(ctx context.Context, roomID model.RoomID) (model.Room, error)
}

type Store interface {
	MessageStore
	RoomStore
	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return min(limit, MaxHistoryLimit)
}

func createdAt(req AppendRequest) time.Time {
	if req.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return req.CreatedAt.UTC()
}
