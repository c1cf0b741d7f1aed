// Package room groups identities into delivery targets.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/webitel/im-fanout-service/infra/storage"
	"github.com/webitel/im-fanout-service/internal/domain/model"
)

// directNamespace fixes the UUIDv5 space for direct room ids. Changing it
// re-keys every direct conversation.
var directNamespace = uuid.MustParse("6f1c2a7e-3b8d-5e4f-9a10-2c3d4e5f6a7b")

var groupIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Manager resolves rooms and membership snapshots.
type Manager interface {
	ResolveRoom(ctx context.Context, kind model.RoomKind, participants []model.UserID) (model.RoomID, error)
	MembersOf(ctx context.Context, roomID model.RoomID) (model.Members, error)
	Room(ctx context.Context, roomID model.RoomID) (model.Room, error)
	CreateGroup(ctx context.Context, roomID model.RoomID, members []model.UserID) (model.Room, error)
}

var _ Manager = (*manager)(nil)

type manager struct {
	store  storage.RoomStore
	logger *slog.Logger
	// rooms caches direct rooms only: their membership can never change.
	// Group membership is edited by an external collaborator, so every
	// lookup reads the current version from the store.
	rooms *lru.Cache[model.RoomID, model.Room]
	now   func() time.Time
}

func NewManager(store storage.RoomStore, logger *slog.Logger, cacheSize int) (Manager, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[model.RoomID, model.Room](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("room cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &manager{store: store, logger: logger, rooms: cache, now: time.Now}, nil
}

// DirectRoomID is a pure function of the unordered participant pair.
func DirectRoomID(a, b model.UserID) model.RoomID {
	pair := model.NewMembers(a, b)
	names := make([]string, len(pair))
	for i, id := range pair {
		names[i] = id.String()
	}
	// NUL cannot appear in identities, so the join is unambiguous.
	return model.RoomID(uuid.NewSHA1(directNamespace, []byte(strings.Join(names, "\x00"))).String())
}

func (m *manager) ResolveRoom(ctx context.Context, kind model.RoomKind, participants []model.UserID) (model.RoomID, error) {
	const op = "room.ResolveRoom"

	switch kind {
	case model.RoomDirect:
		members := model.NewMembers(participants...)
		if len(members) != 2 {
			return "", model.NewError(model.CodeInvalidPayload, op,
				fmt.Errorf("direct room needs exactly two distinct participants, got %d", len(members)))
		}
		id := DirectRoomID(members[0], members[1])
		if _, ok := m.rooms.Get(id); ok {
			return id, nil
		}
		room, err := m.store.SaveRoom(ctx, model.Room{
			ID:        id,
			Kind:      model.RoomDirect,
			Members:   members,
			CreatedAt: m.now().UTC(),
		})
		if err != nil {
			return "", model.NewError(model.CodePersistenceFailure, op, err)
		}
		if room.Kind != model.RoomDirect || !room.Members.Equal(members) {
			m.logger.Warn("DIRECT_ROOM_CONFLICT", slog.String("room_id", id.String()), slog.String("kind", room.Kind.String()))
			return "", model.NewError(model.CodeInvalidPayload, op, fmt.Errorf("room %s is not the direct room of this pair", id))
		}
		m.rooms.Add(id, room)
		m.logger.Debug("DIRECT_ROOM_RESOLVED", slog.String("room_id", id.String()))
		return id, nil

	case model.RoomGroup:
		if len(participants) != 1 {
			return "", model.NewError(model.CodeInvalidPayload, op, errors.New("group lookup takes the group id as its only participant"))
		}
		id := model.RoomID(participants[0])
		if _, err := m.Room(ctx, id); err != nil {
			return "", err
		}
		return id, nil

	default:
		return "", model.NewError(model.CodeInvalidPayload, op, fmt.Errorf("unknown room kind %d", kind))
	}
}

// MembersOf returns a snapshot that callers may keep or mutate freely.
func (m *manager) MembersOf(ctx context.Context, roomID model.RoomID) (model.Members, error) {
	room, err := m.Room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return room.Members.Clone(), nil
}

func (m *manager) Room(ctx context.Context, roomID model.RoomID) (model.Room, error) {
	const op = "room.Room"

	if room, ok := m.rooms.Get(roomID); ok {
		return cloned(room), nil
	}
	room, err := m.store.LoadRoom(ctx, roomID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Room{}, model.NewError(model.CodeRoomNotFound, op, fmt.Errorf("room %s", roomID))
	}
	if err != nil {
		return model.Room{}, model.NewError(model.CodePersistenceFailure, op, err)
	}
	if room.Kind == model.RoomDirect {
		m.rooms.Add(roomID, room)
	}
	return cloned(room), nil
}

func (m *manager) CreateGroup(ctx context.Context, roomID model.RoomID, members []model.UserID) (model.Room, error) {
	const op = "room.CreateGroup"

	if !groupIDPattern.MatchString(roomID.String()) {
		return model.Room{}, model.NewError(model.CodeInvalidPayload, op, fmt.Errorf("invalid group id %q", roomID))
	}
	// UUIDs are reserved for direct rooms.
	if _, err := uuid.Parse(roomID.String()); err == nil {
		return model.Room{}, model.NewError(model.CodeInvalidPayload, op, fmt.Errorf("group id %q is a uuid", roomID))
	}
	set := model.NewMembers(members...)
	if len(set) == 0 {
		return model.Room{}, model.NewError(model.CodeInvalidPayload, op, errors.New("group needs at least one member"))
	}

	room, err := m.store.SaveRoom(ctx, model.Room{
		ID:        roomID,
		Kind:      model.RoomGroup,
		Members:   set,
		CreatedAt: m.now().UTC(),
	})
	if err != nil {
		return model.Room{}, model.NewError(model.CodePersistenceFailure, op, err)
	}
	if room.Kind != model.RoomGroup {
		return model.Room{}, model.NewError(model.CodeInvalidPayload, op, fmt.Errorf("room %s exists and is %s", roomID, room.Kind))
	}
	m.logger.Info("GROUP_CREATED", slog.String("room_id", roomID.String()), slog.Int("members", len(room.Members)))
	return cloned(room), nil
}

func cloned(r model.Room) model.Room {
	r.Members = r.Members.Clone()
	return r
}
