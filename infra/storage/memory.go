package storage

import (
	"context"
	"sync"

	"github.com/webitel/im-fanout-service/internal/domain/model"
)

var _ Store = (*MemoryStore)(nil)

type memoryRoom struct {
	messages []model.Message // index i holds ID i+1
	idem     map[idemKey]uint64
}

type idemKey struct {
	sender model.UserID
	key    string
}

// MemoryStore keeps everything in process memory. Used in tests and
// single-node development.
type MemoryStore struct {
	mu     sync.RWMutex
	rooms  map[model.RoomID]*model.Room
	logs   map[model.RoomID]*memoryRoom
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[model.RoomID]*model.Room),
		logs:  make(map[model.RoomID]*memoryRoom),
	}
}

func (s *MemoryStore) AppendMessage(ctx context.Context, req AppendRequest) (model.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Message{}, false, ErrClosed
	}

	log := s.logs[req.RoomID]
	if log == nil {
		log = &memoryRoom{idem: make(map[idemKey]uint64)}
		s.logs[req.RoomID] = log
	}

	if req.IdempotencyKey != "" {
		if id, ok := log.idem[idemKey{req.SenderID, req.IdempotencyKey}]; ok {
			return log.messages[id-1], true, nil
		}
	}

	msg := model.Message{
		ID:        uint64(len(log.messages)) + 1,
		RoomID:    req.RoomID,
		SenderID:  req.SenderID,
		Body:      req.Body,
		CreatedAt: createdAt(req),
	}
	log.messages = append(log.messages, msg)
	if req.IdempotencyKey != "" {
		log.idem[idemKey{req.SenderID, req.IdempotencyKey}] = msg.ID
	}
	return msg, false, nil
}

func (s *MemoryStore) LoadHistory(ctx context.Context, roomID model.RoomID, beforeID uint64, limit int) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[roomID]
	if log == nil {
		return []model.Message{}, nil
	}
	end := uint64(len(log.messages))
	if beforeID > 0 && beforeID-1 < end {
		end = beforeID - 1
	}
	limit = normalizeLimit(limit)

	out := make([]model.Message, 0, min(uint64(limit), end))
	for i := end; i > 0 && len(out) < limit; i-- {
		out = append(out, log.messages[i-1])
	}
	return out, nil
}

func (s *MemoryStore) LoadMessage(ctx context.Context, ref model.MessageRef) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[ref.RoomID]
	if log == nil || ref.ID == 0 || ref.ID > uint64(len(log.messages)) {
		return model.Message{}, ErrNotFound
	}
	return log.messages[ref.ID-1], nil
}

func (s *MemoryStore) SaveRoom(ctx context.Context, room model.Room) (model.Room, error) {
	if err := ctx.Err(); err != nil {
		return model.Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Room{}, ErrClosed
	}

	if existing, ok := s.rooms[room.ID]; ok {
		return cloneRoom(*existing), nil
	}
	stored := cloneRoom(room)
	s.rooms[room.ID] = &stored
	return cloneRoom(stored), nil
}

func (s *MemoryStore) LoadRoom(ctx context.Context, roomID model.RoomID) (model.Room, error) {
	if err := ctx.Err(); err != nil {
		return model.Room{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return model.Room{}, ErrNotFound
	}
	return cloneRoom(*room), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneRoom(r model.Room) model.Room {
	r.Members = r.Members.Clone()
	return r
}
