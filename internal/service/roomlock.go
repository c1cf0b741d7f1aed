package service

import (
	"sync"

	"github.com/webitel/im-fanout-service/internal/domain/model"
)

// roomLocks serializes work per room. Entries are ref-counted and dropped
// once nobody holds or waits for them, so idle rooms cost nothing.
type roomLocks struct {
	mu    sync.Mutex
	locks map[model.RoomID]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[model.RoomID]*roomLock)}
}

// Lock blocks until the room is free and returns its release func.
func (l *roomLocks) Lock(id model.RoomID) func() {
	l.mu.Lock()
	rl, ok := l.locks[id]
	if !ok {
		rl = &roomLock{}
		l.locks[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()

	return func() {
		rl.mu.Unlock()

		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *roomLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
