/*
Package registry provides the connection registry based on the Actor Model.

Key Architectural Concepts:
  - Virtual Cells: Every active user is represented by an isolated 'Cell' (Actor) that
    encapsulates all concurrent sessions (WebSocket, long-poll) for that identity.
  - Decoupling & Backpressure: Through per-user mailboxes, slow network consumers
    never block the bus consumer or the router.
  - Concurrency Management: Lock-free lookups via sync.Map and per-user locking
    inside cells; there is no global mutex on the delivery path.
  - Presence: Register/Unregister emit presence changes so other instances know
    where a user is connected (see Directory).
*/
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-fanout-service/internal/domain/event"
	"github.com/webitel/im-fanout-service/internal/domain/model"
)

// Celler defines the internal API for user-specific delivery units.
type Celler interface {
	Push(ev event.Eventer) bool
	Attach(conn Connector) bool
	Detach(connID uuid.UUID) (remaining int)
	Sessions() []uuid.UUID
	TryStop(idle time.Duration) bool
	Stop()
}

// Cell implements [ISOLATED_DELIVERY] logic for a single user.
type Cell struct {
	// [IDENTITY]
	userID model.UserID

	// [MAILBOX]
	// Buffered channel that decouples the bus consumer from individual delivery.
	mailbox chan event.Eventer

	// [SESSIONS]
	// All live transport channels for the user (multi-device).
	sessions map[uuid.UUID]Connector

	sendTimeout time.Duration

	// [CONCURRENCY_CONTROL]
	mu sync.RWMutex

	// [LIFECYCLE_CONTROL]
	doneCh   chan struct{}
	stopOnce sync.Once
	stopped  bool

	lastActivityAt time.Time
}

func NewCell(userID model.UserID, bufferSize int, sendTimeout time.Duration) *Cell {
	c := &Cell{
		userID:         userID,
		mailbox:        make(chan event.Eventer, bufferSize),
		sessions:       make(map[uuid.UUID]Connector),
		sendTimeout:    sendTimeout,
		doneCh:         make(chan struct{}),
		lastActivityAt: time.Now(),
	}
	go c.loop()
	return c
}

// Push enqueues ev when at least one session is live.
// A false return means nothing was handed to a connection.
func (c *Cell) Push(ev event.Eventer) bool {
	c.mu.Lock()
	if c.stopped || len(c.sessions) == 0 {
		c.mu.Unlock()
		return false
	}
	c.lastActivityAt = time.Now()
	c.mu.Unlock()

	select {
	case c.mailbox <- ev:
		return true
	default:
		return false
	}
}

// Attach adds a session. It returns false if the cell is already stopped,
// in which case the caller must create a fresh cell.
func (c *Cell) Attach(conn Connector) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.lastActivityAt = time.Now()
	c.sessions[conn.GetID()] = conn
	return true
}

func (c *Cell) Detach(connID uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, connID)
	c.lastActivityAt = time.Now()
	return len(c.sessions)
}

func (c *Cell) Sessions() []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

// TryStop atomically stops the cell if it has no sessions and was quiet for idle.
func (c *Cell) TryStop(idle time.Duration) bool {
	c.mu.Lock()
	if c.stopped || len(c.sessions) > 0 || time.Since(c.lastActivityAt) < idle {
		c.mu.Unlock()
		return false
	}
	c.stopped = true
	c.mu.Unlock()
	c.Stop()
	return true
}

func (c *Cell) loop() {
	for {
		select {
		case <-c.doneCh:
			return
		case ev := <-c.mailbox:
			c.deliver(ev)
		}
	}
}

func (c *Cell) deliver(ev event.Eventer) {
	c.mu.RLock()
	targets := make([]Connector, 0, len(c.sessions))
	for _, conn := range c.sessions {
		targets = append(targets, conn)
	}
	c.mu.RUnlock()

	for _, conn := range targets {
		conn.Send(ev, c.sendTimeout)
	}
}

// Stop terminates the actor goroutine and closes every remaining session.
func (c *Cell) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		sessions := c.sessions
		c.sessions = make(map[uuid.UUID]Connector)
		c.mu.Unlock()

		close(c.doneCh)
		for _, conn := range sessions {
			conn.Close()
		}
	})
}
