package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-fanout-service/internal/domain/event"
	"github.com/webitel/im-fanout-service/internal/domain/model"
)

// Interface guard
var _ Connector = (*connect)(nil)

// [CONNECTOR] THE INTERFACE FOR EXTERNAL LAYERS (REGISTRY/HUB)
// This allows mocking and decoupling from the concrete implementation
type Connector interface {
	GetID() uuid.UUID
	GetUserID() model.UserID
	GetInstanceID() string
	EstablishedAt() time.Time
	Send(ev event.Eventer, timeout time.Duration) bool // Thread-safe send with backpressure handling
	Recv() <-chan event.Eventer
	Done() <-chan struct{}
	Dropped() uint64
	Close() // Terminate connection and release resources
}

// [METADATA] EXPORTED FOR TRANSPORT AND ANALYTICS LAYERS
type ConnectMetadata struct {
	Transport string // "ws", "lp"
	RemoteIP  string
	UserAgent string
}

// [CONNECT] CONCRETE IMPLEMENTATION (UNEXPORTED TO FORCE INTERFACE USAGE)
type connect struct {
	id            uuid.UUID
	userID        model.UserID
	instanceID    string
	metadata      ConnectMetadata
	establishedAt time.Time
	ctx           context.Context
	cancelFn      context.CancelFunc
	sendCh        chan event.Eventer
	closeOnce     sync.Once
	droppedCount  uint64 // [ATOMIC_FIELD]
}

// NewConnector creates a session bound to ctx. Cancelling ctx closes the session.
func NewConnector(ctx context.Context, userID model.UserID, instanceID string, bufferSize int, meta ConnectMetadata) Connector {
	return newConnectorWithID(ctx, uuid.New(), userID, instanceID, bufferSize, meta)
}

func newConnectorWithID(ctx context.Context, id uuid.UUID, userID model.UserID, instanceID string, bufferSize int, meta ConnectMetadata) *connect {
	childCtx, cancel := context.WithCancel(ctx)
	return &connect{
		id:            id,
		userID:        userID,
		instanceID:    instanceID,
		metadata:      meta,
		establishedAt: time.Now(),
		ctx:           childCtx,
		cancelFn:      cancel,
		sendCh:        make(chan event.Eventer, bufferSize),
	}
}

// --- IMPLEMENTATION OF CONNECTOR INTERFACE ---

func (c *connect) GetID() uuid.UUID           { return c.id }
func (c *connect) GetUserID() model.UserID    { return c.userID }
func (c *connect) GetInstanceID() string      { return c.instanceID }
func (c *connect) EstablishedAt() time.Time   { return c.establishedAt }
func (c *connect) Recv() <-chan event.Eventer { return c.sendCh }
func (c *connect) Done() <-chan struct{}      { return c.ctx.Done() }
func (c *connect) Dropped() uint64            { return atomic.LoadUint64(&c.droppedCount) }

// Send attempts to push an event into the session buffer.
// If the buffer stays full for the whole timeout, it tries to evict lower priority events.
func (c *connect) Send(ev event.Eventer, timeout time.Duration) bool {
	// [RESOURCE_MANAGEMENT] A localized timer enforces a strict delivery window,
	// so the user Cell is never held hostage by a single stalled session.
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	// 1. [LIFECYCLE_GATE] Abort if the transport is already dead.
	case <-c.ctx.Done():
		return false

	// 2. [PRIMARY_DELIVERY] Wait up to 'timeout' for buffer space.
	case c.sendCh <- ev:
		return true

	// 3. [BACKPRESSURE_THRESHOLD] Persistent slow consumer.
	case <-timer.C:
		return c.handleBackpressure(ev)
	}
}

// handleBackpressure manages full buffers by dropping low-priority events.
func (c *connect) handleBackpressure(ev event.Eventer) bool {
	if ev.GetPriority() <= event.PriorityLow {
		atomic.AddUint64(&c.droppedCount, 1)
		return false
	}

	// Try to evict one queued lower-priority event to make room.
	select {
	case oldEv := <-c.sendCh:
		if oldEv.GetPriority() < ev.GetPriority() {
			select {
			case c.sendCh <- ev:
				atomic.AddUint64(&c.droppedCount, 1)
				return true
			default:
			}
		} else {
			// Existing event was as important; put it back (best effort).
			select {
			case c.sendCh <- oldEv:
			default:
				atomic.AddUint64(&c.droppedCount, 1)
			}
		}
	default:
	}

	atomic.AddUint64(&c.droppedCount, 1)
	return false
}

// Close terminates the session. The send channel is never closed: readers
// select on Done() instead, so concurrent Send calls can never panic.
func (c *connect) Close() {
	c.closeOnce.Do(func() {
		c.cancelFn()
	})
}
