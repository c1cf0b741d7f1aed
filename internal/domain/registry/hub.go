package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-fanout-service/internal/domain/event"
	"github.com/webitel/im-fanout-service/internal/domain/model"
)

// Hubber defines the gateway for user session management and event routing.
type Hubber interface {
	Register(ctx context.Context, conn Connector)
	Unregister(ctx context.Context, connID uuid.UUID)
	ConnectionsFor(userID model.UserID) []uuid.UUID
	IsConnected(userID model.UserID) bool
	Deliver(ev event.Eventer) bool
	Stats() model.HubStats
	Shutdown()
}

// PresencePublisher announces local connection changes to the rest of the cluster.
type PresencePublisher interface {
	PublishPresence(ctx context.Context, p model.Presence) error
}

type hubConfig struct {
	evictionInterval time.Duration
	idleTimeout      time.Duration
	mailboxSize      int
	sendTimeout      time.Duration
	refreshInterval  time.Duration
}

// Hub implements a [SCALABLE_REGISTRY] using Virtual Cell pattern.
type Hub struct {
	instanceID string
	config     hubConfig
	presence   PresencePublisher
	directory  Directory
	logger     *slog.Logger

	// cells stores Map[model.UserID]*Cell. Optimized for [READ_HEAVY] workloads.
	cells sync.Map
	// owners stores Map[uuid.UUID]model.UserID so Unregister needs only the connection id.
	owners sync.Map

	startedAt time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewHub(instanceID string, opts ...Option) *Hub {
	h := &Hub{
		instanceID: instanceID,
		config: hubConfig{
			evictionInterval: time.Minute,
			idleTimeout:      5 * time.Minute,
			mailboxSize:      1024,
			sendTimeout:      time.Second,
		},
		logger:    slog.Default(),
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.config.evictionInterval > 0 {
		h.wg.Add(1)
		go h.janitor()
	}
	if h.directory != nil && h.config.refreshInterval > 0 {
		h.wg.Add(1)
		go h.refresher()
	}
	return h
}

// Register attaches conn to its user's cell. Registering an id that is already
// known replaces the previous binding.
func (h *Hub) Register(ctx context.Context, conn Connector) {
	connID := conn.GetID()
	userID := conn.GetUserID()

	// [IDEMPOTENT_REPLACE] A reused connection id may move between identities.
	if prev, ok := h.owners.Load(connID); ok && prev.(model.UserID) != userID {
		h.detach(prev.(model.UserID), connID)
	}

	for {
		cell := h.cellFor(userID)
		if cell.Attach(conn) {
			break
		}
		// [RACE_GUARD] The janitor stopped this cell between load and attach.
		h.cells.CompareAndDelete(userID, cell)
	}
	h.owners.Store(connID, userID)

	count := len(h.ConnectionsFor(userID))
	h.logger.Debug("CONNECTION_REGISTERED",
		slog.String("user_id", userID.String()),
		slog.String("conn_id", connID.String()),
		slog.Int("connections", count),
	)
	h.announce(ctx, userID, connID, true, count)
}

// Unregister drops a connection by id. Unknown ids are ignored.
func (h *Hub) Unregister(ctx context.Context, connID uuid.UUID) {
	val, ok := h.owners.LoadAndDelete(connID)
	if !ok {
		return
	}
	userID := val.(model.UserID)
	remaining := h.detach(userID, connID)

	h.logger.Debug("CONNECTION_UNREGISTERED",
		slog.String("user_id", userID.String()),
		slog.String("conn_id", connID.String()),
		slog.Int("connections", remaining),
	)
	h.announce(ctx, userID, connID, false, remaining)
}

func (h *Hub) ConnectionsFor(userID model.UserID) []uuid.UUID {
	if val, ok := h.cells.Load(userID); ok {
		return val.(*Cell).Sessions()
	}
	return nil
}

func (h *Hub) IsConnected(userID model.UserID) bool {
	return len(h.ConnectionsFor(userID)) > 0
}

// Deliver routes event to the specific [USER_CELL]. Returns false on miss or overflow.
func (h *Hub) Deliver(ev event.Eventer) bool {
	if val, ok := h.cells.Load(ev.GetUserID()); ok {
		return val.(*Cell).Push(ev)
	}
	return false
}

func (h *Hub) Stats() model.HubStats {
	stats := model.HubStats{
		InstanceID: h.instanceID,
		Uptime:     time.Since(h.startedAt),
	}
	h.cells.Range(func(_, val any) bool {
		if n := len(val.(*Cell).Sessions()); n > 0 {
			stats.TotalUsers++
			stats.TotalConnections += n
		}
		return true
	})
	return stats
}

// Shutdown stops the janitor and every cell, closing all live sessions.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.wg.Wait()

		h.cells.Range(func(key, val any) bool {
			val.(*Cell).Stop()
			h.cells.Delete(key)
			return true
		})
		h.owners.Clear()
	})
}

func (h *Hub) cellFor(userID model.UserID) *Cell {
	if val, ok := h.cells.Load(userID); ok {
		return val.(*Cell)
	}
	// [LAZY_INIT] Create cell only when first connection arrives.
	fresh := NewCell(userID, h.config.mailboxSize, h.config.sendTimeout)
	val, loaded := h.cells.LoadOrStore(userID, fresh)
	if loaded {
		fresh.Stop()
	}
	return val.(*Cell)
}

func (h *Hub) detach(userID model.UserID, connID uuid.UUID) int {
	val, ok := h.cells.Load(userID)
	if !ok {
		return 0
	}
	return val.(*Cell).Detach(connID)
}

func (h *Hub) announce(ctx context.Context, userID model.UserID, connID uuid.UUID, online bool, count int) {
	if h.presence == nil {
		return
	}
	p := model.Presence{
		UserID:       userID,
		InstanceID:   h.instanceID,
		ConnectionID: connID.String(),
		Online:       online,
		Connections:  count,
		At:           time.Now(),
	}
	if err := h.presence.PublishPresence(ctx, p); err != nil {
		h.logger.Warn("PRESENCE_PUBLISH_FAILED",
			slog.String("user_id", userID.String()),
			slog.Bool("online", online),
			slog.Any("err", err),
		)
	}
}

// janitor reclaims cells that stayed empty for longer than the idle timeout.
func (h *Hub) janitor() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.config.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.evictIdle()
		}
	}
}

func (h *Hub) evictIdle() {
	evicted := 0
	h.cells.Range(func(key, val any) bool {
		cell := val.(*Cell)
		if cell.TryStop(h.config.idleTimeout) {
			h.cells.CompareAndDelete(key, cell)
			evicted++
		}
		return true
	})
	if evicted > 0 {
		h.logger.Debug("IDLE_CELLS_EVICTED", slog.Int("count", evicted))
	}
}

// RefreshPresence re-asserts every local user with live sessions in the
// directory, extending entries that would otherwise expire under a long
// session. It writes to the directory directly and never emits presence
// events, so it triggers no redelivery.
func (h *Hub) RefreshPresence(ctx context.Context) int {
	if h.directory == nil {
		return 0
	}
	refreshed := 0
	h.cells.Range(func(key, val any) bool {
		n := len(val.(*Cell).Sessions())
		if n == 0 {
			return true
		}
		userID := key.(model.UserID)
		err := h.directory.Apply(ctx, model.Presence{
			UserID:      userID,
			InstanceID:  h.instanceID,
			Online:      true,
			Connections: n,
			At:          time.Now(),
		})
		if err != nil {
			h.logger.Warn("PRESENCE_REFRESH_FAILED", slog.String("user_id", userID.String()), slog.Any("err", err))
			return ctx.Err() == nil
		}
		refreshed++
		return true
	})
	return refreshed
}

func (h *Hub) refresher() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.config.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.config.refreshInterval)
			if n := h.RefreshPresence(ctx); n > 0 {
				h.logger.Debug("PRESENCE_REFRESHED", slog.Int("users", n))
			}
			cancel()
		}
	}
}
