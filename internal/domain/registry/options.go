package registry

import (
	"log/slog"
	"time"
)

// Option defines a functional configuration type for the Hub.
type Option func(*Hub)

// WithEvictionInterval configures how often the [JANITOR] process runs
// to reclaim memory from inactive users. Zero disables the janitor.
func WithEvictionInterval(d time.Duration) Option {
	return func(h *Hub) {
		h.config.evictionInterval = d
	}
}

// WithIdleTimeout defines the [QUIET_PERIOD] after which a user cell
// without active sessions is considered eligible for eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.config.idleTimeout = d
	}
}

// WithMailboxSize sets the [BACKPRESSURE] threshold.
// It defines the buffer capacity for each individual user's actor mailbox.
func WithMailboxSize(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.config.mailboxSize = size
		}
	}
}

// WithSendTimeout bounds how long a cell waits on one slow session.
func WithSendTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.config.sendTimeout = d
		}
	}
}

func WithPresencePublisher(p PresencePublisher) Option {
	return func(h *Hub) {
		h.presence = p
	}
}

// WithPresenceRefresh re-asserts local users in dir every interval.
// Zero disables the refresher.
func WithPresenceRefresh(dir Directory, interval time.Duration) Option {
	return func(h *Hub) {
		h.directory = dir
		h.config.refreshInterval = interval
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}
