package lp

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/webitel/im-fanout-service/infra/server/httpsrv"
	"github.com/webitel/im-fanout-service/internal/domain/event"
	"github.com/webitel/im-fanout-service/internal/domain/registry"
	lpmarshaller "github.com/webitel/im-fanout-service/internal/handler/marshaller/lp"
	"github.com/webitel/im-fanout-service/internal/service"
)

const pollTimeout = 30 * time.Second

type LPHandler struct {
	deliverer service.Deliverer
	logger    *slog.Logger
	timeout   time.Duration
}

func NewLPHandler(deliverer service.Deliverer, logger *slog.Logger) *LPHandler {
	return &LPHandler{
		deliverer: deliverer,
		logger:    logger.With(slog.String("component", "lp")),
		timeout:   pollTimeout,
	}
}

func (h *LPHandler) Mount(r chi.Router) {
	r.Get("/v1/poll", h.Poll)
}

// Poll handles the long-polling request.
// It holds the connection until an event arrives or timeout occurs.
func (h *LPHandler) Poll(w http.ResponseWriter, r *http.Request) {
	// 1. Extract Identity (verified by the auth middleware).
	userID, ok := httpsrv.UserFromContext(r.Context())
	if !ok {
		httpsrv.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthenticated"})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// 2. Temporary Subscription.
	// The connector lives only for the duration of this HTTP request. Coming
	// online makes the tracker resend whatever is still pending for the user.
	conn, err := h.deliverer.Subscribe(ctx, userID, registry.ConnectMetadata{
		Transport: "lp",
		RemoteIP:  r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.logger.Warn("LP_SUBSCRIBE_FAILED", slog.String("user_id", userID.String()), slog.Any("err", err))
		httpsrv.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "subscribe failed"})
		return
	}

	// Detaching before the final drain means nothing lands in the buffer
	// after it; anything already there is answered in this poll, since its
	// records were marked delivered when the cell accepted them.
	detach := sync.OnceFunc(func() {
		h.deliverer.Unsubscribe(context.WithoutCancel(ctx), conn.GetID())
		conn.Close()
	})
	defer detach()

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	// 3. Wait for data or timeout. The handshake is meaningless to a poller.
	var events []event.Eventer
waitLoop:
	for len(events) == 0 {
		select {
		case <-ctx.Done():
			// Client disconnected.
			return
		case <-conn.Done():
			break waitLoop
		case <-timer.C:
			break waitLoop
		case ev := <-conn.Recv():
			if ev.GetKind() != event.Connected {
				events = append(events, ev)
			}
		}
	}

	detach()
drainLoop:
	for {
		select {
		case ev := <-conn.Recv():
			if ev.GetKind() != event.Connected {
				events = append(events, ev)
			}
		default:
			break drainLoop
		}
	}
	if len(events) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// 4. Final transmission.
	data, err := lpmarshaller.MarshallEvents(events)
	if err != nil {
		h.logger.Error("LP_MARSHAL_FAILED", slog.Any("err", err))
		httpsrv.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "marshal error"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
