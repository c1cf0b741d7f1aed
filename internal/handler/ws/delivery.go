package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/webitel/im-fanout-service/infra/server/httpsrv"
	"github.com/webitel/im-fanout-service/internal/domain/event"
	"github.com/webitel/im-fanout-service/internal/domain/model"
	"github.com/webitel/im-fanout-service/internal/domain/registry"
	wsmarshaller "github.com/webitel/im-fanout-service/internal/handler/marshaller/ws"
	"github.com/webitel/im-fanout-service/internal/service"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
	maxFrameBytes = 64 << 10
	replyTimeout  = time.Second
)

var errSessionClosed = errors.New("ws session closed")

type Config struct {
	// AllowedOrigins empty keeps gorilla's same-origin check.
	AllowedOrigins []string
	// RateLimit is inbound frames per second per connection.
	RateLimit float64
	RateBurst int
}

type WSHandler struct {
	logger    *slog.Logger
	deliverer service.Deliverer
	sender    service.Sender
	upgrader  websocket.Upgrader
	limit     rate.Limit
	burst     int
}

func NewWSHandler(cfg Config, deliverer service.Deliverer, sender service.Sender, logger *slog.Logger) *WSHandler {
	h := &WSHandler{
		logger:    logger,
		deliverer: deliverer,
		sender:    sender,
		limit:     rate.Limit(cfg.RateLimit),
		burst:     cfg.RateBurst,
	}
	if cfg.RateLimit <= 0 {
		h.limit = rate.Inf
	}
	if h.burst <= 0 {
		h.burst = 1
	}
	if len(cfg.AllowedOrigins) > 0 {
		allowed := slices.Clone(cfg.AllowedOrigins)
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin.
			return origin == "" || slices.Contains(allowed, origin)
		}
	}
	return h
}

func (h *WSHandler) Mount(r chi.Router) {
	r.Get("/v1/ws", h.ServeHTTP)
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 1. EXTRACT USER ID (set by the auth middleware)
	userID, ok := httpsrv.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	// 2. UPGRADE TO WEBSOCKET
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WS_UPGRADE_FAILED", slog.String("user_id", userID.String()), slog.Any("err", err))
		return
	}
	defer ws.Close()

	// A hijacked request is no longer cancelled by the server, so the
	// session owns its own lifetime.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// 3. SUBSCRIBE VIA THE SAME SERVICE
	conn, err := h.deliverer.Subscribe(ctx, userID, registry.ConnectMetadata{
		Transport: "ws",
		RemoteIP:  r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.logger.Warn("WS_SUBSCRIBE_FAILED", slog.String("user_id", userID.String()), slog.Any("err", err))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(writeWait))
		return
	}
	defer h.deliverer.Unsubscribe(context.WithoutCancel(ctx), conn.GetID())

	s := &session{
		h:       h,
		ws:      ws,
		conn:    conn,
		userID:  userID,
		limiter: rate.NewLimiter(h.limit, h.burst),
	}

	// 4. PUMPS: every exit path returns an error so the group tears both down.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readPump(gctx) })
	g.Go(func() error { return s.writePump(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return ws.Close()
	})

	err = g.Wait()
	h.logger.Debug("WS_SESSION_ENDED",
		slog.String("user_id", userID.String()),
		slog.String("conn_id", conn.GetID().String()),
		slog.Uint64("dropped", conn.Dropped()),
		slog.Any("reason", err),
	)
}

// session is one upgraded socket. Only writePump writes to ws.
type session struct {
	h       *WSHandler
	ws      *websocket.Conn
	conn    registry.Connector
	userID  model.UserID
	limiter *rate.Limiter
}

func (s *session) readPump(ctx context.Context) error {
	s.ws.SetReadLimit(maxFrameBytes)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errSessionClosed
			}
			return err
		}

		if !s.limiter.Allow() {
			s.reply(event.NewFailureEvent(s.userID, "",
				model.NewError(model.CodeRateLimited, "ws.read", errors.New("too many frames"))))
			continue
		}
		s.handleFrame(ctx, data)
	}
}

// handleFrame runs inline, so frames of one connection are routed in the
// order the client sent them.
func (s *session) handleFrame(ctx context.Context, data []byte) {
	f, err := wsmarshaller.UnmarshallInbound(data)
	if err != nil {
		requestID := ""
		if f != nil {
			requestID = f.RequestID
		}
		s.reply(event.NewFailureEvent(s.userID, requestID, err))
		return
	}

	switch f.Type {
	case wsmarshaller.InboundSendMessage:
		res, err := s.h.sender.Send(ctx, service.SendRequest{
			RequestID:      f.RequestID,
			SenderID:       s.userID,
			RoomID:         f.RoomID,
			ParticipantIDs: f.ParticipantIDs,
			Body:           f.Body,
			IdempotencyKey: f.IdempotencyKey,
		})
		// FANOUT_UNAVAILABLE carries both: the message is stored and tracked.
		if res != nil {
			s.reply(event.NewSystemEvent(s.userID, event.SendResult, event.PriorityHigh, res.Payload(f.RequestID)))
		}
		if err != nil {
			s.reply(event.NewFailureEvent(s.userID, f.RequestID, err))
		}

	case wsmarshaller.InboundAck:
		ref := model.MessageRef{RoomID: f.RoomID, ID: f.MessageID}
		if err := s.h.deliverer.Ack(ctx, s.userID, ref); err != nil {
			s.reply(event.NewFailureEvent(s.userID, f.RequestID, err))
		}
	}
}

// reply queues a frame for this session only.
func (s *session) reply(ev event.Eventer) {
	if !s.conn.Send(ev, replyTimeout) {
		s.h.logger.Warn("WS_REPLY_DROPPED",
			slog.String("conn_id", s.conn.GetID().String()),
			slog.String("kind", ev.GetKind().String()),
		)
	}
}

func (s *session) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.conn.Done():
			_ = s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
				time.Now().Add(writeWait))
			return errSessionClosed

		case ev := <-s.conn.Recv():
			data, err := wsmarshaller.MarshallDeliveryEvent(ev)
			if err != nil {
				s.h.logger.Error("WS_MARSHAL_FAILED", slog.String("kind", ev.GetKind().String()), slog.Any("err", err))
				continue
			}
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}

		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}
