package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-fanout-service/internal/adapter/pubsub"
	"github.com/webitel/im-fanout-service/internal/domain/event"
	"github.com/webitel/im-fanout-service/internal/domain/model"
	"github.com/webitel/im-fanout-service/internal/domain/registry"
)

// [DELIVERY_SERVICE] PRIMARY INTERFACE FOR TRANSPORT HANDLERS (Websocket/Long-poll)
type Deliverer interface {
	Subscribe(ctx context.Context, userID model.UserID, meta registry.ConnectMetadata) (registry.Connector, error)
	Unsubscribe(ctx context.Context, connID uuid.UUID)
	// Ack confirms that userID processed the message. It is broadcast so the
	// instance that tracks the record applies it.
	Ack(ctx context.Context, userID model.UserID, ref model.MessageRef) error
}

var _ Deliverer = (*DeliveryService)(nil)

type DeliveryService struct {
	hub        registry.Hubber
	publisher  *FanoutPublisher
	instanceID string
	bufferSize int
	logger     *slog.Logger
}

func NewDeliveryService(hub registry.Hubber, publisher *FanoutPublisher, instanceID string, bufferSize int, logger *slog.Logger) *DeliveryService {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryService{
		hub:        hub,
		publisher:  publisher,
		instanceID: instanceID,
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// [SUBSCRIBE] HANDLES CONNECTION LIFECYCLE INITIATION
func (s *DeliveryService) Subscribe(ctx context.Context, userID model.UserID, meta registry.ConnectMetadata) (registry.Connector, error) {
	if userID == "" {
		return nil, model.NewError(model.CodeInvalidPayload, "delivery.Subscribe", errors.New("empty user id"))
	}

	// 1. The connector lives as long as ctx (the transport request).
	conn := registry.NewConnector(ctx, userID, s.instanceID, s.bufferSize, meta)

	// 2. Handshake goes straight to this session, ahead of any fan-out traffic.
	conn.Send(event.NewSystemEvent(userID, event.Connected, event.PriorityHigh, &model.ConnectedPayload{
		Ok:            true,
		ConnectionID:  conn.GetID().String(),
		InstanceID:    s.instanceID,
		ServerVersion: model.ServerVersion,
	}), time.Second)

	// 3. Attach to the user's cell; presence is announced from there.
	s.hub.Register(ctx, conn)

	s.logger.Info("SESSION_OPENED",
		slog.String("user_id", userID.String()),
		slog.String("conn_id", conn.GetID().String()),
		slog.String("transport", meta.Transport),
		slog.String("remote_ip", meta.RemoteIP),
	)
	return conn, nil
}

// [UNSUBSCRIBE] TRIGGERS CLEANUP
// Pending deliveries for the user stay pending.
func (s *DeliveryService) Unsubscribe(ctx context.Context, connID uuid.UUID) {
	s.hub.Unregister(ctx, connID)
	s.logger.Info("SESSION_CLOSED", slog.String("conn_id", connID.String()))
}

func (s *DeliveryService) Ack(ctx context.Context, userID model.UserID, ref model.MessageRef) error {
	if ref.RoomID == "" || ref.ID == 0 {
		return model.NewError(model.CodeInvalidPayload, "delivery.Ack", errors.New("ack needs room_id and message_id"))
	}
	return s.publisher.PublishReceipt(ctx, &pubsub.Receipt{
		Ref:       ref,
		Recipient: userID,
		State:     model.DeliveryAcknowledged,
		Instance:  s.instanceID,
	})
}
