package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/webitel/im-fanout-service/infra/storage"
	"github.com/webitel/im-fanout-service/internal/adapter/pubsub"
	"github.com/webitel/im-fanout-service/internal/domain/delivery"
	"github.com/webitel/im-fanout-service/internal/domain/event"
	"github.com/webitel/im-fanout-service/internal/domain/model"
	"github.com/webitel/im-fanout-service/internal/domain/registry"
	"github.com/webitel/im-fanout-service/internal/domain/room"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SendRequest targets either RoomID or, for a direct conversation, the
// single other participant in ParticipantIDs.
type SendRequest struct {
	RequestID      string
	SenderID       model.UserID
	RoomID         model.RoomID
	ParticipantIDs []model.UserID
	Body           string
	IdempotencyKey string
}

type SendResult struct {
	Message    model.Message
	Duplicate  bool
	Deliveries []model.DeliveryRecord
}

func (r *SendResult) Payload(requestID string) *model.SendResultPayload {
	return &model.SendResultPayload{
		RequestID:  requestID,
		RoomID:     r.Message.RoomID,
		MessageID:  r.Message.ID,
		CreatedAt:  r.Message.CreatedAt.UnixMilli(),
		Duplicate:  r.Duplicate,
		Deliveries: r.Deliveries,
	}
}

// Sender is the entry point for everything a client writes or reads.
type Sender interface {
	// Send runs received -> validated -> persisted -> fanned_out -> tracked.
	// On FANOUT_UNAVAILABLE the message is persisted and tracked, and both
	// the result and the error are returned.
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
	History(ctx context.Context, userID model.UserID, roomID model.RoomID, beforeID uint64, limit int) ([]model.Message, error)
	Deliveries(ctx context.Context, userID model.UserID, ref model.MessageRef) ([]model.DeliveryRecord, error)
}

type RouterConfig struct {
	InstanceID     string
	MaxBodyBytes   int
	PersistTimeout time.Duration
}

var (
	_ Sender                = (*MessageRouter)(nil)
	_ delivery.Redeliverer = (*MessageRouter)(nil)
)

type MessageRouter struct {
	cfg       RouterConfig
	rooms     room.Manager
	store     storage.MessageStore
	tracker   *delivery.Tracker
	publisher *FanoutPublisher
	hub       registry.Hubber
	locks     *roomLocks
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewMessageRouter(
	cfg RouterConfig,
	rooms room.Manager,
	store storage.MessageStore,
	tracker *delivery.Tracker,
	publisher *FanoutPublisher,
	hub registry.Hubber,
	logger *slog.Logger,
) *MessageRouter {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4096
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &MessageRouter{
		cfg:       cfg,
		rooms:     rooms,
		store:     store,
		tracker:   tracker,
		publisher: publisher,
		hub:       hub,
		locks:     newRoomLocks(),
		logger:    logger,
		tracer:    otel.Tracer("im-fanout-service/router"),
	}
	tracker.SetRedeliverer(r)
	tracker.Observe(r.notifySender)
	return r
}

func (r *MessageRouter) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	ctx, span := r.tracer.Start(ctx, "router.Send",
		trace.WithAttributes(attribute.String("im.sender_id", req.SenderID.String())))
	defer span.End()

	res, err := r.send(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(model.CodeOf(err)))
		r.logger.Info("SEND_REJECTED",
			slog.String("request_id", req.RequestID),
			slog.String("sender_id", req.SenderID.String()),
			slog.String("room_id", req.RoomID.String()),
			slog.String("code", string(model.CodeOf(err))),
			slog.Any("err", err),
		)
	}
	if res != nil {
		span.SetAttributes(
			attribute.String("im.message_ref", res.Message.Ref().String()),
			attribute.Bool("im.duplicate", res.Duplicate),
		)
	}
	return res, err
}

func (r *MessageRouter) send(ctx context.Context, req SendRequest) (*SendResult, error) {
	const op = "router.Send"

	// [VALIDATED]
	if err := r.validateBody(req.Body); err != nil {
		return nil, err
	}
	roomID, err := r.target(ctx, req)
	if err != nil {
		return nil, err
	}
	members, err := r.rooms.MembersOf(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !members.Contains(req.SenderID) {
		return nil, model.NewError(model.CodeNotAMember, op,
			fmt.Errorf("%s is not a member of %s", req.SenderID, roomID))
	}

	// Persist and publish stay in causal order per room.
	unlock := r.locks.Lock(roomID)
	defer unlock()

	// [PERSISTED]
	msg, duplicate, err := r.persist(ctx, storage.AppendRequest{
		RoomID:         roomID,
		SenderID:       req.SenderID,
		Body:           req.Body,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	// [TRACKED] before publishing so no receipt can outrun its record.
	var deliveries []model.DeliveryRecord
	targets := members.Without(req.SenderID)
	if tracked, ok := r.tracker.Status(msg.Ref()); duplicate && ok {
		// The recipient set was fixed by the first fan-out. A resubmission
		// only re-publishes what is still unconfirmed.
		deliveries = tracked
		targets = pendingRecipients(tracked)
	} else {
		deliveries = r.tracker.Track(msg, targets)
		if duplicate {
			targets = pendingRecipients(deliveries)
		}
	}

	res := &SendResult{Message: msg, Duplicate: duplicate, Deliveries: deliveries}
	if len(targets) == 0 {
		return res, nil
	}

	// [FANNED_OUT]
	_, span := r.tracer.Start(ctx, "router.Publish")
	err = r.publisher.Publish(ctx, &pubsub.MessageEnvelope{
		Message:    msg,
		Recipients: targets,
		Attempt:    1,
		Origin:     r.cfg.InstanceID,
	})
	span.End()
	if err != nil {
		// The records stay pending, so the sweep takes over.
		return res, err
	}

	r.logger.Debug("MESSAGE_ROUTED",
		slog.String("ref", msg.Ref().String()),
		slog.Int("recipients", len(targets)),
		slog.Bool("duplicate", duplicate),
	)
	return res, nil
}

func (r *MessageRouter) validateBody(body string) error {
	const op = "router.validate"
	switch {
	case body == "":
		return model.NewError(model.CodeInvalidPayload, op, errors.New("body is empty"))
	case !utf8.ValidString(body):
		return model.NewError(model.CodeInvalidPayload, op, errors.New("body is not valid UTF-8"))
	case len(body) > r.cfg.MaxBodyBytes:
		return model.NewError(model.CodeInvalidPayload, op,
			fmt.Errorf("body is %d bytes, limit is %d", len(body), r.cfg.MaxBodyBytes))
	}
	return nil
}

func (r *MessageRouter) target(ctx context.Context, req SendRequest) (model.RoomID, error) {
	const op = "router.target"
	switch {
	case req.RoomID != "" && len(req.ParticipantIDs) > 0:
		return "", model.NewError(model.CodeInvalidPayload, op, errors.New("room_id and participant_ids are exclusive"))
	case req.RoomID != "":
		return req.RoomID, nil
	case len(req.ParticipantIDs) > 0:
		others := model.NewMembers(req.ParticipantIDs...).Without(req.SenderID)
		if len(others) != 1 {
			return "", model.NewError(model.CodeInvalidPayload, op,
				fmt.Errorf("participant_ids must name exactly one other user, got %d", len(others)))
		}
		return r.rooms.ResolveRoom(ctx, model.RoomDirect, []model.UserID{req.SenderID, others[0]})
	default:
		return "", model.NewError(model.CodeInvalidPayload, op, errors.New("room_id or participant_ids is required"))
	}
}

func (r *MessageRouter) persist(ctx context.Context, req storage.AppendRequest) (model.Message, bool, error) {
	ctx, span := r.tracer.Start(ctx, "router.Persist")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.PersistTimeout)
	defer cancel()

	msg, duplicate, err := r.store.AppendMessage(ctx, req)
	if err != nil {
		span.RecordError(err)
		return model.Message{}, false, model.NewError(model.CodePersistenceFailure, "router.persist", err)
	}
	return msg, duplicate, nil
}

// Redeliver republishes a tracked message for the given attempt. It never
// takes a room lock.
func (r *MessageRouter) Redeliver(ctx context.Context, msg *model.Message, recipients []model.UserID, attempt int) error {
	ctx, span := r.tracer.Start(ctx, "router.Redeliver", trace.WithAttributes(
		attribute.String("im.message_ref", msg.Ref().String()),
		attribute.Int("im.attempt", attempt),
	))
	defer span.End()

	return r.publisher.Publish(ctx, &pubsub.MessageEnvelope{
		Message:    *msg,
		Recipients: recipients,
		Attempt:    attempt,
		Origin:     r.cfg.InstanceID,
	})
}

func (r *MessageRouter) History(ctx context.Context, userID model.UserID, roomID model.RoomID, beforeID uint64, limit int) ([]model.Message, error) {
	if err := r.requireMember(ctx, "router.History", userID, roomID); err != nil {
		return nil, err
	}
	msgs, err := r.store.LoadHistory(ctx, roomID, beforeID, limit)
	if err != nil {
		return nil, model.NewError(model.CodePersistenceFailure, "router.History", err)
	}
	return msgs, nil
}

// Deliveries lists the records of a message tracked on this instance.
func (r *MessageRouter) Deliveries(ctx context.Context, userID model.UserID, ref model.MessageRef) ([]model.DeliveryRecord, error) {
	if err := r.requireMember(ctx, "router.Deliveries", userID, ref.RoomID); err != nil {
		return nil, err
	}
	recs, ok := r.tracker.Status(ref)
	if !ok {
		return []model.DeliveryRecord{}, nil
	}
	return recs, nil
}

func (r *MessageRouter) requireMember(ctx context.Context, op string, userID model.UserID, roomID model.RoomID) error {
	members, err := r.rooms.MembersOf(ctx, roomID)
	if err != nil {
		return err
	}
	if !members.Contains(userID) {
		return model.NewError(model.CodeNotAMember, op, fmt.Errorf("%s is not a member of %s", userID, roomID))
	}
	return nil
}

// notifySender pushes delivery progress to the sender's local sessions.
func (r *MessageRouter) notifySender(_ context.Context, msg *model.Message, rec model.DeliveryRecord) {
	all, _ := r.tracker.Status(rec.MessageRef)

	priority := event.PriorityNormal
	if rec.State == model.DeliveryExpired {
		priority = event.PriorityHigh
	}
	ev := event.NewSystemEvent(msg.SenderID, event.DeliveryStatus, priority, &model.DeliveryStatusPayload{
		RoomID:    msg.RoomID,
		MessageID: msg.ID,
		Recipient: rec.Recipient,
		State:     rec.State,
		Summary:   model.Summarize(all),
	})
	if !r.hub.Deliver(ev) {
		r.logger.Debug("DELIVERY_STATUS_UNROUTED",
			slog.String("ref", rec.MessageRef.String()),
			slog.String("sender_id", msg.SenderID.String()),
			slog.String("state", rec.State.String()),
		)
	}
}

func pendingRecipients(recs []model.DeliveryRecord) []model.UserID {
	out := make([]model.UserID, 0, len(recs))
	for _, rec := range recs {
		if rec.State == model.DeliveryPending {
			out = append(out, rec.Recipient)
		}
	}
	return out
}
