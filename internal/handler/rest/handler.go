// Package rest exposes history, delivery status, room administration and
// operational views over plain HTTP. Live traffic uses the ws and lp handlers.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/webitel/im-fanout-service/infra/server/httpsrv"
	"github.com/webitel/im-fanout-service/infra/storage"
	"github.com/webitel/im-fanout-service/internal/domain/delivery"
	"github.com/webitel/im-fanout-service/internal/domain/model"
	"github.com/webitel/im-fanout-service/internal/domain/registry"
	"github.com/webitel/im-fanout-service/internal/domain/room"
	"github.com/webitel/im-fanout-service/internal/service"
)

const maxRequestBytes = 1 << 20

type Handler struct {
	sender    service.Sender
	deliverer service.Deliverer
	rooms     room.Manager
	tracker   *delivery.Tracker
	messages  storage.MessageStore
	hub       registry.Hubber
	directory registry.Directory
	logger    *slog.Logger
}

func NewHandler(
	sender service.Sender,
	deliverer service.Deliverer,
	rooms room.Manager,
	tracker *delivery.Tracker,
	messages storage.MessageStore,
	hub registry.Hubber,
	directory registry.Directory,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		sender:    sender,
		deliverer: deliverer,
		rooms:     rooms,
		tracker:   tracker,
		messages:  messages,
		hub:       hub,
		directory: directory,
		logger:    logger.With(slog.String("component", "rest")),
	}
}

func (h *Handler) Mount(r chi.Router) {
	r.Route("/v1/rooms", func(r chi.Router) {
		r.Post("/", h.CreateGroup)
		r.Get("/{roomID}", h.GetRoom)
		r.Get("/{roomID}/messages", h.History)
		r.Post("/{roomID}/messages", h.Send)
		r.Get("/{roomID}/messages/{messageID}/deliveries", h.Deliveries)
		r.Post("/{roomID}/messages/{messageID}/ack", h.Ack)
	})
	r.Post("/v1/direct", h.ResolveDirect)
	r.Get("/v1/deliveries/expired", h.Expired)
	r.Get("/v1/presence/{userID}", h.Presence)
	r.Get("/v1/hub/stats", h.Stats)
}

// caller is always set behind the auth middleware.
func caller(r *http.Request) model.UserID {
	userID, _ := httpsrv.UserFromContext(r.Context())
	return userID
}

func decode(w http.ResponseWriter, r *http.Request, op string, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalid(op, "malformed request body: "+err.Error())
	}
	return nil
}

func messageRef(r *http.Request, op string) (model.MessageRef, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil || id == 0 {
		return model.MessageRef{}, invalid(op, "message id must be a positive integer")
	}
	return model.MessageRef{RoomID: model.RoomID(chi.URLParam(r, "roomID")), ID: id}, nil
}

type sendBody struct {
	Body string `json:"body"`
}

// Send is the HTTP twin of the send_message frame. The Idempotency-Key
// header makes retries after PERSISTENCE_FAILURE safe.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	const op = "rest.Send"
	requestID := middleware.GetReqID(r.Context())

	var body sendBody
	if err := decode(w, r, op, &body); err != nil {
		writeError(w, requestID, err)
		return
	}

	res, err := h.sender.Send(r.Context(), service.SendRequest{
		RequestID:      requestID,
		SenderID:       caller(r),
		RoomID:         model.RoomID(chi.URLParam(r, "roomID")),
		Body:           body.Body,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	switch {
	case err == nil && res.Duplicate:
		httpsrv.WriteJSON(w, http.StatusOK, res.Payload(requestID))
	case err == nil:
		httpsrv.WriteJSON(w, http.StatusCreated, res.Payload(requestID))
	case res != nil:
		// Stored and tracked; the sweep keeps trying to fan it out.
		httpsrv.WriteJSON(w, http.StatusAccepted, res.Payload(requestID))
	default:
		writeError(w, requestID, err)
	}
}

type historyResponse struct {
	Messages []model.Message `json:"messages"`
	// Next is the cursor for the following page, zero when exhausted.
	Next uint64 `json:"next,omitempty"`
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	const op = "rest.History"
	q := r.URL.Query()

	var before uint64
	if s := q.Get("before"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, "", invalid(op, "before must be a message id"))
			return
		}
		before = v
	}
	limit := 0
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 || v > storage.MaxHistoryLimit {
			writeError(w, "", invalid(op, fmt.Sprintf("limit must be between 0 and %d", storage.MaxHistoryLimit)))
			return
		}
		limit = v
	}

	msgs, err := h.sender.History(r.Context(), caller(r), model.RoomID(chi.URLParam(r, "roomID")), before, limit)
	if err != nil {
		writeError(w, "", err)
		return
	}
	res := historyResponse{Messages: msgs}
	if n := len(msgs); n > 0 && msgs[n-1].ID > 1 {
		res.Next = msgs[n-1].ID
	}
	if res.Messages == nil {
		res.Messages = []model.Message{}
	}
	httpsrv.WriteJSON(w, http.StatusOK, res)
}

type deliveriesResponse struct {
	Deliveries []model.DeliveryRecord `json:"deliveries"`
	Summary    model.DeliverySummary  `json:"summary"`
}

func (h *Handler) Deliveries(w http.ResponseWriter, r *http.Request) {
	ref, err := messageRef(r, "rest.Deliveries")
	if err != nil {
		writeError(w, "", err)
		return
	}
	recs, err := h.sender.Deliveries(r.Context(), caller(r), ref)
	if err != nil {
		writeError(w, "", err)
		return
	}
	if recs == nil {
		recs = []model.DeliveryRecord{}
	}
	httpsrv.WriteJSON(w, http.StatusOK, deliveriesResponse{Deliveries: recs, Summary: model.Summarize(recs)})
}

// Ack lets long-poll clients confirm processing.
func (h *Handler) Ack(w http.ResponseWriter, r *http.Request) {
	ref, err := messageRef(r, "rest.Ack")
	if err != nil {
		writeError(w, "", err)
		return
	}
	if err := h.deliverer.Ack(r.Context(), caller(r), ref); err != nil {
		writeError(w, "", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createGroupBody struct {
	RoomID  model.RoomID   `json:"room_id"`
	Members []model.UserID `json:"members"`
}

// CreateGroup registers a group room; the caller is always a member.
// An existing group keeps its original membership.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var body createGroupBody
	if err := decode(w, r, "rest.CreateGroup", &body); err != nil {
		writeError(w, "", err)
		return
	}
	members := append(body.Members, caller(r))
	rm, err := h.rooms.CreateGroup(r.Context(), body.RoomID, members)
	if err != nil {
		writeError(w, "", err)
		return
	}
	httpsrv.WriteJSON(w, http.StatusCreated, rm)
}

func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	rm, err := h.rooms.Room(r.Context(), model.RoomID(chi.URLParam(r, "roomID")))
	if err != nil {
		writeError(w, "", err)
		return
	}
	if !rm.Members.Contains(caller(r)) {
		writeError(w, "", model.NewError(model.CodeNotAMember, "rest.GetRoom", nil))
		return
	}
	httpsrv.WriteJSON(w, http.StatusOK, rm)
}

type directBody struct {
	ParticipantID model.UserID `json:"participant_id"`
}

func (h *Handler) ResolveDirect(w http.ResponseWriter, r *http.Request) {
	var body directBody
	if err := decode(w, r, "rest.ResolveDirect", &body); err != nil {
		writeError(w, "", err)
		return
	}
	id, err := h.rooms.ResolveRoom(r.Context(), model.RoomDirect, []model.UserID{caller(r), body.ParticipantID})
	if err != nil {
		writeError(w, "", err)
		return
	}
	httpsrv.WriteJSON(w, http.StatusOK, map[string]model.RoomID{"room_id": id})
}

// Expired lists the caller's messages that some recipient never confirmed.
func (h *Handler) Expired(w http.ResponseWriter, r *http.Request) {
	me := caller(r)
	out := []model.DeliveryRecord{}
	for _, rec := range h.tracker.Expired() {
		if sender, ok := h.senderOf(r.Context(), rec.MessageRef); ok && sender == me {
			out = append(out, rec)
		}
	}
	httpsrv.WriteJSON(w, http.StatusOK, map[string]any{"deliveries": out})
}

// senderOf prefers the tracker and falls back to storage once the entry
// has been pruned.
func (h *Handler) senderOf(ctx context.Context, ref model.MessageRef) (model.UserID, bool) {
	if msg, ok := h.tracker.Message(ref); ok {
		return msg.SenderID, true
	}
	msg, err := h.messages.LoadMessage(ctx, ref)
	if err != nil {
		return "", false
	}
	return msg.SenderID, true
}

type presenceResponse struct {
	UserID    model.UserID `json:"user_id"`
	Online    bool         `json:"online"`
	Instances []string     `json:"instances"`
}

func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	userID := model.UserID(chi.URLParam(r, "userID"))
	instances, err := h.directory.InstancesFor(r.Context(), userID)
	if err != nil {
		h.logger.Warn("PRESENCE_LOOKUP_FAILED", slog.String("user_id", userID.String()), slog.Any("err", err))
		httpsrv.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "presence unavailable"})
		return
	}
	if instances == nil {
		instances = []string{}
	}
	httpsrv.WriteJSON(w, http.StatusOK, presenceResponse{
		UserID:    userID,
		Online:    len(instances) > 0,
		Instances: instances,
	})
}

func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	httpsrv.WriteJSON(w, http.StatusOK, h.hub.Stats())
}
