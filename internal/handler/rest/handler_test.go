package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-fanout-service/infra/pubsub"
	"github.com/webitel/im-fanout-service/infra/server/httpsrv"
	"github.com/webitel/im-fanout-service/infra/storage"
	adapter "github.com/webitel/im-fanout-service/internal/adapter/pubsub"
	"github.com/webitel/im-fanout-service/internal/domain/delivery"
	"github.com/webitel/im-fanout-service/internal/domain/model"
	"github.com/webitel/im-fanout-service/internal/domain/registry"
	"github.com/webitel/im-fanout-service/internal/domain/room"
	"github.com/webitel/im-fanout-service/internal/service"
)

type fixture struct {
	srv       *httptest.Server
	tracker   *delivery.Tracker
	directory *registry.MemoryDirectory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	bus := pubsub.NewMemoryBus(nil)
	t.Cleanup(func() { _ = bus.Close() })
	disp := adapter.NewEventDispatcher(bus)

	store := storage.NewMemoryStore()
	rooms, err := room.NewManager(store, nil, 0)
	require.NoError(t, err)
	_, err = rooms.CreateGroup(ctx, "team", []model.UserID{"alice", "bob", "carol"})
	require.NoError(t, err)

	cfg := delivery.DefaultConfig()
	cfg.MaxRetries = 0
	tracker, err := delivery.NewTracker(cfg, nil)
	require.NoError(t, err)

	hub := registry.NewHub("node-a", registry.WithEvictionInterval(0), registry.WithPresencePublisher(disp))
	t.Cleanup(hub.Shutdown)

	pub := service.NewFanoutPublisher(disp, service.DefaultPublisherConfig(), nil)
	router := service.NewMessageRouter(service.RouterConfig{InstanceID: "node-a", MaxBodyBytes: 64}, rooms, store, tracker, pub, hub, nil)
	deliverer := service.NewDeliveryService(hub, pub, "node-a", 8, nil)
	directory := registry.NewMemoryDirectory()

	h := NewHandler(router, deliverer, rooms, tracker, store, hub, directory, discard)
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(httpsrv.NewAuthMiddleware(service.NewHeaderAuther("X-Webitel-User"), discard))
	h.Mount(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, tracker: tracker, directory: directory}
}

func (f *fixture) do(t *testing.T, method, path string, user model.UserID, body any, hdr ...string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("X-Webitel-User", user.String())
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	out, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, out
}

func decodeAs[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func TestSend_IdempotentOverHTTP(t *testing.T) {
	f := newFixture(t)

	code, b := f.do(t, http.MethodPost, "/v1/rooms/team/messages", "alice", map[string]string{"body": "hello"}, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusCreated, code, string(b))
	first := decodeAs[model.SendResultPayload](t, b)
	assert.Equal(t, uint64(1), first.MessageID)
	assert.NotEmpty(t, first.RequestID)
	require.Len(t, first.Deliveries, 2)

	code, b = f.do(t, http.MethodPost, "/v1/rooms/team/messages", "alice", map[string]string{"body": "hello"}, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusOK, code, string(b))
	again := decodeAs[model.SendResultPayload](t, b)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.MessageID, again.MessageID)

	code, b = f.do(t, http.MethodGet, "/v1/rooms/team/messages?limit=10", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	hist := decodeAs[historyResponse](t, b)
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, "hello", hist.Messages[0].Body)
	assert.Zero(t, hist.Next)

	code, b = f.do(t, http.MethodGet, "/v1/rooms/team/messages/1/deliveries", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	st := decodeAs[deliveriesResponse](t, b)
	assert.Len(t, st.Deliveries, 2)
	assert.Equal(t, 2, st.Summary.Pending)
}

func TestSend_Errors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		user model.UserID
		path string
		body any
		code int
		want model.ErrorCode
	}{
		{"non member", "mallory", "/v1/rooms/team/messages", map[string]string{"body": "hi"}, http.StatusForbidden, model.CodeNotAMember},
		{"empty body", "alice", "/v1/rooms/team/messages", map[string]string{"body": ""}, http.StatusBadRequest, model.CodeInvalidPayload},
		{"unknown field", "alice", "/v1/rooms/team/messages", map[string]string{"text": "hi"}, http.StatusBadRequest, model.CodeInvalidPayload},
		{"unknown room", "alice", "/v1/rooms/nope/messages", map[string]string{"body": "hi"}, http.StatusNotFound, model.CodeRoomNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, b := f.do(t, http.MethodPost, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.want, decodeAs[model.ErrorPayload](t, b).Code)
		})
	}

	// Nothing was stored by the rejected sends.
	code, b := f.do(t, http.MethodGet, "/v1/rooms/team/messages", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, decodeAs[historyResponse](t, b).Messages)
}

func TestRooms(t *testing.T) {
	f := newFixture(t)

	code, b := f.do(t, http.MethodPost, "/v1/rooms", "dave", createGroupBody{RoomID: "ops", Members: []model.UserID{"erin"}})
	require.Equal(t, http.StatusCreated, code, string(b))
	rm := decodeAs[model.Room](t, b)
	assert.Equal(t, model.RoomGroup, rm.Kind)
	assert.Equal(t, model.Members{"dave", "erin"}, rm.Members)

	code, _ = f.do(t, http.MethodGet, "/v1/rooms/ops", "erin", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodGet, "/v1/rooms/ops", "alice", nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = f.do(t, http.MethodGet, "/v1/rooms/missing", "alice", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, b = f.do(t, http.MethodPost, "/v1/direct", "alice", directBody{ParticipantID: "bob"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, room.DirectRoomID("bob", "alice"), decodeAs[map[string]model.RoomID](t, b)["room_id"])

	code, _ = f.do(t, http.MethodPost, "/v1/direct", "alice", directBody{ParticipantID: "alice"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAck(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/v1/rooms/team/messages", "alice", map[string]string{"body": "hello"})
	require.Equal(t, http.StatusCreated, code)

	code, _ = f.do(t, http.MethodPost, "/v1/rooms/team/messages/1/ack", "bob", nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, b := f.do(t, http.MethodPost, "/v1/rooms/team/messages/zero/ack", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, model.CodeInvalidPayload, decodeAs[model.ErrorPayload](t, b).Code)
}

func TestExpired_OnlyCallersMessages(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/v1/rooms/team/messages", "alice", map[string]string{"body": "from alice"})
	require.Equal(t, http.StatusCreated, code)
	code, _ = f.do(t, http.MethodPost, "/v1/rooms/team/messages", "bob", map[string]string{"body": "from bob"})
	require.Equal(t, http.StatusCreated, code)

	res := f.tracker.Sweep(context.Background(), time.Now().Add(time.Hour))
	require.Equal(t, 4, res.Expired)

	code, b := f.do(t, http.MethodGet, "/v1/deliveries/expired", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	out := decodeAs[struct {
		Deliveries []model.DeliveryRecord `json:"deliveries"`
	}](t, b)
	require.Len(t, out.Deliveries, 2)
	for _, rec := range out.Deliveries {
		assert.Equal(t, uint64(1), rec.ID)
		assert.Equal(t, model.DeliveryExpired, rec.State)
	}
}

func TestPresenceAndStats(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.directory.Apply(context.Background(), model.Presence{
		UserID: "bob", InstanceID: "node-b", ConnectionID: "c1", Online: true, Connections: 1, At: time.Now(),
	}))

	code, b := f.do(t, http.MethodGet, "/v1/presence/bob", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	p := decodeAs[presenceResponse](t, b)
	assert.True(t, p.Online)
	assert.Equal(t, []string{"node-b"}, p.Instances)

	code, b = f.do(t, http.MethodGet, "/v1/presence/carol", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, decodeAs[presenceResponse](t, b).Online)

	code, b = f.do(t, http.MethodGet, "/v1/hub/stats", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "node-a", decodeAs[model.HubStats](t, b).InstanceID)
}

func TestHistory_RejectsOversizedLimit(t *testing.T) {
	f := newFixture(t)

	for _, q := range []string{"limit=201", "limit=4611686018427387904", "limit=-1", "before=x"} {
		code, b := f.do(t, http.MethodGet, "/v1/rooms/team/messages?"+q, "alice", nil)
		assert.Equal(t, http.StatusBadRequest, code, q)
		assert.Equal(t, model.CodeInvalidPayload, decodeAs[model.ErrorPayload](t, b).Code, q)
	}

	code, _ := f.do(t, http.MethodGet, "/v1/rooms/team/messages?limit=200", "alice", nil)
	assert.Equal(t, http.StatusOK, code)
}
