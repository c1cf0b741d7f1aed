package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/webitel/im-fanout-service/internal/domain/model"
)

var _ Store = (*PebbleStore)(nil)

const lockStripes = 64

// PebbleStore is the embedded single-node driver.
//
// Key layout:
//
//	room:<id>:meta                    room metadata (JSON)
//	room:<id>:seq                     last message id (big endian uint64)
//	room:<id>:msg:<%020d id>          message (JSON)
//	room:<id>:idem:<sender>\x00<key>  message id for an idempotency key
type PebbleStore struct {
	db     *pebble.DB
	logger *slog.Logger

	// Appends to one room are serialized; different rooms rarely share a stripe.
	stripes [lockStripes]sync.Mutex
}

// OpenPebble opens (or creates) a Pebble database. opts may be nil; tests pass
// an in-memory vfs.
func OpenPebble(path string, opts *pebble.Options, logger *slog.Logger) (*PebbleStore, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		logger.Error("PEBBLE_OPEN_FAILED", slog.String("path", path), slog.Any("err", err))
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	logger.Info("PEBBLE_OPENED", slog.String("path", path))
	return &PebbleStore{db: db, logger: logger}, nil
}

func roomPrefix(roomID model.RoomID) string { return "room:" + roomID.String() + ":" }

func metaKey(roomID model.RoomID) []byte { return []byte(roomPrefix(roomID) + "meta") }

func seqKey(roomID model.RoomID) []byte { return []byte(roomPrefix(roomID) + "seq") }

func msgPrefix(roomID model.RoomID) []byte { return []byte(roomPrefix(roomID) + "msg:") }

func msgKey(roomID model.RoomID, id uint64) []byte {
	return fmt.Appendf(nil, "%smsg:%020d", roomPrefix(roomID), id)
}

func idemKeyBytes(roomID model.RoomID, sender model.UserID, key string) []byte {
	return []byte(roomPrefix(roomID) + "idem:" + sender.String() + "\x00" + key)
}

func (s *PebbleStore) stripe(roomID model.RoomID) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return &s.stripes[h.Sum32()%lockStripes]
}

// get copies the value out so the pebble closer can be released immediately.
func (s *PebbleStore) get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return bytes.Clone(v), nil
}

func (s *PebbleStore) AppendMessage(ctx context.Context, req AppendRequest) (model.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, false, err
	}
	mu := s.stripe(req.RoomID)
	mu.Lock()
	defer mu.Unlock()

	if req.IdempotencyKey != "" {
		raw, err := s.get(idemKeyBytes(req.RoomID, req.SenderID, req.IdempotencyKey))
		switch {
		case err == nil:
			id, perr := strconv.ParseUint(string(raw), 10, 64)
			if perr != nil {
				return model.Message{}, false, fmt.Errorf("corrupt idempotency index: %w", perr)
			}
			msg, lerr := s.LoadMessage(ctx, model.MessageRef{RoomID: req.RoomID, ID: id})
			return msg, true, lerr
		case !errors.Is(err, ErrNotFound):
			return model.Message{}, false, fmt.Errorf("read idempotency index: %w", err)
		}
	}

	var last uint64
	raw, err := s.get(seqKey(req.RoomID))
	switch {
	case err == nil:
		last = binary.BigEndian.Uint64(raw)
	case !errors.Is(err, ErrNotFound):
		return model.Message{}, false, fmt.Errorf("read sequence: %w", err)
	}

	msg := model.Message{
		ID:        last + 1,
		RoomID:    req.RoomID,
		SenderID:  req.SenderID,
		Body:      req.Body,
		CreatedAt: createdAt(req),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return model.Message{}, false, fmt.Errorf("marshal message: %w", err)
	}

	// [ATOMIC_APPEND] message, sequence and idempotency index land together.
	batch := s.db.NewBatch()
	defer batch.Close()
	_ = batch.Set(msgKey(req.RoomID, msg.ID), data, nil)
	_ = batch.Set(seqKey(req.RoomID), binary.BigEndian.AppendUint64(nil, msg.ID), nil)
	if req.IdempotencyKey != "" {
		_ = batch.Set(idemKeyBytes(req.RoomID, req.SenderID, req.IdempotencyKey), strconv.AppendUint(nil, msg.ID, 10), nil)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		s.logger.Error("PEBBLE_APPEND_FAILED", slog.String("room_id", req.RoomID.String()), slog.Any("err", err))
		return model.Message{}, false, fmt.Errorf("commit message: %w", err)
	}
	return msg, false, nil
}

func (s *PebbleStore) LoadHistory(ctx context.Context, roomID model.RoomID, beforeID uint64, limit int) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)

	lower := msgPrefix(roomID)
	upper := append(bytes.Clone(lower), 0xff)
	if beforeID > 0 {
		upper = msgKey(roomID, beforeID)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	out := make([]model.Message, 0, min(limit, DefaultHistoryLimit))
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		var m model.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", iter.Key(), err)
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

func (s *PebbleStore) LoadMessage(ctx context.Context, ref model.MessageRef) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	raw, err := s.get(msgKey(ref.RoomID, ref.ID))
	if err != nil {
		return model.Message{}, err
	}
	var m model.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return model.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

func (s *PebbleStore) SaveRoom(ctx context.Context, room model.Room) (model.Room, error) {
	if err := ctx.Err(); err != nil {
		return model.Room{}, err
	}
	mu := s.stripe(room.ID)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := s.LoadRoom(ctx, room.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return model.Room{}, err
	}

	data, err := json.Marshal(room)
	if err != nil {
		return model.Room{}, fmt.Errorf("marshal room: %w", err)
	}
	if err := s.db.Set(metaKey(room.ID), data, pebble.Sync); err != nil {
		return model.Room{}, fmt.Errorf("save room: %w", err)
	}
	return cloneRoom(room), nil
}

func (s *PebbleStore) LoadRoom(ctx context.Context, roomID model.RoomID) (model.Room, error) {
	if err := ctx.Err(); err != nil {
		return model.Room{}, err
	}
	raw, err := s.get(metaKey(roomID))
	if err != nil {
		return model.Room{}, err
	}
	var room model.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return model.Room{}, fmt.Errorf("decode room: %w", err)
	}
	return room, nil
}

func (s *PebbleStore) Close() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	s.logger.Info("PEBBLE_CLOSED")
	return nil
}
