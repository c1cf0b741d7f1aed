package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/webitel/im-fanout-service/internal/domain/model"
)

var _ Store = (*PostgresStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS im_rooms (
	room_id    text PRIMARY KEY,
	kind       text NOT NULL,
	members    text[] NOT NULL,
	created_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS im_room_sequences (
	room_id text PRIMARY KEY,
	last_id bigint NOT NULL
);

CREATE TABLE IF NOT EXISTS im_messages (
	room_id         text NOT NULL,
	message_id      bigint NOT NULL,
	sender_id       text NOT NULL,
	body            text NOT NULL,
	idempotency_key text,
	created_at      timestamptz NOT NULL,
	PRIMARY KEY (room_id, message_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS im_messages_idempotency
	ON im_messages (room_id, sender_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL;
`

// PostgresStore is the shared, multi-instance driver.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// ConnectPostgres creates the pool, verifies it and applies the schema.
func ConnectPostgres(ctx context.Context, dsn string, minConns, maxConns int32, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if minConns > 0 {
		poolCfg.MinConns = minConns
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PostgresStore) findByKey(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, req AppendRequest) (model.Message, error) {
	var m model.Message
	err := q.QueryRow(ctx, `
		SELECT room_id, message_id, sender_id, body, created_at
		FROM im_messages
		WHERE room_id = $1 AND sender_id = $2 AND idempotency_key = $3`,
		req.RoomID, req.SenderID, req.IdempotencyKey,
	).Scan(&m.RoomID, &m.ID, &m.SenderID, &m.Body, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	return m, err
}

func (s *PostgresStore) AppendMessage(ctx context.Context, req AppendRequest) (model.Message, bool, error) {
	if req.IdempotencyKey != "" {
		m, err := s.findByKey(ctx, s.pool, req)
		if err == nil {
			return m, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return model.Message{}, false, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	msg := model.Message{
		RoomID:    req.RoomID,
		SenderID:  req.SenderID,
		Body:      req.Body,
		CreatedAt: createdAt(req),
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// The sequence row lock serializes appends per room across instances.
		if err := tx.QueryRow(ctx, `
			INSERT INTO im_room_sequences (room_id, last_id) VALUES ($1, 1)
			ON CONFLICT (room_id) DO UPDATE SET last_id = im_room_sequences.last_id + 1
			RETURNING last_id`, req.RoomID,
		).Scan(&msg.ID); err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO im_messages (room_id, message_id, sender_id, body, idempotency_key, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			msg.RoomID, msg.ID, msg.SenderID, msg.Body, nullable(req.IdempotencyKey), msg.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && req.IdempotencyKey != "" {
		// A concurrent append with the same key won; the rollback released its sequence number.
		m, lerr := s.findByKey(ctx, s.pool, req)
		if lerr != nil {
			return model.Message{}, false, fmt.Errorf("lookup idempotency key: %w", lerr)
		}
		return m, true, nil
	}
	if err != nil {
		s.logger.Error("POSTGRES_APPEND_FAILED", slog.String("room_id", req.RoomID.String()), slog.Any("err", err))
		return model.Message{}, false, err
	}
	return msg, false, nil
}

func (s *PostgresStore) LoadHistory(ctx context.Context, roomID model.RoomID, beforeID uint64, limit int) ([]model.Message, error) {
	limit = normalizeLimit(limit)

	var (
		rows pgx.Rows
		err  error
	)
	if beforeID > 0 {
		rows, err = s.pool.Query(ctx, `
			SELECT room_id, message_id, sender_id, body, created_at
			FROM im_messages WHERE room_id = $1 AND message_id < $2
			ORDER BY message_id DESC LIMIT $3`, roomID, beforeID, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT room_id, message_id, sender_id, body, created_at
			FROM im_messages WHERE room_id = $1
			ORDER BY message_id DESC LIMIT $2`, roomID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Message, error) {
		var m model.Message
		err := row.Scan(&m.RoomID, &m.ID, &m.SenderID, &m.Body, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) LoadMessage(ctx context.Context, ref model.MessageRef) (model.Message, error) {
	var m model.Message
	err := s.pool.QueryRow(ctx, `
		SELECT room_id, message_id, sender_id, body, created_at
		FROM im_messages WHERE room_id = $1 AND message_id = $2`, ref.RoomID, ref.ID,
	).Scan(&m.RoomID, &m.ID, &m.SenderID, &m.Body, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("load message: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) SaveRoom(ctx context.Context, room model.Room) (model.Room, error) {
	members := make([]string, len(room.Members))
	for i, m := range room.Members {
		members[i] = m.String()
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO im_rooms (room_id, kind, members, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id) DO NOTHING`,
		room.ID, room.Kind.String(), members, room.CreatedAt,
	); err != nil {
		return model.Room{}, fmt.Errorf("save room: %w", err)
	}
	return s.LoadRoom(ctx, room.ID)
}

func (s *PostgresStore) LoadRoom(ctx context.Context, roomID model.RoomID) (model.Room, error) {
	var (
		room    model.Room
		kind    string
		members []string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT room_id, kind, members, created_at FROM im_rooms WHERE room_id = $1`, roomID,
	).Scan(&room.ID, &kind, &members, &room.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Room{}, ErrNotFound
	}
	if err != nil {
		return model.Room{}, fmt.Errorf("load room: %w", err)
	}

	room.Kind = model.ParseRoomKind(kind)
	ids := make([]model.UserID, len(members))
	for i, m := range members {
		ids[i] = model.UserID(m)
	}
	room.Members = model.NewMembers(ids...)
	return room, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
