package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-fanout-service/internal/domain/model"
)

// runStoreSuite checks the behavior every driver must share.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Run("IDsAreGaplessPerRoom", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		for i := 1; i <= 5; i++ {
			msg, dup, err := s.AppendMessage(ctx, AppendRequest{RoomID: "r1", SenderID: "alice", Body: fmt.Sprint(i)})
			require.NoError(t, err)
			assert.False(t, dup)
			assert.Equal(t, uint64(i), msg.ID)
		}
		other, _, err := s.AppendMessage(ctx, AppendRequest{RoomID: "r2", SenderID: "alice", Body: "x"})
		require.NoError(t, err)
		assert.Equal(t, uint64(1), other.ID, "sequences are independent per room")
	})

	t.Run("ConcurrentAppendsStayGapless", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		var wg sync.WaitGroup
		ids := make(chan uint64, 40)
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				msg, _, err := s.AppendMessage(ctx, AppendRequest{RoomID: "busy", SenderID: "alice", Body: "x"})
				if assert.NoError(t, err) {
					ids <- msg.ID
				}
			}()
		}
		wg.Wait()
		close(ids)

		seen := map[uint64]bool{}
		for id := range ids {
			seen[id] = true
		}
		for id := uint64(1); id <= 40; id++ {
			assert.True(t, seen[id], "missing id %d", id)
		}
	})

	t.Run("IdempotencyKeyReturnsOriginal", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		req := AppendRequest{RoomID: "r1", SenderID: "alice", Body: "hello", IdempotencyKey: "k1"}
		first, dup, err := s.AppendMessage(ctx, req)
		require.NoError(t, err)
		assert.False(t, dup)

		again, dup, err := s.AppendMessage(ctx, req)
		require.NoError(t, err)
		assert.True(t, dup)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, "hello", again.Body)

		// the same key from another sender is a different message
		bob, dup, err := s.AppendMessage(ctx, AppendRequest{RoomID: "r1", SenderID: "bob", Body: "hi", IdempotencyKey: "k1"})
		require.NoError(t, err)
		assert.False(t, dup)
		assert.Equal(t, first.ID+1, bob.ID)

		history, err := s.LoadHistory(ctx, "r1", 0, 10)
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})

	t.Run("HistoryIsNewestFirstWithCursor", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		for i := 1; i <= 7; i++ {
			_, _, err := s.AppendMessage(ctx, AppendRequest{RoomID: "r1", SenderID: "alice", Body: fmt.Sprint(i)})
			require.NoError(t, err)
		}

		page, err := s.LoadHistory(ctx, "r1", 0, 3)
		require.NoError(t, err)
		require.Len(t, page, 3)
		assert.Equal(t, []uint64{7, 6, 5}, ids(page))

		page, err = s.LoadHistory(ctx, "r1", page[len(page)-1].ID, 3)
		require.NoError(t, err)
		assert.Equal(t, []uint64{4, 3, 2}, ids(page))

		page, err = s.LoadHistory(ctx, "r1", 2, 3)
		require.NoError(t, err)
		assert.Equal(t, []uint64{1}, ids(page))

		page, err = s.LoadHistory(ctx, "empty", 0, 3)
		require.NoError(t, err)
		assert.Empty(t, page)
	})

	t.Run("HistoryLimitIsClamped", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		for i := 0; i < MaxHistoryLimit+5; i++ {
			_, _, err := s.AppendMessage(ctx, AppendRequest{RoomID: "r1", SenderID: "alice", Body: fmt.Sprint(i)})
			require.NoError(t, err)
		}

		page, err := s.LoadHistory(ctx, "r1", 0, 1<<62)
		require.NoError(t, err)
		assert.Len(t, page, MaxHistoryLimit)
		assert.Equal(t, uint64(MaxHistoryLimit+5), page[0].ID)

		page, err = s.LoadHistory(ctx, "r1", 0, 0)
		require.NoError(t, err)
		assert.Len(t, page, DefaultHistoryLimit)
	})

	t.Run("LoadMessage", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		msg, _, err := s.AppendMessage(ctx, AppendRequest{RoomID: "r1", SenderID: "alice", Body: "hi", CreatedAt: at})
		require.NoError(t, err)

		got, err := s.LoadMessage(ctx, msg.Ref())
		require.NoError(t, err)
		assert.Equal(t, "hi", got.Body)
		assert.True(t, at.Equal(got.CreatedAt))

		_, err = s.LoadMessage(ctx, model.MessageRef{RoomID: "r1", ID: 99})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RoomsKeepFirstVersion", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		_, err := s.LoadRoom(ctx, "g1")
		assert.ErrorIs(t, err, ErrNotFound)

		created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		saved, err := s.SaveRoom(ctx, model.Room{ID: "g1", Kind: model.RoomGroup, Members: model.NewMembers("bob", "alice"), CreatedAt: created})
		require.NoError(t, err)
		assert.Equal(t, model.NewMembers("alice", "bob"), saved.Members)

		again, err := s.SaveRoom(ctx, model.Room{ID: "g1", Kind: model.RoomGroup, Members: model.NewMembers("carol"), CreatedAt: time.Now()})
		require.NoError(t, err)
		assert.Equal(t, model.NewMembers("alice", "bob"), again.Members)

		loaded, err := s.LoadRoom(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, model.RoomGroup, loaded.Kind)
		assert.True(t, created.Equal(loaded.CreatedAt))

		loaded.Members[0] = "mallory"
		fresh, err := s.LoadRoom(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, model.UserID("alice"), fresh.Members[0])
	})
}

func ids(msgs []model.Message) []uint64 {
	out := make([]uint64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
