package delivery

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-fanout-service/internal/domain/model"
)

type redelivery struct {
	ref        model.MessageRef
	recipients []model.UserID
	attempt    int
}

type fakeRedeliverer struct {
	mu    sync.Mutex
	calls []redelivery
	err   error
}

func (f *fakeRedeliverer) Redeliver(_ context.Context, msg *model.Message, recipients []model.UserID, attempt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, redelivery{msg.Ref(), append([]model.UserID(nil), recipients...), attempt})
	return f.err
}

func (f *fakeRedeliverer) snapshot() []redelivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]redelivery(nil), f.calls...)
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) time.Time {
	c.now = c.now.Add(d)
	return c.now
}

func newTestTracker(t *testing.T) (*Tracker, *clock, *fakeRedeliverer) {
	t.Helper()
	tr, err := NewTracker(Config{
		AckDeadline:  10 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 2 * time.Second,
		MaxBackoff:   30 * time.Second,
		Retention:    time.Minute,
	}, nil)
	require.NoError(t, err)

	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr.now = c.Now
	r := &fakeRedeliverer{}
	tr.SetRedeliverer(r)
	return tr, c, r
}

func testMessage(id uint64) model.Message {
	return model.Message{ID: id, RoomID: "room-1", SenderID: "alice", Body: "hello", CreatedAt: time.Unix(0, 0)}
}

func stateOf(t *testing.T, tr *Tracker, ref model.MessageRef, recipient model.UserID) model.DeliveryRecord {
	t.Helper()
	recs, ok := tr.Status(ref)
	require.True(t, ok)
	for _, r := range recs {
		if r.Recipient == recipient {
			return r
		}
	}
	t.Fatalf("no record for %s", recipient)
	return model.DeliveryRecord{}
}

func TestTrack_CreatesPendingRecords(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	msg := testMessage(1)

	recs := tr.Track(msg, []model.UserID{"carol", "bob"})
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, model.DeliveryPending, r.State)
		assert.Equal(t, 1, r.Attempts)
		assert.Equal(t, msg.Ref(), r.MessageRef)
	}
	assert.Equal(t, model.UserID("bob"), recs[0].Recipient)
}

func TestTrack_ReplayIsIdempotent(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	msg := testMessage(1)

	tr.Track(msg, []model.UserID{"bob", "carol"})
	_, err := tr.MarkDelivered(context.Background(), msg.Ref(), "bob")
	require.NoError(t, err)

	again := tr.Track(msg, []model.UserID{"bob", "carol", "bob"})
	require.Len(t, again, 2)
	assert.Equal(t, model.DeliveryDelivered, again[0].State, "replay keeps existing state")

	all, _ := tr.Status(msg.Ref())
	assert.Len(t, all, 2)

	tr.Track(msg, []model.UserID{"dave"})
	all, _ = tr.Status(msg.Ref())
	assert.Len(t, all, 3)

	assert.Empty(t, tr.Track(testMessage(2), nil))
	_, ok := tr.Status(testMessage(2).Ref())
	assert.False(t, ok)
}

func TestTransitions_ForwardOnly(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTracker(t)
	msg := testMessage(1)
	ref := msg.Ref()
	tr.Track(msg, []model.UserID{"bob", "carol"})

	rec, err := tr.MarkDelivered(ctx, ref, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, rec.State)

	// duplicate receipt
	_, err = tr.MarkDelivered(ctx, ref, "bob")
	require.NoError(t, err)

	rec, err = tr.MarkAcknowledged(ctx, ref, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryAcknowledged, rec.State)

	rec, err = tr.MarkDelivered(ctx, ref, "bob")
	assert.ErrorIs(t, err, model.ErrStaleTransition)
	assert.Equal(t, model.DeliveryAcknowledged, rec.State)

	// an ack proves delivery
	rec, err = tr.MarkAcknowledged(ctx, ref, "carol")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryAcknowledged, rec.State)

	_, err = tr.MarkDelivered(ctx, ref, "nobody")
	assert.ErrorIs(t, err, ErrUnknownRecord)
	_, err = tr.MarkAcknowledged(ctx, model.MessageRef{RoomID: "other", ID: 1}, "bob")
	assert.ErrorIs(t, err, ErrUnknownRecord)
}

func TestObserver_SeesEveryChange(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTracker(t)
	msg := testMessage(1)
	tr.Track(msg, []model.UserID{"bob"})

	var seen []model.DeliveryState
	tr.Observe(func(_ context.Context, m *model.Message, rec model.DeliveryRecord) {
		assert.Equal(t, msg, *m)
		seen = append(seen, rec.State)
	})

	_, _ = tr.MarkDelivered(ctx, msg.Ref(), "bob")
	_, _ = tr.MarkDelivered(ctx, msg.Ref(), "bob")
	_, _ = tr.MarkAcknowledged(ctx, msg.Ref(), "bob")
	_, _ = tr.MarkDelivered(ctx, msg.Ref(), "bob")

	assert.Equal(t, []model.DeliveryState{model.DeliveryDelivered, model.DeliveryAcknowledged}, seen)
}

func TestSweep_RetriesWithBackoffThenExpires(t *testing.T) {
	ctx := context.Background()
	tr, clk, redeliverer := newTestTracker(t)
	msg := testMessage(1)
	ref := msg.Ref()
	tr.Track(msg, []model.UserID{"bob"})

	var expired []model.DeliveryRecord
	tr.Observe(func(_ context.Context, _ *model.Message, rec model.DeliveryRecord) {
		if rec.State == model.DeliveryExpired {
			expired = append(expired, rec)
		}
	})

	res := tr.Sweep(ctx, clk.Advance(9*time.Second))
	assert.Zero(t, res.Retried, "deadline not reached")

	// retry 1 at the ack deadline, then 2s, 4s, 8s
	res = tr.Sweep(ctx, clk.Advance(time.Second))
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 2, stateOf(t, tr, ref, "bob").Attempts)

	assert.Zero(t, tr.Sweep(ctx, clk.Advance(1999*time.Millisecond)).Retried)
	assert.Equal(t, 1, tr.Sweep(ctx, clk.Advance(time.Millisecond)).Retried)

	assert.Zero(t, tr.Sweep(ctx, clk.Advance(3*time.Second)).Retried)
	assert.Equal(t, 1, tr.Sweep(ctx, clk.Advance(time.Second)).Retried)
	assert.Equal(t, 4, stateOf(t, tr, ref, "bob").Attempts)

	assert.Zero(t, tr.Sweep(ctx, clk.Advance(7*time.Second)).Expired)
	res = tr.Sweep(ctx, clk.Advance(time.Second))
	assert.Equal(t, 1, res.Expired)
	assert.Zero(t, res.Retried)

	rec := stateOf(t, tr, ref, "bob")
	assert.Equal(t, model.DeliveryExpired, rec.State)
	assert.Equal(t, 4, rec.Attempts)

	calls := redeliverer.snapshot()
	require.Len(t, calls, 3)
	for i, c := range calls {
		assert.Equal(t, ref, c.ref)
		assert.Equal(t, []model.UserID{"bob"}, c.recipients)
		assert.Equal(t, i+2, c.attempt)
	}

	require.Len(t, expired, 1)
	assert.Equal(t, model.UserID("bob"), expired[0].Recipient)
	require.Len(t, tr.Expired(), 1)
	assert.Equal(t, ref, tr.Expired()[0].MessageRef)

	// expired is terminal
	_, err := tr.MarkAcknowledged(ctx, ref, "bob")
	assert.ErrorIs(t, err, model.ErrStaleTransition)
	assert.Equal(t, model.DeliveryExpired, stateOf(t, tr, ref, "bob").State)
}

func TestSweep_DeliveredButUnackedIsRetried(t *testing.T) {
	ctx := context.Background()
	tr, clk, redeliverer := newTestTracker(t)
	msg := testMessage(1)
	tr.Track(msg, []model.UserID{"bob", "carol"})

	_, _ = tr.MarkDelivered(ctx, msg.Ref(), "bob")
	_, _ = tr.MarkAcknowledged(ctx, msg.Ref(), "carol")

	res := tr.Sweep(ctx, clk.Advance(10*time.Second))
	assert.Equal(t, 1, res.Retried)

	calls := redeliverer.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, []model.UserID{"bob"}, calls[0].recipients)
	assert.Equal(t, model.DeliveryDelivered, stateOf(t, tr, msg.Ref(), "bob").State)
}

func TestSweep_RedeliveryFailureStillCountsAttempt(t *testing.T) {
	ctx := context.Background()
	tr, clk, redeliverer := newTestTracker(t)
	redeliverer.err = errors.New("bus down")
	msg := testMessage(1)
	tr.Track(msg, []model.UserID{"bob"})

	tr.Sweep(ctx, clk.Advance(10*time.Second))
	assert.Equal(t, 2, stateOf(t, tr, msg.Ref(), "bob").Attempts)
}

func TestSweep_PrunesSettledMessagesAfterRetention(t *testing.T) {
	ctx := context.Background()
	tr, clk, _ := newTestTracker(t)
	msg := testMessage(1)
	tr.Track(msg, []model.UserID{"bob"})
	_, _ = tr.MarkAcknowledged(ctx, msg.Ref(), "bob")

	assert.Zero(t, tr.Sweep(ctx, clk.Advance(30*time.Second)).Pruned)
	_, ok := tr.Status(msg.Ref())
	assert.True(t, ok, "settled messages stay queryable during retention")

	assert.Equal(t, 1, tr.Sweep(ctx, clk.Advance(30*time.Second)).Pruned)
	_, ok = tr.Status(msg.Ref())
	assert.False(t, ok)

	// a late replay starts a fresh entry
	recs := tr.Track(msg, []model.UserID{"bob"})
	assert.Equal(t, model.DeliveryPending, recs[0].State)
}

func TestRedeliverPending(t *testing.T) {
	ctx := context.Background()
	tr, _, redeliverer := newTestTracker(t)

	m1, m2, m3 := testMessage(1), testMessage(2), testMessage(3)
	tr.Track(m1, []model.UserID{"bob"})
	tr.Track(m2, []model.UserID{"bob", "carol"})
	tr.Track(m3, []model.UserID{"carol"})
	_, _ = tr.MarkDelivered(ctx, m2.Ref(), "bob")

	assert.Equal(t, 1, tr.RedeliverPending(ctx, "bob"))
	calls := redeliverer.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, m1.Ref(), calls[0].ref)
	assert.Equal(t, 2, calls[0].attempt)

	assert.Zero(t, tr.RedeliverPending(ctx, "nobody"))
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	assert.Equal(t, 2*time.Second, tr.backoff(1))
	assert.Equal(t, 4*time.Second, tr.backoff(2))
	assert.Equal(t, 8*time.Second, tr.backoff(3))
	assert.Equal(t, 16*time.Second, tr.backoff(4))
	assert.Equal(t, 30*time.Second, tr.backoff(5))
	assert.Equal(t, 30*time.Second, tr.backoff(50))
}

// Concurrent receipts, acks and sweeps must never move a record backwards:
// each recipient enters delivered at most once and a terminal state exactly once.
func TestConcurrentTransitionsNeverGoBackwards(t *testing.T) {
	ctx := context.Background()
	tr, err := NewTracker(Config{AckDeadline: time.Millisecond, MaxRetries: 2, RetryBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	delivered := map[model.UserID]int{}
	terminal := map[model.UserID][]model.DeliveryState{}
	tr.Observe(func(_ context.Context, _ *model.Message, rec model.DeliveryRecord) {
		mu.Lock()
		defer mu.Unlock()
		if rec.State.IsTerminal() {
			terminal[rec.Recipient] = append(terminal[rec.Recipient], rec.State)
		} else if rec.State == model.DeliveryDelivered {
			delivered[rec.Recipient]++
		}
	})

	msg := testMessage(1)
	recipients := []model.UserID{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}
	tr.Track(msg, recipients)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				r := recipients[rand.IntN(len(recipients))]
				switch rand.IntN(3) {
				case 0:
					_, _ = tr.MarkDelivered(ctx, msg.Ref(), r)
				case 1:
					_, _ = tr.MarkAcknowledged(ctx, msg.Ref(), r)
				default:
					tr.Sweep(ctx, time.Now())
				}
			}
		}()
	}
	wg.Wait()

	recs, ok := tr.Status(msg.Ref())
	require.True(t, ok)
	require.Len(t, recs, len(recipients))

	mu.Lock()
	defer mu.Unlock()
	for _, rec := range recs {
		assert.LessOrEqual(t, delivered[rec.Recipient], 1, rec.Recipient)
		states := terminal[rec.Recipient]
		assert.LessOrEqual(t, len(states), 1, rec.Recipient)
		if len(states) == 1 {
			assert.Equal(t, states[0], rec.State, "terminal state changed for %s", rec.Recipient)
		}
	}
}

func TestSweeper_StartStop(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	tr.now = time.Now
	tr.cfg.AckDeadline = time.Millisecond
	tr.cfg.MaxRetries = 0

	msg := testMessage(1)
	tr.Track(msg, []model.UserID{"bob"})

	s := NewSweeper(tr, 5*time.Millisecond, nil)
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return len(tr.Expired()) == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
