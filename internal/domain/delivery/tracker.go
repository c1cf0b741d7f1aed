// Package delivery tracks the state of every (message, recipient) pair from
// the moment a message is fanned out until the recipient acknowledges it or
// the bounded retries run out.
//
// State machine:
//
//	pending ──► delivered ──► acknowledged
//	   │  └──────────────────────┘   ▲ (an ack proves delivery)
//	   └────────┬──────────┘
//	            ▼
//	         expired
//
// acknowledged and expired are terminal; transitions out of them are logged
// as STALE_TRANSITION and ignored.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/webitel/im-fanout-service/internal/domain/model"
)

// ErrUnknownRecord means no record exists for the pair on this instance.
var ErrUnknownRecord = errors.New("delivery: unknown record")

type Config struct {
	// AckDeadline is how long a freshly tracked record may stay unacknowledged.
	AckDeadline time.Duration
	// MaxRetries bounds redeliveries per record before it expires.
	MaxRetries int
	// RetryBackoff is the wait before the first retry; it doubles per retry.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	// Retention keeps fully settled messages queryable for this long.
	Retention time.Duration
	// ExpiredLogSize bounds how many expired records Expired() can return.
	ExpiredLogSize int
}

func DefaultConfig() Config {
	return Config{
		AckDeadline:    10 * time.Second,
		MaxRetries:     3,
		RetryBackoff:   2 * time.Second,
		MaxBackoff:     30 * time.Second,
		Retention:      10 * time.Minute,
		ExpiredLogSize: 10_000,
	}
}

// Redeliverer republishes msg to recipients. It is always called without
// any tracker lock held.
type Redeliverer interface {
	Redeliver(ctx context.Context, msg *model.Message, recipients []model.UserID, attempt int) error
}

// Observer is notified after every state change, outside of all locks.
type Observer func(ctx context.Context, msg *model.Message, rec model.DeliveryRecord)

type record struct {
	mu        sync.Mutex
	recipient model.UserID
	state     model.DeliveryState
	attempts  int
	createdAt time.Time
	updatedAt time.Time
	deadline  time.Time
}

func (r *record) snapshot(ref model.MessageRef) model.DeliveryRecord {
	return model.DeliveryRecord{
		MessageRef: ref,
		Recipient:  r.recipient,
		State:      r.state,
		Attempts:   r.attempts,
		CreatedAt:  r.createdAt,
		UpdatedAt:  r.updatedAt,
	}
}

type entry struct {
	msg     *model.Message // immutable
	mu      sync.Mutex     // guards records and removed; taken before any record lock
	records map[model.UserID]*record
	removed bool
}

func (e *entry) list() []*record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*record, 0, len(e.records))
	for _, r := range e.records {
		out = append(out, r)
	}
	return out
}

func (e *entry) get(recipient model.UserID) *record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.records[recipient]
}

type expiredKey struct {
	ref       model.MessageRef
	recipient model.UserID
}

// Tracker owns the delivery records created on this instance.
type Tracker struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[model.MessageRef]*entry

	expired *lru.Cache[expiredKey, model.DeliveryRecord]

	hooksMu     sync.RWMutex
	redeliverer Redeliverer
	observers   []Observer
}

func NewTracker(cfg Config, logger *slog.Logger) (*Tracker, error) {
	def := DefaultConfig()
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = def.AckDeadline
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.RetryBackoff)
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.ExpiredLogSize <= 0 {
		cfg.ExpiredLogSize = def.ExpiredLogSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	expired, err := lru.New[expiredKey, model.DeliveryRecord](cfg.ExpiredLogSize)
	if err != nil {
		return nil, err
	}
	return &Tracker{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		entries: make(map[model.MessageRef]*entry),
		expired: expired,
	}, nil
}

// SetRedeliverer wires the retry path. Records are still tracked and expired
// without one.
func (t *Tracker) SetRedeliverer(r Redeliverer) {
	t.hooksMu.Lock()
	defer t.hooksMu.Unlock()
	t.redeliverer = r
}

func (t *Tracker) Observe(o Observer) {
	t.hooksMu.Lock()
	defer t.hooksMu.Unlock()
	t.observers = append(t.observers, o)
}

func (t *Tracker) notify(ctx context.Context, msg *model.Message, recs []model.DeliveryRecord) {
	t.hooksMu.RLock()
	observers := slices.Clone(t.observers)
	t.hooksMu.RUnlock()

	for _, rec := range recs {
		for _, o := range observers {
			o(ctx, msg, rec)
		}
	}
}

// Track creates a pending record per recipient. Tracking an already known
// message only adds the recipients it did not have yet, so replays never
// duplicate records. The returned slice covers every requested recipient.
func (t *Tracker) Track(msg model.Message, recipients []model.UserID) []model.DeliveryRecord {
	ref := msg.Ref()
	recipients = model.NewMembers(recipients...)
	if len(recipients) == 0 {
		return []model.DeliveryRecord{}
	}

	now := t.now()
	out := make([]model.DeliveryRecord, 0, len(recipients))

	for {
		t.mu.Lock()
		e, ok := t.entries[ref]
		if !ok {
			frozen := msg
			e = &entry{msg: &frozen, records: make(map[model.UserID]*record, len(recipients))}
			t.entries[ref] = e
		}
		t.mu.Unlock()

		e.mu.Lock()
		if e.removed {
			// Pruned between lookup and lock; start over with a fresh entry.
			e.mu.Unlock()
			continue
		}
		for _, recipient := range recipients {
			r, exists := e.records[recipient]
			if !exists {
				r = &record{
					recipient: recipient,
					state:     model.DeliveryPending,
					attempts:  1,
					createdAt: now,
					updatedAt: now,
					deadline:  now.Add(t.cfg.AckDeadline),
				}
				e.records[recipient] = r
			}
			r.mu.Lock()
			out = append(out, r.snapshot(ref))
			r.mu.Unlock()
		}
		e.mu.Unlock()
		break
	}

	return out
}

func (t *Tracker) lookup(ref model.MessageRef, recipient model.UserID) (*entry, *record) {
	t.mu.RLock()
	e, ok := t.entries[ref]
	t.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return e, e.get(recipient)
}

// MarkDelivered moves pending to delivered.
func (t *Tracker) MarkDelivered(ctx context.Context, ref model.MessageRef, recipient model.UserID) (model.DeliveryRecord, error) {
	return t.transition(ctx, ref, recipient, model.DeliveryDelivered, func(s model.DeliveryState) bool {
		return s == model.DeliveryPending
	})
}

// MarkAcknowledged moves delivered (or pending) to acknowledged.
func (t *Tracker) MarkAcknowledged(ctx context.Context, ref model.MessageRef, recipient model.UserID) (model.DeliveryRecord, error) {
	return t.transition(ctx, ref, recipient, model.DeliveryAcknowledged, func(s model.DeliveryState) bool {
		return s == model.DeliveryPending || s == model.DeliveryDelivered
	})
}

func (t *Tracker) transition(
	ctx context.Context,
	ref model.MessageRef,
	recipient model.UserID,
	to model.DeliveryState,
	allowed func(model.DeliveryState) bool,
) (model.DeliveryRecord, error) {
	e, r := t.lookup(ref, recipient)
	if r == nil {
		t.logger.Debug("DELIVERY_RECORD_UNKNOWN",
			slog.String("ref", ref.String()),
			slog.String("recipient", recipient.String()),
			slog.String("to", to.String()),
		)
		return model.DeliveryRecord{}, ErrUnknownRecord
	}

	r.mu.Lock()
	from := r.state
	if from == to {
		// Duplicate receipts are expected under at-least-once delivery.
		snap := r.snapshot(ref)
		r.mu.Unlock()
		return snap, nil
	}
	if !allowed(from) {
		snap := r.snapshot(ref)
		r.mu.Unlock()
		t.logger.Info("STALE_TRANSITION",
			slog.String("ref", ref.String()),
			slog.String("recipient", recipient.String()),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
		return snap, model.NewError(model.CodeStaleTransition, "delivery."+to.String(),
			errors.New(from.String()+" -> "+to.String()))
	}
	r.state = to
	r.updatedAt = t.now()
	snap := r.snapshot(ref)
	r.mu.Unlock()

	t.notify(ctx, e.msg, []model.DeliveryRecord{snap})
	return snap, nil
}

// Status returns every record of the message sorted by recipient.
func (t *Tracker) Status(ref model.MessageRef) ([]model.DeliveryRecord, bool) {
	t.mu.RLock()
	e, ok := t.entries[ref]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}

	recs := e.list()
	out := make([]model.DeliveryRecord, 0, len(recs))
	for _, r := range recs {
		r.mu.Lock()
		out = append(out, r.snapshot(ref))
		r.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b model.DeliveryRecord) int {
		if a.Recipient < b.Recipient {
			return -1
		}
		if a.Recipient > b.Recipient {
			return 1
		}
		return 0
	})
	return out, true
}

// Message returns the tracked message for ref.
func (t *Tracker) Message(ref model.MessageRef) (model.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[ref]; ok {
		return *e.msg, true
	}
	return model.Message{}, false
}

// Expired lists recently expired records, newest last. The log is bounded.
func (t *Tracker) Expired() []model.DeliveryRecord {
	return t.expired.Values()
}

// Pending counts records that are not settled yet.
func (t *Tracker) Pending() int {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	n := 0
	for _, e := range entries {
		for _, r := range e.list() {
			r.mu.Lock()
			if !r.state.IsTerminal() {
				n++
			}
			r.mu.Unlock()
		}
	}
	return n
}
