package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/webitel/im-fanout-service/internal/domain/model"
)

type SweepResult struct {
	Retried int
	Expired int
	Pruned  int
}

type retryKey struct {
	ref     model.MessageRef
	attempt int
}

type retryBatch struct {
	msg        *model.Message
	recipients []model.UserID
}

// backoff returns the wait before the given retry (1-based), doubling from
// RetryBackoff and capped at MaxBackoff.
func (t *Tracker) backoff(retry int) time.Duration {
	d := t.cfg.RetryBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= t.cfg.MaxBackoff {
			return t.cfg.MaxBackoff
		}
	}
	return min(d, t.cfg.MaxBackoff)
}

func (t *Tracker) snapshotEntries() []*entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Sweep retries or expires every unsettled record whose deadline passed.
// Entries are snapshotted first and records are locked one at a time;
// redelivery and observers run after all locks are released.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) SweepResult {
	var (
		res     SweepResult
		retries = make(map[retryKey]*retryBatch)
		expired = make(map[*entry][]model.DeliveryRecord)
		settled []*entry
	)

	for _, e := range t.snapshotEntries() {
		ref := e.msg.Ref()
		open := false
		newest := time.Time{}

		for _, r := range e.list() {
			r.mu.Lock()
			switch {
			case r.state.IsTerminal():
				newest = later(newest, r.updatedAt)

			case now.Before(r.deadline):
				open = true

			case r.attempts-1 >= t.cfg.MaxRetries:
				r.state = model.DeliveryExpired
				r.updatedAt = now
				newest = now
				snap := r.snapshot(ref)
				expired[e] = append(expired[e], snap)
				t.expired.Add(expiredKey{ref, r.recipient}, snap)
				res.Expired++

			default:
				r.attempts++
				r.updatedAt = now
				r.deadline = now.Add(t.backoff(r.attempts - 1))
				open = true
				k := retryKey{ref, r.attempts}
				b := retries[k]
				if b == nil {
					b = &retryBatch{msg: e.msg}
					retries[k] = b
				}
				b.recipients = append(b.recipients, r.recipient)
				res.Retried++
			}
			r.mu.Unlock()
		}

		if !open && now.Sub(newest) >= t.cfg.Retention {
			settled = append(settled, e)
		}
	}

	res.Pruned = t.prune(settled)
	t.redeliver(ctx, retries)

	for e, recs := range expired {
		for _, rec := range recs {
			t.logger.Warn("DELIVERY_EXPIRED",
				slog.String("ref", rec.MessageRef.String()),
				slog.String("recipient", rec.Recipient.String()),
				slog.Int("attempts", rec.Attempts),
			)
		}
		t.notify(ctx, e.msg, recs)
	}

	if res.Retried > 0 || res.Expired > 0 || res.Pruned > 0 {
		t.logger.Debug("DELIVERY_SWEEP",
			slog.Int("retried", res.Retried),
			slog.Int("expired", res.Expired),
			slog.Int("pruned", res.Pruned),
		)
	}
	return res
}

func (t *Tracker) prune(settled []*entry) int {
	if len(settled) == 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range settled {
		e.mu.Lock()
		if allTerminal(e.records) {
			e.removed = true
			delete(t.entries, e.msg.Ref())
			n++
		}
		e.mu.Unlock()
	}
	return n
}

func allTerminal(records map[model.UserID]*record) bool {
	for _, r := range records {
		r.mu.Lock()
		terminal := r.state.IsTerminal()
		r.mu.Unlock()
		if !terminal {
			return false
		}
	}
	return true
}

func (t *Tracker) redeliver(ctx context.Context, batches map[retryKey]*retryBatch) {
	if len(batches) == 0 {
		return
	}
	t.hooksMu.RLock()
	r := t.redeliverer
	t.hooksMu.RUnlock()
	if r == nil {
		return
	}

	for k, b := range batches {
		if err := r.Redeliver(ctx, b.msg, b.recipients, k.attempt); err != nil {
			// The record keeps its new deadline; the next sweep retries or expires it.
			t.logger.Warn("REDELIVERY_FAILED",
				slog.String("ref", k.ref.String()),
				slog.Int("attempt", k.attempt),
				slog.Int("recipients", len(b.recipients)),
				slog.Any("err", err),
			)
		}
	}
}

// RedeliverPending retries every pending record of recipient right away,
// typically because the recipient just came online. Records whose retries
// are exhausted are left for the sweep to expire.
func (t *Tracker) RedeliverPending(ctx context.Context, recipient model.UserID) int {
	now := t.now()
	batches := make(map[retryKey]*retryBatch)
	n := 0

	for _, e := range t.snapshotEntries() {
		r := e.get(recipient)
		if r == nil {
			continue
		}
		r.mu.Lock()
		if r.state == model.DeliveryPending && r.attempts-1 < t.cfg.MaxRetries {
			r.attempts++
			r.updatedAt = now
			r.deadline = now.Add(t.cfg.AckDeadline)
			k := retryKey{e.msg.Ref(), r.attempts}
			batches[k] = &retryBatch{msg: e.msg, recipients: []model.UserID{recipient}}
			n++
		}
		r.mu.Unlock()
	}

	t.redeliver(ctx, batches)
	return n
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
