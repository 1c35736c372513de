// Package rollback keeps failed batch windows and decides when each one is
// due for another persistence attempt.
package rollback

import (
	"context"
	"time"

	"github.com/telhawk-systems/telhawk-forward/common/logging"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/accumulator"
)

// Queue is an ordered list of window snapshots, in failure order. It is not
// safe for concurrent use; the sink serializes access.
type Queue struct {
	batchTTL  int
	intervals []time.Duration
	entries   []*accumulator.Accumulator
	logger    *logging.Logger
}

// New creates an empty queue. intervals must not be empty.
func New(batchTTL int, intervals []time.Duration, logger *logging.Logger) *Queue {
	if logger == nil {
		logger = logging.Default()
	}
	return &Queue{
		batchTTL:  batchTTL,
		intervals: intervals,
		logger:    logger,
	}
}

// Len returns the number of queued windows.
func (q *Queue) Len() int {
	return len(q.entries)
}

// Entries returns a copy of the queued windows in order.
func (q *Queue) Entries() []*accumulator.Accumulator {
	out := make([]*accumulator.Accumulator, len(q.entries))
	copy(out, q.entries)
	return out
}

// Enqueue applies the first-failure policy to snap: an infinite or positive TTL
// queues it, a zero TTL drops it. It reports whether the window was queued.
func (q *Queue) Enqueue(ctx context.Context, snap *accumulator.Accumulator, now time.Time) bool {
	ids := logging.CorrelatorIDs(snap.CorrelatorIDs())

	switch {
	case snap.TTL() == accumulator.InfiniteTTL:
		snap.SetLastRetry(now)
		q.entries = append(q.entries, snap)
		q.logger.InfoContext(ctx, "Rollbacking batch, infinite batch TTL", ids)
		return true
	case snap.TTL() > 0:
		snap.SetLastRetry(now)
		q.entries = append(q.entries, snap)
		q.logger.InfoContext(ctx, "Rollbacking batch", ids, logging.TTL(q.batchTTL))
		return true
	default:
		q.logger.WarnContext(ctx, "Finishing internal transaction, 0 retries will be done",
			ids, logging.Events(snap.Batch().NumEvents()))
		return false
	}
}

// Backoff returns the wait required after the last retry of entry. The
// interval index is the number of retries already used, capped at the last
// configured interval.
func (q *Queue) Backoff(entry *accumulator.Accumulator) time.Duration {
	idx := q.batchTTL - entry.TTL()
	if idx >= len(q.intervals) {
		idx = len(q.intervals) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return q.intervals[idx]
}

// NextEligible returns the first window whose backoff has elapsed at now, or
// nil if none is due.
func (q *Queue) NextEligible(now time.Time) *accumulator.Accumulator {
	for _, entry := range q.entries {
		if !now.Before(entry.LastRetry().Add(q.Backoff(entry))) {
			return entry
		}
	}
	return nil
}

// Remove drops entry from the queue. It is a no-op when entry is not queued.
func (q *Queue) Remove(entry *accumulator.Accumulator) {
	for i, e := range q.entries {
		if e == entry {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// Requeue records another transient failure of entry. The remaining retries
// are decremented unless infinite; an entry whose budget runs out is removed.
// It reports whether the entry stays queued.
func (q *Queue) Requeue(ctx context.Context, entry *accumulator.Accumulator, now time.Time) bool {
	ids := logging.CorrelatorIDs(entry.CorrelatorIDs())

	switch {
	case entry.TTL() == accumulator.InfiniteTTL:
		entry.SetLastRetry(now)
		q.logger.InfoContext(ctx, "Rollbacking again, infinite batch TTL", ids)
		return true
	case entry.TTL() > 1:
		entry.SetLastRetry(now)
		entry.SetTTL(entry.TTL() - 1)
		q.logger.InfoContext(ctx, "Rollbacking again", ids,
			"retry", q.batchTTL-entry.TTL(), logging.TTL(entry.TTL()))
		return true
	default:
		entry.SetTTL(0)
		q.Remove(entry)
		q.logger.WarnContext(ctx, "Finishing internal transaction, retries exhausted",
			ids, "retry", q.batchTTL, logging.Events(entry.Batch().NumEvents()))
		return false
	}
}
