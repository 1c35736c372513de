// Package accumulator owns the in-progress batch window of a sink.
package accumulator

import (
	"context"
	"time"

	"github.com/telhawk-systems/telhawk-forward/common/logging"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/batch"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/models"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/router"
)

// InfiniteTTL marks a window that is retried forever.
const InfiniteTTL = -1

// Accumulator is one batch window plus its retry bookkeeping. It is not safe
// for concurrent use; the sink serializes access.
type Accumulator struct {
	router     *router.Router
	logger     *logging.Logger
	defaultTTL int

	batch         *batch.Batch
	startTime     time.Time
	index         int
	correlatorIDs string
	ttl           int
	lastRetry     time.Time
}

// New creates an accumulator. The window is not started until Reset is called.
func New(r *router.Router, defaultTTL int, logger *logging.Logger) *Accumulator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Accumulator{
		router:     r,
		logger:     logger,
		defaultTTL: defaultTTL,
		batch:      batch.New(),
		ttl:        defaultTTL,
	}
}

// Accumulate appends the event correlator to the window and inserts the routed
// destinations into the batch. A routing failure drops the event and is
// returned so the caller can count it; the window itself stays usable.
func (a *Accumulator) Accumulate(ctx context.Context, ev *models.Event) error {
	corr := ev.CorrelatorID()
	if a.correlatorIDs == "" {
		a.correlatorIDs = corr
	} else {
		a.correlatorIDs += "," + corr
	}

	dests, err := a.router.Route(ev)
	if err != nil {
		a.logger.ErrorContext(ctx, "Dropping event, routing failed", logging.Error(err))
		return err
	}

	for _, d := range dests {
		a.batch.Add(d.Key, d.Event)
		a.logger.DebugContext(ctx, "Event accumulated", logging.Destination(d.Key))
	}
	return nil
}

// Reset starts a new empty window at now.
func (a *Accumulator) Reset(now time.Time) {
	a.batch = batch.New()
	a.startTime = now
	a.index = 0
	a.correlatorIDs = ""
	a.ttl = a.defaultTTL
}

// Snapshot returns an independent copy of the window. The copy shares no batch
// or bookkeeping storage with the receiver.
func (a *Accumulator) Snapshot() *Accumulator {
	cp := *a
	cp.batch = a.batch.Clone()
	return &cp
}

// Batch returns the batch being accumulated.
func (a *Accumulator) Batch() *batch.Batch { return a.batch }

// StartTime is when the current window started.
func (a *Accumulator) StartTime() time.Time { return a.startTime }

// Index is the number of events pulled from the source in this window.
func (a *Accumulator) Index() int { return a.index }

// SetIndex records the resume index.
func (a *Accumulator) SetIndex(i int) { a.index = i }

// CorrelatorIDs is the comma-joined correlator list of the window, duplicates kept.
func (a *Accumulator) CorrelatorIDs() string { return a.correlatorIDs }

// TTL is the remaining retry budget.
func (a *Accumulator) TTL() int { return a.ttl }

// SetTTL overrides the remaining retry budget.
func (a *Accumulator) SetTTL(ttl int) { a.ttl = ttl }

// LastRetry is when the window was last attempted.
func (a *Accumulator) LastRetry() time.Time { return a.lastRetry }

// SetLastRetry records the time of the last attempt.
func (a *Accumulator) SetLastRetry(t time.Time) { a.lastRetry = t }

// Elapsed returns how long the window has been open at now.
func (a *Accumulator) Elapsed(now time.Time) time.Duration {
	return now.Sub(a.startTime)
}
