// Package sink drives the batching stage: every tick it retries at most one
// rolled back batch and then runs one accumulation cycle over the source.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-forward/common/logging"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/accumulator"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/batch"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/metrics"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/models"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/persist"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/rollback"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/router"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/source"
)

// Status tells the scheduler how to pace the next tick.
type Status int

const (
	// StatusReady means call again right away.
	StatusReady Status = iota
	// StatusBackoff means the source is drained, a batch was rolled back or the
	// sink is misconfigured; slow down.
	StatusBackoff
)

func (s Status) String() string {
	if s == StatusBackoff {
		return "BACKOFF"
	}
	return "READY"
}

// ErrSourceAccess wraps every failure to talk to the source. It is the only
// error Process returns.
var ErrSourceAccess = errors.New("source access failed")

// Stats is a point-in-time view of the sink counters.
type Stats struct {
	Name               string    `json:"name"`
	Invalid            bool      `json:"invalid_configuration"`
	EventsProcessed    uint64    `json:"events_processed"`
	EventsPersisted    uint64    `json:"events_persisted"`
	EventsDropped      uint64    `json:"events_dropped"`
	RollbackQueueDepth int       `json:"rollback_queue_depth"`
	WindowStart        time.Time `json:"window_start"`
	WindowEvents       int       `json:"window_events"`
	WindowIndex        int       `json:"window_index"`
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// WithClock overrides the time source used for windows and retries.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// Sink is one independent instance of the batching stage. It owns its window
// and rollback queue; Process may be called concurrently, ticks are serialized.
type Sink struct {
	name      string
	settings  Settings
	invalid   error
	source    source.Source
	persister persist.Persister
	logger    *logging.Logger
	now       func() time.Time

	mu        sync.Mutex
	acc       *accumulator.Accumulator
	rollbacks *rollback.Queue

	// view is the window state as of the end of the last tick. It has its own
	// lock so Stats never waits on a tick in progress.
	viewMu sync.RWMutex
	view   windowView

	processed atomic.Uint64
	persisted atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a sink. A configuration violation does not fail construction:
// the sink is created in the invalid state, where every tick backs off.
func New(name string, cfg Config, src source.Source, p persist.Persister, opts ...Option) *Sink {
	s := &Sink{
		name:      name,
		source:    src,
		persister: p,
		logger:    logging.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logging.Sink(name))

	s.settings, s.invalid = NewSettings(cfg)

	r := router.New(s.settings.DataModel, router.Flags{
		EnableGrouping:     s.settings.EnableGrouping,
		EnableNameMappings: s.settings.EnableNameMappings,
	})
	s.acc = accumulator.New(r, s.settings.BatchTTL, s.logger)

	intervals := s.settings.BatchRetryIntervals
	if len(intervals) == 0 {
		intervals = []time.Duration{5 * time.Second}
	}
	s.rollbacks = rollback.New(s.settings.BatchTTL, intervals, s.logger)
	s.publish()

	return s
}

// Name returns the sink name.
func (s *Sink) Name() string { return s.name }

// Settings returns the validated settings.
func (s *Sink) Settings() Settings { return s.settings }

// ConfigError returns the configuration violations, or nil when valid.
func (s *Sink) ConfigError() error { return s.invalid }

// Start opens the first window. It is the only lifecycle transition the sink
// handles itself.
func (s *Sink) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.invalid != nil {
		s.logger.ErrorContext(ctx, "Sink started with invalid configuration, every tick will back off",
			logging.Error(s.invalid))
		return
	}
	s.acc.Reset(s.now())
	s.publish()
	s.logger.InfoContext(ctx, "Sink started", "settings", s.settings.String())
}

// Process runs one tick. Only source failures are returned as errors, wrapped
// in ErrSourceAccess; persistence failures are handled internally.
func (s *Sink) Process(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.publish()

	if s.invalid != nil {
		metrics.TicksTotal.WithLabelValues(s.name, StatusBackoff.String()).Inc()
		return StatusBackoff, nil
	}

	if s.rollbacks.Len() > 0 {
		s.retryRollback(ctx)
	}

	status, err := s.processNewBatch(ctx)

	metrics.RollbackQueueDepth.WithLabelValues(s.name).Set(float64(s.rollbacks.Len()))
	if err != nil {
		metrics.TicksTotal.WithLabelValues(s.name, "error").Inc()
	} else {
		metrics.TicksTotal.WithLabelValues(s.name, status.String()).Inc()
	}
	return status, err
}

type windowView struct {
	depth  int
	start  time.Time
	events int
	index  int
}

// publish copies the window state into the view. Callers hold mu.
func (s *Sink) publish() {
	v := windowView{
		depth:  s.rollbacks.Len(),
		start:  s.acc.StartTime(),
		events: s.acc.Batch().NumEvents(),
		index:  s.acc.Index(),
	}
	s.viewMu.Lock()
	s.view = v
	s.viewMu.Unlock()
}

// Stats returns the current counters and the window state as of the last
// completed tick. It does not block on a tick in progress.
func (s *Sink) Stats() Stats {
	s.viewMu.RLock()
	v := s.view
	s.viewMu.RUnlock()
	return Stats{
		Name:               s.name,
		Invalid:            s.invalid != nil,
		EventsProcessed:    s.processed.Load(),
		EventsPersisted:    s.persisted.Load(),
		EventsDropped:      s.dropped.Load(),
		RollbackQueueDepth: v.depth,
		WindowStart:        v.start,
		WindowEvents:       v.events,
		WindowIndex:        v.index,
	}
}

// retryRollback attempts the first rolled back batch whose backoff elapsed.
// Its outcome never changes the tick status.
func (s *Sink) retryRollback(ctx context.Context) {
	now := s.now()
	entry := s.rollbacks.NextEligible(now)
	if entry == nil {
		return
	}

	ids := logging.CorrelatorIDs(entry.CorrelatorIDs())
	n := entry.Batch().NumEvents()

	err := s.persist(ctx, entry.Batch())
	if err == nil {
		s.rollbacks.Remove(entry)
		s.persisted.Add(uint64(n))
		metrics.EventsPersisted.WithLabelValues(s.name).Add(float64(n))
		metrics.RollbackRetries.WithLabelValues(s.name, "persisted").Inc()
		s.logger.InfoContext(ctx, "Finishing internal transaction, rolled back batch persisted", ids, logging.Events(n))
		return
	}

	class := persist.ClassOf(err)
	if class.Retryable() {
		s.logger.ErrorContext(ctx, "Rolled back batch persistence failed again", ids, logging.Error(err))
		metrics.RollbackRetries.WithLabelValues(s.name, "requeued").Inc()
		if !s.rollbacks.Requeue(ctx, entry, now) {
			s.drop(metrics.ReasonRetriesExhausted, n)
		}
		return
	}

	s.logger.ErrorContext(ctx, "Dropping rolled back batch, error is not retryable", ids,
		"class", class.String(), logging.Error(err), logging.Events(n))
	metrics.RollbackRetries.WithLabelValues(s.name, "dropped").Inc()
	s.rollbacks.Remove(entry)
	s.drop(class.String(), n)
}

// processNewBatch resumes the window, pulls events until the batch is full or
// the window times out, and persists the batch. The source transaction is
// committed on every path that reaches the source.
func (s *Sink) processNewBatch(ctx context.Context) (Status, error) {
	txn, err := s.source.Begin(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin source transaction", logging.Error(err))
		return StatusBackoff, fmt.Errorf("%w: begin transaction: %w", ErrSourceAccess, err)
	}
	defer func() {
		if err := txn.Close(); err != nil {
			s.logger.WarnContext(ctx, "Failed to close source transaction", logging.Error(err))
		}
	}()

	idx := s.acc.Index()
	for ; idx < s.settings.BatchSize; idx++ {
		if s.acc.Elapsed(s.now()) > s.settings.BatchTimeout {
			s.logger.DebugContext(ctx, "Batch window timed out", logging.Events(s.acc.Batch().NumEvents()))
			break
		}

		ev, err := txn.Take(ctx)
		if err != nil {
			s.acc.SetIndex(idx)
			s.logger.ErrorContext(ctx, "Failed to take event from source", logging.Error(err))
			if cerr := txn.Commit(ctx); cerr != nil {
				s.logger.ErrorContext(ctx, "Failed to commit source transaction", logging.Error(cerr))
			}
			return StatusBackoff, fmt.Errorf("%w: take: %w", ErrSourceAccess, err)
		}

		if ev == nil {
			s.acc.SetIndex(idx)
			if err := s.commit(ctx, txn); err != nil {
				return StatusBackoff, err
			}
			return StatusBackoff, nil
		}

		s.processed.Add(1)
		metrics.EventsProcessed.WithLabelValues(s.name).Inc()
		if err := s.acc.Accumulate(eventContext(ctx, ev), ev); err != nil {
			s.drop(metrics.ReasonRouting, 1)
		}
	}
	s.acc.SetIndex(idx)

	var perr error
	n := s.acc.Batch().NumEvents()
	if s.acc.Index() != 0 {
		s.logger.DebugContext(ctx, "Batch completed, persisting it", logging.Events(n))
		perr = s.persist(ctx, s.acc.Batch())
	}

	ids := logging.CorrelatorIDs(s.acc.CorrelatorIDs())
	status := StatusReady

	switch {
	case perr == nil:
		if s.acc.Index() != 0 {
			s.persisted.Add(uint64(n))
			metrics.EventsPersisted.WithLabelValues(s.name).Add(float64(n))
			s.logger.InfoContext(ctx, "Finishing internal transaction", ids, logging.Events(n))
		}
	case persist.ClassOf(perr).Retryable():
		s.logger.ErrorContext(ctx, "Batch persistence failed, rolling back", ids, logging.Error(perr))
		if !s.rollbacks.Enqueue(ctx, s.acc.Snapshot(), s.now()) {
			s.drop(metrics.ReasonTTLZero, n)
		}
		status = StatusBackoff
	default:
		class := persist.ClassOf(perr)
		s.logger.ErrorContext(ctx, "Dropping batch, error is not retryable", ids,
			"class", class.String(), logging.Error(perr), logging.Events(n))
		s.drop(class.String(), n)
	}

	s.acc.Reset(s.now())
	if err := s.commit(ctx, txn); err != nil {
		return StatusBackoff, err
	}
	return status, nil
}

func (s *Sink) commit(ctx context.Context, txn source.Transaction) error {
	if err := txn.Commit(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit source transaction", logging.Error(err))
		return fmt.Errorf("%w: commit: %w", ErrSourceAccess, err)
	}
	return nil
}

func (s *Sink) persist(ctx context.Context, b *batch.Batch) error {
	start := time.Now()
	err := s.persister.Persist(ctx, b)
	metrics.PersistDuration.WithLabelValues(s.name, s.persister.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PersistErrors.WithLabelValues(s.name, persist.ClassOf(err).String()).Inc()
	}
	return err
}

func (s *Sink) drop(reason string, n int) {
	s.dropped.Add(uint64(n))
	metrics.EventsDropped.WithLabelValues(s.name, reason).Add(float64(n))
}

// eventContext carries the correlation headers of ev so every log line about
// it can be traced back to the notification.
func eventContext(ctx context.Context, ev *models.Event) context.Context {
	return logging.WithCorrelation(ctx, logging.Correlation{
		CorrelatorID:  ev.CorrelatorID(),
		TransactionID: ev.Header(models.HeaderTransactionID),
		Service:       ev.Header(models.HeaderFiwareService),
		ServicePath:   ev.Header(models.HeaderFiwareServicePath),
	})
}
