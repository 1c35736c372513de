package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-forward/common/logging"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/accumulator"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/batch"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/metrics"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/models"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/persist"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/router"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/source"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// scriptedPersister fails with errs in order, then succeeds.
type scriptedPersister struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	batches []*batch.Batch
}

func (p *scriptedPersister) Persist(ctx context.Context, b *batch.Batch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return err
		}
	}
	p.batches = append(p.batches, b.Clone())
	return nil
}

func (p *scriptedPersister) Name() string { return "scripted" }

func (p *scriptedPersister) Close() error { return nil }

func (p *scriptedPersister) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedPersister) Persisted() []*batch.Batch {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.batches
}

type failingSource struct {
	beginErr error
	takeErr  error
}

func (f *failingSource) Begin(ctx context.Context) (source.Transaction, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return &failingTxn{takeErr: f.takeErr}, nil
}

func (f *failingSource) Close() error { return nil }

type failingTxn struct {
	takeErr   error
	committed bool
}

func (t *failingTxn) Take(ctx context.Context) (*models.Event, error) { return nil, t.takeErr }

func (t *failingTxn) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *failingTxn) Close() error { return nil }

func newEvent(corr, entity string, attrs ...string) *models.Event {
	ce := &models.ContextElement{ID: entity, Type: "Room"}
	for _, a := range attrs {
		ce.Attributes = append(ce.Attributes, models.ContextAttribute{Name: a, Type: "Float", Value: json.RawMessage(`"1"`)})
	}
	return &models.Event{
		Headers: map[string]string{
			models.HeaderCorrelatorID:       corr,
			models.HeaderTransactionID:      "txn-" + corr,
			models.HeaderFiwareService:      "smartcity",
			models.HeaderFiwareServicePath:  "/parks",
			models.HeaderNotifiedEntity:     entity + "_Room",
			models.HeaderGroupedEntity:      entity + "_Room",
			models.HeaderGroupedServicePath: "/parks",
		},
		OriginalCE: ce,
	}
}

type fixture struct {
	sink      *Sink
	source    *source.Memory
	persister *scriptedPersister
	clock     *fakeClock
}

func newFixture(t *testing.T, cfg Config, errs ...error) *fixture {
	t.Helper()
	f := &fixture{
		source:    source.NewMemory(),
		persister: &scriptedPersister{errs: errs},
		clock:     newFakeClock(),
	}
	f.sink = New(t.Name(), cfg, f.source, f.persister,
		WithLogger(logging.Discard()),
		WithClock(f.clock.Now),
	)
	f.sink.Start(context.Background())
	return f
}

func (f *fixture) tick(t *testing.T) Status {
	t.Helper()
	status, err := f.sink.Process(context.Background())
	require.NoError(t, err)
	return status
}

func transient() error { return persist.Transient(errors.New("connection refused")) }

func TestProcess_InvalidConfigurationAlwaysBacksOff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 0
	f := newFixture(t, cfg)
	f.source.Put(newEvent("c1", "Room1"))

	require.Error(t, f.sink.ConfigError())
	for i := 0; i < 3; i++ {
		assert.Equal(t, StatusBackoff, f.tick(t))
	}
	assert.Equal(t, 1, f.source.Len(), "source never touched")
	assert.Equal(t, 0, f.persister.Calls())
	assert.True(t, f.sink.Stats().Invalid)
}

func TestProcess_ResumesPartialWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	f := newFixture(t, cfg)
	windowStart := f.clock.Now()

	f.source.Put(newEvent("c1", "Room1"), newEvent("c2", "Room2"))
	assert.Equal(t, StatusBackoff, f.tick(t))

	stats := f.sink.Stats()
	assert.Equal(t, 2, stats.WindowEvents)
	assert.Equal(t, 2, stats.WindowIndex)
	assert.Equal(t, windowStart, stats.WindowStart)
	assert.Equal(t, 0, f.persister.Calls())
	assert.Equal(t, 2, f.source.Committed(), "transaction committed on empty source")

	f.clock.Advance(time.Second)
	f.source.Put(newEvent("c3", "Room1"))
	assert.Equal(t, StatusReady, f.tick(t))

	require.Len(t, f.persister.Persisted(), 1)
	persisted := f.persister.Persisted()[0]
	assert.Equal(t, 3, persisted.NumEvents())
	assert.Equal(t, []string{
		"smartcity_/parks_Room1_Room",
		"smartcity_/parks_Room2_Room",
	}, persisted.Destinations())
	assert.Equal(t, "c1", persisted.Events("smartcity_/parks_Room1_Room")[0].CorrelatorID())
	assert.Equal(t, "c3", persisted.Events("smartcity_/parks_Room1_Room")[1].CorrelatorID())

	stats = f.sink.Stats()
	assert.Equal(t, uint64(3), stats.EventsProcessed)
	assert.Equal(t, uint64(3), stats.EventsPersisted)
	assert.Equal(t, 0, stats.WindowEvents)
	assert.Equal(t, 0, stats.WindowIndex)
	assert.Equal(t, f.clock.Now(), stats.WindowStart, "window reset after persisting")
}

func TestProcess_TransientFailureRollsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	f := newFixture(t, cfg, transient())

	f.source.Put(newEvent("c1", "Room1"), newEvent("c2", "Room1"))
	assert.Equal(t, StatusBackoff, f.tick(t))

	stats := f.sink.Stats()
	assert.Equal(t, 1, stats.RollbackQueueDepth)
	assert.Equal(t, 0, stats.WindowEvents, "live window reset")
	assert.Equal(t, 0, stats.WindowIndex)
	assert.Equal(t, uint64(0), stats.EventsPersisted)
	assert.Equal(t, 2, f.source.Committed(), "source committed despite the failure")
}

func TestProcess_RollbackRetriedAfterBackoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchRetryIntervals = "1000"
	f := newFixture(t, cfg, transient())

	f.source.Put(newEvent("c1", "Room1"))
	assert.Equal(t, StatusBackoff, f.tick(t))
	require.Equal(t, 1, f.sink.Stats().RollbackQueueDepth)

	f.clock.Advance(999 * time.Millisecond)
	f.tick(t)
	assert.Equal(t, 1, f.persister.Calls(), "not eligible yet")

	f.clock.Advance(time.Millisecond)
	f.tick(t)
	assert.Equal(t, 2, f.persister.Calls())

	stats := f.sink.Stats()
	assert.Equal(t, 0, stats.RollbackQueueDepth)
	assert.Equal(t, uint64(1), stats.EventsPersisted)
	require.Len(t, f.persister.Persisted(), 1)
	assert.Equal(t, "c1", f.persister.Persisted()[0].Events("smartcity_/parks_Room1_Room")[0].CorrelatorID())
}

func TestProcess_RetryScheduleAndExhaustion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchTTL = 3
	cfg.BatchRetryIntervals = "1000,5000,9000"
	f := newFixture(t, cfg, transient(), transient(), transient(), transient())

	f.source.Put(newEvent("c1", "Room1"))
	assert.Equal(t, StatusBackoff, f.tick(t))
	require.Equal(t, 1, f.persister.Calls())

	for i, wait := range []time.Duration{time.Second, 5 * time.Second, 9 * time.Second} {
		f.clock.Advance(wait - time.Millisecond)
		f.tick(t)
		assert.Equal(t, i+1, f.persister.Calls(), "retry %d fired early", i+1)

		f.clock.Advance(time.Millisecond)
		f.tick(t)
		assert.Equal(t, i+2, f.persister.Calls(), "retry %d did not fire", i+1)
	}

	stats := f.sink.Stats()
	assert.Equal(t, 0, stats.RollbackQueueDepth, "retries exhausted")
	assert.Equal(t, uint64(1), stats.EventsDropped)

	f.clock.Advance(time.Hour)
	f.tick(t)
	assert.Equal(t, 4, f.persister.Calls(), "no retry after exhaustion")
}

func TestProcess_TTLOneExhaustsAfterOneRetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchTTL = 1
	cfg.BatchRetryIntervals = "1000"
	f := newFixture(t, cfg, transient(), transient())

	f.source.Put(newEvent("c1", "Room1"))
	f.tick(t)
	require.Equal(t, 1, f.sink.Stats().RollbackQueueDepth)

	f.clock.Advance(time.Second)
	f.tick(t)
	assert.Equal(t, 2, f.persister.Calls())
	assert.Equal(t, 0, f.sink.Stats().RollbackQueueDepth)
}

func TestProcess_TTLZeroNeverEnqueues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchTTL = 0
	f := newFixture(t, cfg, transient())

	f.source.Put(newEvent("c1", "Room1"))
	assert.Equal(t, StatusBackoff, f.tick(t))

	stats := f.sink.Stats()
	assert.Equal(t, 0, stats.RollbackQueueDepth)
	assert.Equal(t, uint64(1), stats.EventsDropped)
}

func TestProcess_InfiniteTTLRetriesForever(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchTTL = -1
	cfg.BatchRetryIntervals = "1000"
	errs := make([]error, 20)
	for i := range errs {
		errs[i] = transient()
	}
	f := newFixture(t, cfg, errs...)

	f.source.Put(newEvent("c1", "Room1"))
	f.tick(t)

	for i := 0; i < 15; i++ {
		f.clock.Advance(time.Second)
		f.tick(t)
		require.Equal(t, 1, f.sink.Stats().RollbackQueueDepth)
	}
	assert.Equal(t, 16, f.persister.Calls())
	assert.Equal(t, uint64(0), f.sink.Stats().EventsDropped)
}

func TestProcess_NonRetryableFailureDropsBatch(t *testing.T) {
	for _, err := range []error{
		persist.BadConfiguration(errors.New("no such index")),
		persist.BadPayload(errors.New("mapper_parsing_exception")),
		persist.Runtime(errors.New("nil pointer")),
		errors.New("unclassified"),
	} {
		t.Run(err.Error(), func(t *testing.T) {
			f := newFixture(t, DefaultConfig(), err)
			f.source.Put(newEvent("c1", "Room1"))

			assert.Equal(t, StatusReady, f.tick(t))

			stats := f.sink.Stats()
			assert.Equal(t, 0, stats.RollbackQueueDepth)
			assert.Equal(t, uint64(1), stats.EventsDropped)
			assert.Equal(t, 0, stats.WindowEvents)
			assert.Equal(t, 1, f.source.Committed())
		})
	}
}

func TestProcess_NonRetryableRollbackFailureDropsEntry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchRetryIntervals = "1000"
	f := newFixture(t, cfg, transient(), persist.BadPayload(errors.New("rejected")))

	f.source.Put(newEvent("c1", "Room1"))
	f.tick(t)
	require.Equal(t, 1, f.sink.Stats().RollbackQueueDepth)

	f.clock.Advance(time.Second)
	f.tick(t)

	stats := f.sink.Stats()
	assert.Equal(t, 0, stats.RollbackQueueDepth)
	assert.Equal(t, uint64(1), stats.EventsDropped)
}

func TestProcess_RollbackOutcomeDoesNotAffectStatus(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchRetryIntervals = "1000"
	// first batch fails, its retry fails again, the next new batch succeeds
	f := newFixture(t, cfg, transient(), transient(), nil)

	f.source.Put(newEvent("c1", "Room1"))
	assert.Equal(t, StatusBackoff, f.tick(t))

	f.clock.Advance(time.Second)
	f.source.Put(newEvent("c2", "Room2"))
	assert.Equal(t, StatusReady, f.tick(t), "failed retry does not force backoff")
	assert.Equal(t, 1, f.sink.Stats().RollbackQueueDepth)
}

func TestProcess_OneRollbackAttemptPerTick(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchRetryIntervals = "1000"
	f := newFixture(t, cfg, transient(), transient())

	f.source.Put(newEvent("c1", "Room1"))
	f.tick(t)
	f.source.Put(newEvent("c2", "Room1"))
	f.tick(t)
	require.Equal(t, 2, f.sink.Stats().RollbackQueueDepth)

	f.clock.Advance(time.Second)
	f.tick(t)
	assert.Equal(t, 1, f.sink.Stats().RollbackQueueDepth)
	f.tick(t)
	assert.Equal(t, 0, f.sink.Stats().RollbackQueueDepth)

	persisted := f.persister.Persisted()
	require.Len(t, persisted, 2)
	assert.Equal(t, "c1", persisted[0].Events("smartcity_/parks_Room1_Room")[0].CorrelatorID(), "FIFO order")
	assert.Equal(t, "c2", persisted[1].Events("smartcity_/parks_Room1_Room")[0].CorrelatorID())
}

func TestProcess_BatchTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 10
	cfg.BatchTimeout = 5
	f := newFixture(t, cfg)

	f.source.Put(newEvent("c1", "Room1"), newEvent("c2", "Room1"))
	assert.Equal(t, StatusBackoff, f.tick(t))
	assert.Equal(t, 0, f.persister.Calls())

	f.clock.Advance(6 * time.Second)
	f.source.Put(newEvent("c3", "Room1"))
	assert.Equal(t, StatusReady, f.tick(t))

	require.Len(t, f.persister.Persisted(), 1)
	assert.Equal(t, 2, f.persister.Persisted()[0].NumEvents(), "timed out window persisted without taking more")
	assert.Equal(t, 1, f.source.Len())
}

func TestProcess_EmptyWindowTimeoutIsReady(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 10
	cfg.BatchTimeout = 5
	f := newFixture(t, cfg)

	f.clock.Advance(6 * time.Second)
	assert.Equal(t, StatusReady, f.tick(t))
	assert.Equal(t, 0, f.persister.Calls())
	assert.Equal(t, f.clock.Now(), f.sink.Stats().WindowStart)
}

func TestProcess_AttributeFanOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataModel = "dm-by-attribute"
	f := newFixture(t, cfg)

	f.source.Put(newEvent("c1", "Room1", "temperature", "pressure", "humidity"))
	assert.Equal(t, StatusReady, f.tick(t))

	require.Len(t, f.persister.Persisted(), 1)
	b := f.persister.Persisted()[0]
	assert.Equal(t, 3, b.NumEvents())
	for _, dest := range b.Destinations() {
		events := b.Events(dest)
		require.Len(t, events, 1)
		assert.Len(t, events[0].OriginalCE.Attributes, 1, "destination %s", dest)
	}
	assert.Equal(t, uint64(1), f.sink.Stats().EventsProcessed)
}

func TestProcess_CorrelatorListKeepsDuplicates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	f := newFixture(t, cfg)

	f.source.Put(newEvent("c1", "Room1"), newEvent("c1", "Room1"))
	f.tick(t)
	assert.Equal(t, "c1,c1", f.sink.acc.CorrelatorIDs())
}

func TestProcess_BeginFailureIsSourceAccessError(t *testing.T) {
	s := New("begin", DefaultConfig(), &failingSource{beginErr: errors.New("channel closed")}, &scriptedPersister{},
		WithLogger(logging.Discard()))
	s.Start(context.Background())

	status, err := s.Process(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceAccess)
	assert.Equal(t, StatusBackoff, status)
}

func TestProcess_TakeFailureIsSourceAccessError(t *testing.T) {
	src := &failingSource{takeErr: errors.New("broken pipe")}
	s := New("take", DefaultConfig(), src, &scriptedPersister{}, WithLogger(logging.Discard()))
	s.Start(context.Background())

	_, err := s.Process(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceAccess)
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestProcess_PersistenceErrorsNeverReturned(t *testing.T) {
	f := newFixture(t, DefaultConfig(), transient(), persist.BadPayload(errors.New("x")))
	f.source.Put(newEvent("c1", "Room1"), newEvent("c2", "Room1"))

	_, err := f.sink.Process(context.Background())
	assert.NoError(t, err)
	_, err = f.sink.Process(context.Background())
	assert.NoError(t, err)
}

func TestProcess_ConcurrentTicksAreSerialized(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 5
	f := newFixture(t, cfg)
	for i := 0; i < 100; i++ {
		f.source.Put(newEvent(fmt.Sprintf("c%d", i), fmt.Sprintf("Room%d", i%4)))
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = f.sink.Process(context.Background())
			}
		}()
	}
	wg.Wait()

	stats := f.sink.Stats()
	assert.Equal(t, uint64(100), stats.EventsProcessed)
	assert.Equal(t, uint64(100), stats.EventsPersisted)
	assert.Equal(t, 0, f.source.Len())
}

func TestProcess_RoutingFailureCountsDrop(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.sink.acc = accumulator.New(router.New(router.DataModelUnknown, router.Flags{}), 10, logging.Discard())
	f.sink.acc.Reset(f.clock.Now())
	f.source.Put(newEvent("c1", "Room1"))

	assert.Equal(t, StatusReady, f.tick(t))

	stats := f.sink.Stats()
	assert.Equal(t, uint64(1), stats.EventsProcessed)
	assert.Equal(t, uint64(1), stats.EventsDropped)
	assert.Equal(t, uint64(0), stats.EventsPersisted)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EventsDropped.WithLabelValues(t.Name(), metrics.ReasonRouting)))
	assert.Equal(t, 1, f.source.Committed())
}

func TestStats_DoesNotWaitForPersist(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	p := persist.PersisterFunc(func(ctx context.Context, b *batch.Batch) error {
		close(entered)
		<-release
		return nil
	})

	src := source.NewMemory()
	s := New(t.Name(), DefaultConfig(), src, p, WithLogger(logging.Discard()))
	s.Start(context.Background())
	src.Put(newEvent("c1", "Room1"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Process(context.Background())
	}()
	<-entered

	got := make(chan Stats, 1)
	go func() { got <- s.Stats() }()

	select {
	case stats := <-got:
		assert.Equal(t, uint64(1), stats.EventsProcessed)
		assert.Equal(t, uint64(0), stats.EventsPersisted)
	case <-time.After(time.Second):
		t.Fatal("Stats blocked while a persist was in flight")
	}

	close(release)
	<-done
	assert.Equal(t, uint64(1), s.Stats().EventsPersisted)
	assert.Equal(t, 0, s.Stats().WindowEvents)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "READY", StatusReady.String())
	assert.Equal(t, "BACKOFF", StatusBackoff.String())
}
