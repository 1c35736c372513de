package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telhawk-forward/common/logging"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/models"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/namemapping"
)

// Header defaults applied to notifications published without them.
const (
	DefaultService     = "default"
	DefaultServicePath = "/"
)

// message is the part of a JetStream message the source needs.
type message interface {
	Data() []byte
	Headers() nats.Header
	Ack() error
	InProgress() error
	Term() error
}

// fetcher pulls whatever messages are available without waiting.
type fetcher interface {
	fetch(n int) ([]message, error)
}

type consumerFetcher struct {
	consumer jetstream.Consumer
	logger   *logging.Logger
}

func (f consumerFetcher) fetch(n int) ([]message, error) {
	batch, err := f.consumer.FetchNoWait(n)
	if err != nil {
		return nil, err
	}
	var out []message
	for msg := range batch.Messages() {
		out = append(out, msg)
	}
	if err := batch.Error(); err != nil {
		f.logger.Debug("Fetch ended early", logging.Error(err))
	}
	return out, nil
}

// tracked is a fetched notification whose events are still in flight.
type tracked struct {
	msg     message
	pending int
}

type trackedEvent struct {
	ev  *models.Event
	src *tracked
}

// JetStreamOption configures a JetStream source.
type JetStreamOption func(*JetStream)

// WithNameMappings applies rules to every event taken.
func WithNameMappings(m *namemapping.Mappings) JetStreamOption {
	return func(s *JetStream) { s.mappings = m }
}

// WithFetchSize bounds how many notifications are pulled per fetch.
func WithFetchSize(n int) JetStreamOption {
	return func(s *JetStream) {
		if n > 0 {
			s.fetchSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) JetStreamOption {
	return func(s *JetStream) { s.logger = l }
}

// WithClock overrides the reception timestamp source.
func WithClock(now func() time.Time) JetStreamOption {
	return func(s *JetStream) { s.now = now }
}

// JetStream is a source backed by a durable pull consumer. Each notification
// is split into one event per context element; the message is acknowledged
// once every one of its events has been committed.
type JetStream struct {
	fetcher   fetcher
	mappings  *namemapping.Mappings
	fetchSize int
	logger    *logging.Logger
	now       func() time.Time

	mu       sync.Mutex
	buffered []trackedEvent
	closed   bool
}

// NewJetStream creates a source reading from consumer.
func NewJetStream(consumer jetstream.Consumer, opts ...JetStreamOption) *JetStream {
	s := newJetStream(nil, opts...)
	s.fetcher = consumerFetcher{consumer: consumer, logger: s.logger}
	return s
}

func newJetStream(f fetcher, opts ...JetStreamOption) *JetStream {
	s := &JetStream{
		fetcher:   f,
		fetchSize: 100,
		logger:    logging.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin starts a transaction.
func (s *JetStream) Begin(ctx context.Context) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &jetStreamTxn{src: s}, nil
}

// Close stops handing out transactions. The connection is owned by the caller;
// unacknowledged notifications are redelivered by the server after AckWait.
func (s *JetStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buffered = nil
	return nil
}

// next returns the next buffered event, fetching more notifications when the
// buffer is empty. It returns nil when nothing is available.
func (s *JetStream) next(ctx context.Context) (trackedEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffered) == 0 {
		msgs, err := s.fetcher.fetch(s.fetchSize)
		if err != nil {
			return trackedEvent{}, false, fmt.Errorf("fetch notifications: %w", err)
		}
		for _, msg := range msgs {
			s.buffered = append(s.buffered, s.split(ctx, msg)...)
		}
	}

	if len(s.buffered) == 0 {
		return trackedEvent{}, false, nil
	}
	te := s.buffered[0]
	s.buffered = s.buffered[1:]
	return te, true, nil
}

// putBack returns taken events to the head of the buffer.
func (s *JetStream) putBack(events []trackedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffered = append(append([]trackedEvent{}, events...), s.buffered...)
}

// split decodes a notification into tracked events. Undecodable notifications
// are terminated so they are not redelivered.
func (s *JetStream) split(ctx context.Context, msg message) []trackedEvent {
	headers := notificationHeaders(msg.Headers())
	log := s.logger.With(
		logging.CorrelatorID(headers[models.HeaderCorrelatorID]),
		logging.TransactionID(headers[models.HeaderTransactionID]))

	req, err := models.ParseNotification(msg.Data())
	if err != nil {
		log.WarnContext(ctx, "Dropping malformed notification", logging.Error(err))
		if err := msg.Term(); err != nil {
			log.ErrorContext(ctx, "Failed to terminate notification", logging.Error(err))
		}
		return nil
	}

	events := models.SplitEvents(headers, req, s.now())
	t := &tracked{msg: msg, pending: len(events)}
	out := make([]trackedEvent, 0, len(events))
	for _, ev := range events {
		if s.mappings != nil {
			s.mappings.Apply(ev)
		}
		out = append(out, trackedEvent{ev: ev, src: t})
	}
	log.DebugContext(ctx, "Notification received", logging.Events(len(events)))
	return out
}

// notificationHeaders lower-cases header names and fills the ids and tenant
// headers the pipeline relies on.
func notificationHeaders(h nats.Header) map[string]string {
	out := make(map[string]string, len(h)+4)
	for k := range h {
		out[strings.ToLower(k)] = h.Get(k)
	}
	if out[models.HeaderCorrelatorID] == "" {
		out[models.HeaderCorrelatorID] = uuid.New().String()
	}
	if out[models.HeaderTransactionID] == "" {
		out[models.HeaderTransactionID] = uuid.New().String()
	}
	if out[models.HeaderFiwareService] == "" {
		out[models.HeaderFiwareService] = DefaultService
	}
	if out[models.HeaderFiwareServicePath] == "" {
		out[models.HeaderFiwareServicePath] = DefaultServicePath
	}
	return out
}

type jetStreamTxn struct {
	src   *JetStream
	taken []trackedEvent
	done  bool
}

func (t *jetStreamTxn) Take(ctx context.Context) (*models.Event, error) {
	if t.done {
		return nil, fmt.Errorf("take: %w", ErrClosed)
	}
	te, ok, err := t.src.next(ctx)
	if err != nil || !ok {
		return nil, err
	}
	t.taken = append(t.taken, te)
	return te.ev, nil
}

// Commit acknowledges every notification whose events have all been committed
// and extends the ack deadline of the partially consumed ones. A failed ack
// does not stop the others; all failures are returned together.
func (t *jetStreamTxn) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("commit: %w", ErrClosed)
	}
	t.done = true

	touched := make(map[*tracked]struct{})
	for _, te := range t.taken {
		te.src.pending--
		touched[te.src] = struct{}{}
	}
	t.taken = nil

	var errs []error
	for tr := range touched {
		if tr.pending > 0 {
			if err := tr.msg.InProgress(); err != nil {
				t.src.logger.WarnContext(ctx, "Failed to extend ack deadline", logging.Error(err))
			}
			continue
		}
		if err := tr.msg.Ack(); err != nil {
			errs = append(errs, fmt.Errorf("ack notification: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (t *jetStreamTxn) Close() error {
	if !t.done && len(t.taken) > 0 {
		t.src.putBack(t.taken)
	}
	t.taken = nil
	t.done = true
	return nil
}
