package seeder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telhawk-forward/common/logging"
	"github.com/telhawk-systems/telhawk-forward/common/messaging"
)

// Publisher waits for the stream to store each message.
type Publisher interface {
	PublishMsgSync(ctx context.Context, msg *messaging.Message) (*jetstream.PubAck, error)
}

// Config controls what and how much is generated.
type Config struct {
	Count        int
	Interval     time.Duration
	Services     []string
	ServicePaths []string
	EntityTypes  []string
	MaxElements  int
	Seed         int64
}

// DefaultConfig returns 100 notifications of up to 3 elements each.
func DefaultConfig() Config {
	return Config{
		Count:        100,
		Services:     []string{"smartcity"},
		ServicePaths: []string{"/parks", "/streets"},
		MaxElements:  3,
	}
}

// Result summarizes a seeding run.
type Result struct {
	Notifications int
	Elements      int
	Failed        int
}

// Seeder publishes generated notifications.
type Seeder struct {
	cfg       Config
	gen       *Generator
	publisher Publisher
	logger    *logging.Logger
}

// New creates a seeder.
func New(cfg Config, publisher Publisher, logger *logging.Logger) *Seeder {
	if logger == nil {
		logger = logging.Default()
	}
	return &Seeder{
		cfg:       cfg,
		gen:       NewGenerator(cfg),
		publisher: publisher,
		logger:    logger,
	}
}

// Run publishes Count notifications. Publish failures are counted and logged;
// only cancellation stops the run early.
func (s *Seeder) Run(ctx context.Context) (Result, error) {
	var res Result

	s.logger.InfoContext(ctx, "Starting notification seeder",
		"count", s.cfg.Count, "interval", s.cfg.Interval.String(), "services", s.cfg.Services)

	for i := 0; i < s.cfg.Count; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		n := s.gen.Next()
		msg, err := Message(n)
		if err != nil {
			return res, err
		}

		if _, err := s.publisher.PublishMsgSync(ctx, msg); err != nil {
			res.Failed++
			s.logger.ErrorContext(ctx, "Failed to publish notification",
				logging.CorrelatorID(n.Correlator), logging.Error(err))
		} else {
			res.Notifications++
			res.Elements += len(n.Body.ContextResponses)
		}

		if s.cfg.Interval > 0 && i < s.cfg.Count-1 {
			select {
			case <-time.After(s.cfg.Interval):
			case <-ctx.Done():
				return res, ctx.Err()
			}
		}
	}

	s.logger.InfoContext(ctx, "Seeding complete",
		"published", res.Notifications, "elements", res.Elements, "failed", res.Failed)
	return res, nil
}

// Message encodes n for the notifications stream, carrying the tenant in
// fiware headers the way a context broker does.
func Message(n Notification) (*messaging.Message, error) {
	data, err := json.Marshal(n.Body)
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	return messaging.NewMessage(messaging.NotificationSubject(n.Service), data,
		messaging.WithHeader("Fiware-Service", n.Service),
		messaging.WithHeader("Fiware-ServicePath", n.ServicePath),
		messaging.WithHeader("Fiware-Correlator", n.Correlator),
	), nil
}
