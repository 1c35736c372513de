package persist

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telhawk-forward/common/logging"
	"github.com/telhawk-systems/telhawk-forward/common/messaging"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/batch"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/models"
)

// StreamPublisher publishes a message and waits for the stream acknowledgment.
type StreamPublisher interface {
	PublishMsgSync(ctx context.Context, msg *messaging.Message) (*jetstream.PubAck, error)
}

// JetStream republishes records on a subject per destination. Every message
// carries a Nats-Msg-Id identifying the event, so a retried batch is
// deduplicated by the stream within its duplicate window.
type JetStream struct {
	pub    StreamPublisher
	naming Naming
	logger *logging.Logger
}

// NewJetStream creates a JetStream backend publishing through pub.
func NewJetStream(pub StreamPublisher, naming Naming, logger *logging.Logger) *JetStream {
	if logger == nil {
		logger = logging.Default()
	}
	return &JetStream{pub: pub, naming: naming, logger: logger}
}

func (j *JetStream) Persist(ctx context.Context, b *batch.Batch) error {
	for _, sb := range b.SubBatches() {
		name := j.naming.Name(sb.Destination)
		subject := messaging.PersistedSubject(name)

		for i, rec := range Records(sb.Destination, sb.Events) {
			data, err := rec.Encode()
			if err != nil {
				return err
			}

			msg := messaging.NewMessage(subject, data,
				messaging.WithHeader(jetstream.MsgIDHeader, messageID(rec, sb.Events[i], name, i)),
				messaging.WithHeader(models.HeaderCorrelatorID, rec.CorrelatorID),
			)
			if _, err := j.pub.PublishMsgSync(ctx, msg); err != nil {
				return classifyJetStreamError(fmt.Errorf("failed to publish to %s: %w", subject, err))
			}
		}
	}

	j.logger.DebugContext(ctx, "Batch published", logging.Events(b.NumEvents()))
	return nil
}

// messageID is unique per context element and destination. Elements of one
// notification share the transaction id, so the element index tells them
// apart across batches. Events not split from a notification fall back to
// their position in the sub-batch.
func messageID(rec Record, ev *models.Event, name string, pos int) string {
	idx := ev.ElementIndex()
	if idx == "" {
		idx = "b" + strconv.Itoa(pos)
	}
	return rec.CorrelatorID + ":" + rec.TransactionID + ":" + idx + ":" + name
}

func (j *JetStream) Name() string { return "jetstream" }

// Close is a no-op; the connection is owned by the caller.
func (j *JetStream) Close() error { return nil }

func classifyJetStreamError(err error) error {
	if errors.Is(err, nats.ErrMaxPayload) {
		return BadPayload(err)
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code >= 500 {
			return Transient(err)
		}
		return BadConfiguration(err)
	}
	return Transient(err)
}
