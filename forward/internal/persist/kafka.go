package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/telhawk-systems/telhawk-forward/common/logging"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/batch"
)

// KafkaConfig holds Kafka producer settings.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// TopicPerDestination writes every sub-batch to a topic named after its
	// destination instead of Topic.
	TopicPerDestination bool
	TopicPrefix         string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka produces one message per event, keyed by destination so that a
// destination's events stay ordered within a partition.
type Kafka struct {
	writer messageWriter
	cfg    KafkaConfig
	naming Naming
	logger *logging.Logger
}

// NewKafka creates a synchronous producer that waits for all in-sync replicas.
func NewKafka(cfg KafkaConfig, naming Naming, logger *logging.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if !cfg.TopicPerDestination && cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: cfg.TopicPerDestination,
	}
	if !cfg.TopicPerDestination {
		w.Topic = cfg.Topic
	}

	return newKafkaWithWriter(w, cfg, naming, logger), nil
}

func newKafkaWithWriter(w messageWriter, cfg KafkaConfig, naming Naming, logger *logging.Logger) *Kafka {
	if logger == nil {
		logger = logging.Default()
	}
	naming.Prefix = cfg.TopicPrefix
	return &Kafka{writer: w, cfg: cfg, naming: naming, logger: logger}
}

func (k *Kafka) Persist(ctx context.Context, b *batch.Batch) error {
	msgs := make([]kafka.Message, 0, b.NumEvents())
	for _, sb := range b.SubBatches() {
		name := k.naming.Name(sb.Destination)
		for _, rec := range Records(sb.Destination, sb.Events) {
			data, err := rec.Encode()
			if err != nil {
				return err
			}
			msg := kafka.Message{
				Key:   []byte(name),
				Value: data,
				Headers: []kafka.Header{
					{Key: "fiware-correlator", Value: []byte(rec.CorrelatorID)},
				},
			}
			if k.cfg.TopicPerDestination {
				msg.Topic = name
			}
			msgs = append(msgs, msg)
		}
	}
	if len(msgs) == 0 {
		return nil
	}

	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return classifyKafkaError(fmt.Errorf("failed to write messages: %w", err))
	}

	k.logger.DebugContext(ctx, "Batch produced", logging.Events(len(msgs)))
	return nil
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Close() error {
	return k.writer.Close()
}

func classifyKafkaError(err error) error {
	cause := err
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil {
				cause = e
				break
			}
		}
	}

	var kerr kafka.Error
	if !errors.As(cause, &kerr) {
		return Transient(err)
	}
	switch kerr {
	case kafka.InvalidMessage, kafka.MessageSizeTooLarge, kafka.RecordListTooLarge, kafka.InvalidTimestamp:
		return BadPayload(err)
	case kafka.InvalidTopic, kafka.TopicAuthorizationFailed, kafka.ClusterAuthorizationFailed:
		return BadConfiguration(err)
	}
	if kerr.Temporary() {
		return Transient(err)
	}
	return Runtime(err)
}
