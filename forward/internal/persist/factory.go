package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/telhawk-systems/telhawk-forward/common/logging"
)

// Backend names accepted by Build.
const (
	BackendLog        = "log"
	BackendOpenSearch = "opensearch"
	BackendPostgres   = "postgres"
	BackendRedis      = "redis"
	BackendKafka      = "kafka"
	BackendJetStream  = "jetstream"
)

// Options selects and configures a backend.
type Options struct {
	Backend    string
	Naming     Naming
	OpenSearch OpenSearchConfig
	Postgres   PostgresConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	// JetStream is required by the jetstream backend; the caller owns the connection.
	JetStream StreamPublisher
	Logger    *logging.Logger
}

// Build constructs a Persister from a string selector:
//   - "log": structured log output (default)
//   - "opensearch": bulk index per destination
//   - "postgres": one row per attribute in forward_records
//   - "redis": one list per destination
//   - "kafka": one message per event keyed by destination
//   - "jetstream": one subject per destination
func Build(ctx context.Context, opts Options) (Persister, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With("backend", opts.Backend)

	switch opts.Backend {
	case "", BackendLog:
		return NewLog(opts.Naming, logger), nil
	case BackendOpenSearch:
		p, err := NewOpenSearch(opts.OpenSearch, opts.Naming, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case BackendPostgres:
		p, err := NewPostgres(ctx, opts.Postgres, opts.Naming, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case BackendRedis:
		p, err := NewRedis(ctx, opts.Redis, opts.Naming, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case BackendKafka:
		p, err := NewKafka(opts.Kafka, opts.Naming, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case BackendJetStream:
		if opts.JetStream == nil {
			return nil, errors.New("jetstream backend requires a JetStream connection")
		}
		return NewJetStream(opts.JetStream, opts.Naming, logger), nil
	default:
		return nil, fmt.Errorf("unknown persistence backend: %s", opts.Backend)
	}
}
