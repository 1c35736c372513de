package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-forward/common/logging"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/batch"
)

// RedisConfig holds Redis list backend settings.
type RedisConfig struct {
	URL       string
	KeyPrefix string
	MaxLen    int64
	TTL       time.Duration
}

// Redis appends records to one list per destination:
//
//	{prefix}{destination} - list of JSON records, oldest first
//
// A batch is written in a single MULTI/EXEC so a failed batch leaves no
// partial writes behind.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
	naming Naming
	logger *logging.Logger
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig, naming Naming, logger *logging.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisFromClient(client, cfg, naming, logger), nil
}

// NewRedisFromClient creates a backend from an existing Redis connection.
func NewRedisFromClient(client *redis.Client, cfg RedisConfig, naming Naming, logger *logging.Logger) *Redis {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "forward:"
	}
	naming.Prefix = cfg.KeyPrefix
	return &Redis{client: client, cfg: cfg, naming: naming, logger: logger}
}

// Key returns the list key for a destination.
func (r *Redis) Key(destination string) string {
	return r.naming.Name(destination)
}

func (r *Redis) Persist(ctx context.Context, b *batch.Batch) error {
	pipe := r.client.TxPipeline()

	for _, sb := range b.SubBatches() {
		key := r.Key(sb.Destination)
		values := make([]any, 0, len(sb.Events))
		for _, rec := range Records(sb.Destination, sb.Events) {
			data, err := rec.Encode()
			if err != nil {
				return err
			}
			values = append(values, data)
		}

		pipe.RPush(ctx, key, values...)
		if r.cfg.MaxLen > 0 {
			pipe.LTrim(ctx, key, -r.cfg.MaxLen, -1)
		}
		if r.cfg.TTL > 0 {
			pipe.Expire(ctx, key, r.cfg.TTL)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return classifyRedisError(fmt.Errorf("failed to push records: %w", err))
	}

	r.logger.DebugContext(ctx, "Batch pushed", logging.Events(b.NumEvents()))
	return nil
}

// Ping verifies the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Close() error {
	return r.client.Close()
}

// transientRedisReplies are server replies that clear up on their own.
var transientRedisReplies = []string{"OOM", "LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN", "READONLY"}

func classifyRedisError(err error) error {
	var replyErr redis.Error
	if !errors.As(err, &replyErr) {
		return Transient(err)
	}
	msg := replyErr.Error()
	for _, prefix := range transientRedisReplies {
		if strings.HasPrefix(msg, prefix) {
			return Transient(err)
		}
	}
	return BadConfiguration(err)
}
