package persist

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-forward/common/logging"
)

func TestBuild(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	tests := []struct {
		name     string
		opts     Options
		wantName string
		wantErr  bool
	}{
		{name: "default", opts: Options{}, wantName: "log"},
		{name: "log", opts: Options{Backend: BackendLog}, wantName: "log"},
		{name: "opensearch", opts: Options{Backend: BackendOpenSearch, OpenSearch: DefaultOpenSearchConfig()}, wantName: "opensearch"},
		{name: "redis", opts: Options{Backend: BackendRedis, Redis: RedisConfig{URL: "redis://" + mr.Addr()}}, wantName: "redis"},
		{name: "kafka", opts: Options{Backend: BackendKafka, Kafka: KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "ngsi"}}, wantName: "kafka"},
		{name: "jetstream", opts: Options{Backend: BackendJetStream, JetStream: &fakeStream{}}, wantName: "jetstream"},
		{name: "jetstream without connection", opts: Options{Backend: BackendJetStream}, wantErr: true},
		{name: "postgres invalid url", opts: Options{Backend: BackendPostgres, Postgres: PostgresConfig{URL: "invalid://x"}}, wantErr: true},
		{name: "unknown", opts: Options{Backend: "hdfs"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Logger = logging.Discard()
			p, err := Build(ctx, tt.opts)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, p.Name())
			assert.NoError(t, p.Close())
		})
	}
}
