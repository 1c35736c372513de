package persist

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-forward/common/logging"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockWriter) Close() error {
	return m.Called().Error(0)
}

func TestKafka_PersistKeyedByDestination(t *testing.T) {
	w := &mockWriter{}
	var sent []kafka.Message
	w.On("WriteMessages", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(1).([]kafka.Message) }).
		Return(nil)

	backend := newKafkaWithWriter(w, KafkaConfig{Topic: "ngsi"}, Naming{Lowercase: true}, logging.Discard())
	require.NoError(t, backend.Persist(context.Background(), testBatch()))

	require.Len(t, sent, 3)
	assert.Equal(t, "smartcity__parks_room1_room", string(sent[0].Key))
	assert.Equal(t, "smartcity__parks_room1_room", string(sent[1].Key))
	assert.Equal(t, "smartcity__parks_room2_room", string(sent[2].Key))
	assert.Empty(t, sent[0].Topic, "writer topic is used")
	assert.Equal(t, "c1", string(sent[0].Headers[0].Value))
	w.AssertExpectations(t)
}

func TestKafka_TopicPerDestination(t *testing.T) {
	w := &mockWriter{}
	var sent []kafka.Message
	w.On("WriteMessages", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(1).([]kafka.Message) }).
		Return(nil)

	backend := newKafkaWithWriter(w, KafkaConfig{TopicPerDestination: true, TopicPrefix: "ngsi."}, Naming{}, logging.Discard())
	require.NoError(t, backend.Persist(context.Background(), testBatch()))

	require.Len(t, sent, 3)
	assert.Equal(t, "ngsi.smartcity__parks_Room2_Room", sent[2].Topic)
}

func TestKafka_ErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"leader not available", kafka.LeaderNotAvailable, ClassPersistence},
		{"request timed out", kafka.RequestTimedOut, ClassPersistence},
		{"message too large", kafka.MessageSizeTooLarge, ClassBadPayload},
		{"topic authorization", kafka.TopicAuthorizationFailed, ClassBadConfiguration},
		{"write errors", kafka.WriteErrors{nil, kafka.InvalidTopic}, ClassBadConfiguration},
		{"network", errors.New("dial tcp 127.0.0.1:9092: connect: connection refused"), ClassPersistence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &mockWriter{}
			w.On("WriteMessages", mock.Anything, mock.Anything).Return(tt.err)

			backend := newKafkaWithWriter(w, KafkaConfig{Topic: "ngsi"}, Naming{}, logging.Discard())
			err := backend.Persist(context.Background(), testBatch())
			require.Error(t, err)
			assert.Equal(t, tt.want, ClassOf(err))
		})
	}
}

func TestNewKafka_Validation(t *testing.T) {
	_, err := NewKafka(KafkaConfig{Topic: "ngsi"}, Naming{}, logging.Discard())
	assert.Error(t, err)

	_, err = NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}}, Naming{}, logging.Discard())
	assert.Error(t, err)

	backend, err := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "ngsi"}, Naming{}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "kafka", backend.Name())
	assert.NoError(t, backend.Close())
}
