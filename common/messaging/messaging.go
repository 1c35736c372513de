// Package messaging provides abstractions for message broker communication.
// It defines interfaces that allow services to publish messages without being
// coupled to a specific broker implementation.
package messaging

import (
	"context"
	"time"
)

// Message represents a message received from or sent to a message broker.
type Message struct {
	// Subject is the topic/channel the message was published to.
	Subject string

	// Data is the raw message payload.
	Data []byte

	// Metadata contains optional key-value pairs for message headers.
	Metadata map[string]string

	// Timestamp is when the message was published.
	Timestamp time.Time
}

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends a message to the specified subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishMsg sends a Message with full control over headers and metadata.
	PublishMsg(ctx context.Context, msg *Message) error

	// Close releases any resources held by the publisher.
	Close() error
}

// PublishOption configures message publishing behavior.
type PublishOption func(*Message)

// WithHeader adds a header to the published message.
func WithHeader(key, value string) PublishOption {
	return func(m *Message) {
		if m.Metadata == nil {
			m.Metadata = make(map[string]string)
		}
		m.Metadata[key] = value
	}
}

// NewMessage builds a message for subject with the given options applied.
func NewMessage(subject string, data []byte, opts ...PublishOption) *Message {
	m := &Message{Subject: subject, Data: data, Timestamp: time.Now()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}
