package mq

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message represents a message published to the queue.
type Message struct {
	// ID is the unique identifier for the message
	ID string `json:"id"`

	// Body is the message payload
	Body []byte `json:"body"`

	// Headers contains metadata about the message
	Headers map[string]string `json:"headers"`

	// Timestamp is when the message was created
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a message with a generated id and current timestamp.
func NewMessage(body []byte) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// Producer defines the interface for publishing messages.
// The core only produces events; consumption belongs to external pipelines.
type Producer interface {
	// Publish publishes a message to the specified topic
	Publish(ctx context.Context, topic string, message *Message) error

	// Ping verifies the queue connection is alive
	Ping(ctx context.Context) error

	// Close closes the producer
	Close() error
}
