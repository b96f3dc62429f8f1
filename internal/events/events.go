// Package events publishes lifecycle events to the message queue for
// external consumers. Publishing is best-effort and never blocks an
// operation from completing.
package events

import (
	"context"
	"encoding/json"
	"time"

	"tci/internal/common/mq"
	"tci/pkg/utils/logger"

	"go.uber.org/zap"
)

// Event types emitted by the service.
const (
	TypeSessionCreated    = "session.created"
	TypeSessionClosed     = "session.closed"
	TypeSessionEvicted    = "session.evicted"
	TypeExecutionStarted  = "execution.started"
	TypeExecutionFinished = "execution.finished"
	TypeSecurityViolation = "security.violation"
)

// Event is the envelope published to the queue.
type Event struct {
	Type        string                 `json:"type"`
	SessionID   string                 `json:"sessionId"`
	ExecutionID string                 `json:"executionId,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	EmittedAt   time.Time              `json:"emittedAt"`
}

// Publisher emits lifecycle events.
type Publisher interface {
	Emit(ctx context.Context, event Event)
}

// MQPublisher publishes events to a single topic through the queue producer.
type MQPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQPublisher builds a queue-backed publisher.
func NewMQPublisher(producer mq.Producer, topic string) *MQPublisher {
	return &MQPublisher{producer: producer, topic: topic}
}

// Emit serializes and publishes the event. Failures are logged and dropped.
func (p *MQPublisher) Emit(ctx context.Context, event Event) {
	if event.EmittedAt.IsZero() {
		event.EmittedAt = time.Now()
	}
	body, err := json.Marshal(event)
	if err != nil {
		logger.Warn(ctx, "event serialization failed", zap.String("type", event.Type), zap.Error(err))
		return
	}
	msg := mq.NewMessage(body)
	msg.Headers["event_type"] = event.Type
	msg.Headers["session_id"] = event.SessionID
	if err := p.producer.Publish(ctx, p.topic, msg); err != nil {
		logger.Warn(ctx, "event publish failed",
			zap.String("type", event.Type),
			zap.String("session_id", event.SessionID),
			zap.Error(err))
	}
}

// Noop discards all events; used when no queue is configured.
type Noop struct{}

func (Noop) Emit(ctx context.Context, event Event) {}
