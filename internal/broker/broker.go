// Package broker carries job traffic between this service and the external
// AI workers over RabbitMQ. Delivery is at-least-once; consumers are expected
// to be idempotent.
package broker

import (
	"context"

	"github.com/google/uuid"
)

// Message is the work payload published to the trainer and forecaster queues.
type Message struct {
	JobID  uuid.UUID `json:"job_id"`
	ItemID int       `json:"item_id"`
}

// Delivery is one consumed message. Exactly one of Ack or Nack must be called;
// a nacked message without requeue is eligible for broker-level dead-lettering.
type Delivery struct {
	Body []byte
	Ack  func() error
	Nack func(requeue bool) error
}

// Handler processes one delivery and settles it.
type Handler func(ctx context.Context, d Delivery)

// Publisher publishes a message to a named durable queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Consumer delivers messages from a named durable queue to a handler until
// the context is cancelled.
type Consumer interface {
	Consume(ctx context.Context, queue string, h Handler) error
}
