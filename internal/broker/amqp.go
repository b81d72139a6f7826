package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	publishTimeout   = 10 * time.Second
	redialBaseDelay  = 1 * time.Second
	redialMaxDelay   = 30 * time.Second
	consumerPrefetch = 8
)

// AMQPClient is a publishing client that owns its connection and channel.
// The connection is dialed lazily and redialed transparently on the next
// publish after a failure; it is never shared ambient state.
type AMQPClient struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPClient creates a client for the given broker URL without dialing.
func NewAMQPClient(url string) *AMQPClient {
	return &AMQPClient{url: url}
}

// Publish sends body to the named durable queue with persistent delivery.
func (c *AMQPClient) Publish(ctx context.Context, queue string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channel()
	if err != nil {
		return fmt.Errorf("broker channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		c.reset()
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = ch.PublishWithContext(pubCtx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		c.reset()
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Close releases the connection. Safe to call on a never-dialed client.
func (c *AMQPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.ch = nil
	return err
}

// channel returns a live channel, dialing a fresh connection if needed.
// Callers must hold c.mu.
func (c *AMQPClient) channel() (*amqp.Channel, error) {
	if c.ch != nil && !c.conn.IsClosed() && !c.ch.IsClosed() {
		return c.ch, nil
	}
	c.reset()

	conn, err := amqp.Dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	c.conn = conn
	c.ch = ch
	return ch, nil
}

// reset drops the current connection so the next publish redials.
// Callers must hold c.mu.
func (c *AMQPClient) reset() {
	if c.ch != nil {
		c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Consume delivers messages from the named durable queue to h until ctx is
// cancelled. Each call runs on its own connection; a dropped connection is
// redialed with capped exponential backoff.
func (c *AMQPClient) Consume(ctx context.Context, queue string, h Handler) error {
	delay := redialBaseDelay
	for {
		err := c.consumeOnce(ctx, queue, h)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("broker consumer disconnected", "queue", queue, "error", err, "retry_in", delay)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, redialMaxDelay)
	}
}

func (c *AMQPClient) consumeOnce(ctx context.Context, queue string, h Handler) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.Qos(consumerPrefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed for %s", queue)
			}
			h(ctx, Delivery{
				Body: d.Body,
				Ack:  func() error { return d.Ack(false) },
				Nack: func(requeue bool) error { return d.Nack(false, requeue) },
			})
		}
	}
}
