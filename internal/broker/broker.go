// Package broker connects the worker to RabbitMQ.
//
// It owns the topology (exchange, queues, bindings), a reconnect loop that
// re-declares that topology after a broken connection, and thin publish and
// consume helpers used by the worker loops.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology constants shared with the platform's producers.
const (
	ExchangeName = "bot_events"
	ErrorsQueue  = "errors"

	QueueIncoming = "incoming_messages"
	QueueReply    = "replay_to_message"
	QueueCampaign = "campaign_messages"

	RoutingKeyIncoming = "incoming"
	RoutingKeyReply    = "reply"
	RoutingKeyCampaign = "campaign"

	// PrefetchCount bounds unacked deliveries per consumer channel.
	PrefetchCount = 10

	// replyQueueTTL is how long an undelivered reply command may sit in the
	// queue before it is dead-lettered.
	replyQueueTTL = 5 * time.Minute

	reconnectDelay = 5 * time.Second
)

// Handler processes one delivery. Returning an error requeues the message
// once; a redelivered message that fails again is rejected to the dead-letter
// queue when one is configured.
type Handler func(ctx context.Context, body []byte) error

// Opts holds configuration options for the broker client.
type Opts struct {
	// URL is the AMQP connection string.
	URL string
}

// Option configures the broker client.
type Option func(*Opts)

// WithURL sets the AMQP connection string.
func WithURL(url string) Option {
	return func(o *Opts) { o.URL = url }
}

// Client is a resilient AMQP client. A lost connection is re-established in
// the background and the topology re-declared before consumers resume.
type Client struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel

	closed chan struct{}
	once   sync.Once
}

// NewClient connects to the broker and declares the topology.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("broker URL not set")
	}
	c := &Client{url: cfg.URL, closed: make(chan struct{})}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(PrefetchCount, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	if err := declareTopology(ch); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.mu.Unlock()
	slog.Info("Broker.connect: connected and topology declared")
	return nil
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(ExchangeName, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", ExchangeName, err)
	}
	if _, err := ch.QueueDeclare(ErrorsQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", ErrorsQueue, err)
	}

	queues := []struct {
		name string
		key  string
		args amqp.Table
	}{
		{QueueIncoming, RoutingKeyIncoming, nil},
		{QueueReply, RoutingKeyReply, amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": ErrorsQueue,
			"x-message-ttl":             int64(replyQueueTTL / time.Millisecond),
		}},
		{QueueCampaign, RoutingKeyCampaign, nil},
	}
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.name, err)
		}
		if err := ch.QueueBind(q.name, q.key, ExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", q.name, err)
		}
	}
	return nil
}

// Publish marshals payload as JSON and publishes it on the topology exchange.
func (c *Client) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("broker channel not available")
	}
	err = ch.PublishWithContext(ctx, ExchangeName, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", routingKey, err)
	}
	slog.Debug("Broker.Publish: message published", "routingKey", routingKey, "bytes", len(body))
	return nil
}

// Consume runs handler for every delivery on queue until ctx is canceled. It
// survives connection loss: on a closed channel it waits, reconnects, and
// resumes consuming.
func (c *Client) Consume(ctx context.Context, queue string, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		default:
		}

		deliveries, err := c.startConsumer(queue)
		if err != nil {
			slog.Error("Broker.Consume: consumer start failed, retrying", "queue", queue, "error", err)
			if !c.waitReconnect(ctx) {
				return ctx.Err()
			}
			continue
		}
		slog.Info("Broker.Consume: consuming", "queue", queue)

		if done := c.consumeLoop(ctx, queue, deliveries, handler); done {
			return ctx.Err()
		}
		// Channel closed underneath us; reconnect and resume.
		slog.Warn("Broker.Consume: delivery stream closed, reconnecting", "queue", queue)
		if !c.waitReconnect(ctx) {
			return ctx.Err()
		}
	}
}

func (c *Client) startConsumer(queue string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return nil, fmt.Errorf("broker channel not available")
	}
	return ch.Consume(queue, "", false, false, false, false, nil)
}

// consumeLoop returns true when ctx ended, false when the stream closed.
func (c *Client) consumeLoop(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler Handler) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case d, ok := <-deliveries:
			if !ok {
				return false
			}
			if err := handler(ctx, d.Body); err != nil {
				slog.Error("Broker.consumeLoop: handler failed", "queue", queue, "redelivered", d.Redelivered, "error", err)
				// One retry via requeue; after that the message goes to the
				// queue's dead-letter target (or is dropped).
				if nackErr := d.Nack(false, !d.Redelivered); nackErr != nil {
					slog.Error("Broker.consumeLoop: nack failed", "queue", queue, "error", nackErr)
				}
				continue
			}
			if ackErr := d.Ack(false); ackErr != nil {
				slog.Error("Broker.consumeLoop: ack failed", "queue", queue, "error", ackErr)
			}
		}
	}
}

// waitReconnect blocks until a fresh connection is up or ctx ends. Returns
// false when ctx ended.
func (c *Client) waitReconnect(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-c.closed:
			return false
		case <-time.After(reconnectDelay):
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil && !conn.IsClosed() {
			return true
		}
		if err := c.connect(); err != nil {
			slog.Error("Broker.waitReconnect: reconnect failed", "error", err)
			continue
		}
		return true
	}
}

// Close shuts down the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.ch != nil {
			c.ch.Close()
		}
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
