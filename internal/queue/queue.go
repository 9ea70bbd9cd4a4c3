package queue

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/felixgeelhaar/mathdrill/internal/domain"
)

// Stage names a step of the exercise lifecycle that has its own exchange.
type Stage string

const (
	StageGenerate Stage = "generate"
	StageGrade    Stage = "grade"
)

// Topology names the exchanges and queues of the message fabric. Each
// stage has a direct exchange routed by kind and one durable queue per
// kind. Rejected messages are dead-lettered to a fanout exchange.
type Topology struct {
	GenerateExchange   string
	GradeExchange      string
	DeadLetterExchange string
	QueuePrefix        string
	Kinds              []domain.Kind
}

// DefaultTopology returns the standard exchange and queue names.
func DefaultTopology() Topology {
	return Topology{
		GenerateExchange:   "mathdrill.generate",
		GradeExchange:      "mathdrill.grade",
		DeadLetterExchange: "mathdrill.dead",
		QueuePrefix:        "mathdrill",
		Kinds:              domain.AllKinds(),
	}
}

// Exchange returns the exchange a stage publishes to.
func (t Topology) Exchange(stage Stage) string {
	if stage == StageGrade {
		return t.GradeExchange
	}
	return t.GenerateExchange
}

// QueueName returns the queue holding messages of stage for kind,
// e.g. "mathdrill.grade.addition".
func (t Topology) QueueName(stage Stage, kind domain.Kind) string {
	return fmt.Sprintf("%s.%s.%s", t.QueuePrefix, stage, kind)
}

// DeadLetterQueue returns the queue collecting rejected messages.
func (t Topology) DeadLetterQueue() string {
	return t.QueuePrefix + ".dead"
}

// Connection manages the RabbitMQ connection with automatic reconnection
type Connection struct {
	url        string
	topology   Topology
	conn       *amqp.Connection
	channel    *amqp.Channel
	mu         sync.RWMutex
	closed     bool
	reconnects int
}

// NewConnection connects to RabbitMQ and declares the topology.
func NewConnection(url string, topology Topology) (*Connection, error) {
	c := &Connection{
		url:      url,
		topology: topology,
	}

	if err := c.connect(); err != nil {
		return nil, err
	}

	return c, nil
}

// Topology returns the declared topology.
func (c *Connection) Topology() Topology {
	return c.topology
}

// connect establishes connection and channel
func (c *Connection) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	c.conn, err = amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareTopology(c.channel, c.topology); err != nil {
		c.channel.Close()
		c.conn.Close()
		return err
	}

	// Set up reconnection on close
	go c.handleReconnect(c.conn)

	slog.Info("connected to RabbitMQ", "url", sanitizeURL(c.url))
	return nil
}

// declareTopology creates the exchanges, per-kind queues and bindings.
func declareTopology(ch *amqp.Channel, t Topology) error {
	if err := ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(t.DeadLetterQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(t.DeadLetterQueue(), "", t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue: %w", err)
	}

	for _, stage := range []Stage{StageGenerate, StageGrade} {
		exchange := t.Exchange(stage)
		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}

		for _, kind := range t.Kinds {
			name := t.QueueName(stage, kind)
			_, err := ch.QueueDeclare(
				name,
				true,  // durable
				false, // delete when unused
				false, // exclusive
				false, // no-wait
				amqp.Table{
					"x-dead-letter-exchange": t.DeadLetterExchange,
				},
			)
			if err != nil {
				return fmt.Errorf("failed to declare queue %s: %w", name, err)
			}
			if err := ch.QueueBind(name, kind.String(), exchange, false, nil); err != nil {
				return fmt.Errorf("failed to bind queue %s: %w", name, err)
			}
		}
	}
	return nil
}

// handleReconnect listens for connection close and attempts to reconnect
func (c *Connection) handleReconnect(conn *amqp.Connection) {
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	err, ok := <-notifyClose
	if !ok || err == nil {
		return // Normal close
	}

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}

	slog.Warn("RabbitMQ connection closed, attempting to reconnect",
		"error", err,
		"reconnects", c.reconnects,
	)

	// Exponential backoff
	for i := 0; i < 10; i++ {
		c.reconnects++
		time.Sleep(backoff(i))

		if err := c.connect(); err != nil {
			slog.Error("reconnection failed", "error", err, "attempt", i+1)
			continue
		}

		slog.Info("reconnected to RabbitMQ", "attempts", i+1)
		return
	}

	slog.Error("failed to reconnect to RabbitMQ after 10 attempts")
}

// backoff returns the delay before reconnect attempt i, capped at 30s.
func backoff(i int) time.Duration {
	return min(time.Second<<min(i, 5), 30*time.Second)
}

// Channel returns the current channel (thread-safe)
func (c *Connection) Channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// OpenChannel opens a dedicated channel, used by consumers so their QoS
// does not affect publishing.
func (c *Connection) OpenChannel() (*amqp.Channel, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return nil, fmt.Errorf("connection is closed")
	}
	return conn.Channel()
}

// Close closes the connection
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// IsConnected checks if the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Publish sends a persistent JSON message to exchange with routing key.
func (c *Connection) Publish(ctx context.Context, exchange, key string, body []byte) error {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()

	if ch == nil || ch.IsClosed() {
		return fmt.Errorf("channel is closed")
	}

	return ch.PublishWithContext(
		ctx,
		exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// sanitizeURL removes the password from a broker URL for logging
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		if len(raw) > 20 {
			return raw[:20] + "..."
		}
		return raw
	}
	return u.Redacted()
}
