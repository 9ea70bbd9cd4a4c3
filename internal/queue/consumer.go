package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/felixgeelhaar/mathdrill/internal/domain"
)

// Handler processes one message body. A nil error acks the message, an
// error for which domain.IsPermanent holds rejects it to the dead-letter
// exchange, and any other error requeues it.
type Handler func(ctx context.Context, body []byte) error

// Consumer consumes one queue with a pool of workers
type Consumer struct {
	conn       *Connection
	queue      string
	handler    Handler
	workers    int
	prefetch   int
	timeout    time.Duration
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Workers  int           // Number of concurrent workers
	Prefetch int           // Unacked deliveries held by the consumer
	Timeout  time.Duration // Per-message handler timeout
}

// DefaultConsumerConfig returns sensible defaults
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Workers:  3,
		Prefetch: 3,
		Timeout:  30 * time.Second,
	}
}

func (cfg ConsumerConfig) withDefaults() ConsumerConfig {
	def := DefaultConsumerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = cfg.Workers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return cfg
}

// NewConsumer creates a consumer for the named queue
func NewConsumer(conn *Connection, queue string, handler Handler, cfg ConsumerConfig) *Consumer {
	cfg = cfg.withDefaults()
	return &Consumer{
		conn:     conn,
		queue:    queue,
		handler:  handler,
		workers:  cfg.Workers,
		prefetch: cfg.Prefetch,
		timeout:  cfg.Timeout,
	}
}

// Start subscribes to the queue and begins processing. If the delivery
// channel closes while ctx is live the consumer resubscribes.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancelFunc = context.WithCancel(ctx)

	ch, msgs, err := c.subscribe()
	if err != nil {
		c.cancelFunc()
		return err
	}

	slog.Info("starting queue consumer", "queue", c.queue, "workers", c.workers, "prefetch", c.prefetch)

	c.wg.Add(1)
	go c.run(ctx, ch, msgs)
	return nil
}

func (c *Consumer) subscribe() (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.conn.OpenChannel()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		c.queue,
		"",    // consumer tag (auto-generated)
		false, // auto-ack (manual ack for reliability)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to start consuming %s: %w", c.queue, err)
	}
	return ch, msgs, nil
}

// run drives the worker pool for one subscription at a time.
func (c *Consumer) run(ctx context.Context, ch *amqp.Channel, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	for attempt := 0; ; {
		var workers sync.WaitGroup
		for i := 0; i < c.workers; i++ {
			workers.Add(1)
			go func(id int) {
				defer workers.Done()
				c.worker(ctx, id, msgs)
			}(i)
		}
		workers.Wait()
		_ = ch.Close()

		if ctx.Err() != nil {
			return
		}

		slog.Warn("delivery channel closed, resubscribing", "queue", c.queue)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff(attempt)):
			}
			attempt++

			var err error
			ch, msgs, err = c.subscribe()
			if err == nil {
				attempt = 0
				slog.Info("resubscribed", "queue", c.queue)
				break
			}
			slog.Error("resubscribe failed", "queue", c.queue, "error", err, "attempt", attempt)
		}
	}
}

// worker processes messages from the queue
func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-msgs:
			if !ok {
				return
			}

			c.processMessage(ctx, id, msg)
		}
	}
}

// processMessage runs the handler on one delivery and settles it.
func (c *Consumer) processMessage(ctx context.Context, workerID int, msg amqp.Delivery) {
	start := time.Now()

	msgCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.handler(msgCtx, msg.Body)
	settle(msg, err, c.queue, workerID, time.Since(start))
}

// settle acks, rejects or requeues a delivery based on the handler result.
func settle(msg amqp.Delivery, err error, queue string, workerID int, duration time.Duration) {
	var ackErr error
	switch {
	case err == nil:
		slog.Debug("message processed",
			"queue", queue,
			"worker_id", workerID,
			"duration", duration,
		)
		ackErr = msg.Ack(false)

	case domain.IsPermanent(err):
		slog.Warn("rejecting message",
			"queue", queue,
			"worker_id", workerID,
			"error", err,
		)
		// Reject without requeue; the queue dead-letters it
		ackErr = msg.Reject(false)

	default:
		slog.Error("message processing failed, requeueing",
			"queue", queue,
			"worker_id", workerID,
			"error", err,
			"redelivered", msg.Redelivered,
			"duration", duration,
		)
		ackErr = msg.Nack(false, true)
	}

	if ackErr != nil {
		slog.Error("failed to settle message",
			"queue", queue,
			"worker_id", workerID,
			"error", ackErr,
		)
	}
}

// Stop gracefully stops the consumer, waiting for in-flight messages
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.wg.Wait()
	slog.Info("consumer stopped", "queue", c.queue)
}
