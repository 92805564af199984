// ABOUTME: RabbitMQ-backed Queue implementation using amqp091-go
// ABOUTME: Same contract as MemoryQueue: persistent publishes, prefetching consumers, no retry

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig configures the broker topology used for jobs.
type AMQPConfig struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
	Prefetch   int
}

func (c *AMQPConfig) applyDefaults() {
	if c.Exchange == "" {
		c.Exchange = "atende.jobs"
	}
	if c.Queue == "" {
		c.Queue = "atende.jobs.default"
	}
	if c.RoutingKey == "" {
		c.RoutingKey = "jobs"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 1
	}
}

// AMQPQueue publishes jobs to a durable queue and consumes them with a worker
// pool. Handler failures are logged and the delivery acked, matching the
// in-process queue's no-retry policy; the channel redelivers at the edge.
type AMQPQueue struct {
	config AMQPConfig
	conn   *amqp.Connection

	pubMu sync.Mutex
	pubCh *amqp.Channel

	wg     sync.WaitGroup
	logger *slog.Logger
}

// DialAMQP connects to the broker and declares the job topology.
func DialAMQP(ctx context.Context, cfg AMQPConfig, logger *slog.Logger) (*AMQPQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(10 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("dialing amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}
	if err := declareTopology(ch, cfg); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &AMQPQueue{
		config: cfg,
		conn:   conn,
		pubCh:  ch,
		logger: logger.With("component", "amqp-queue"),
	}, nil
}

func declareTopology(ch *amqp.Channel, cfg AMQPConfig) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %s: %w", cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue %s: %w", cfg.Queue, err)
	}
	return nil
}

// Enqueue publishes the job as a persistent JSON message.
func (q *AMQPQueue) Enqueue(ctx context.Context, job Job) error {
	pub, err := encodePublishing(job)
	if err != nil {
		return err
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	if q.pubCh == nil || q.pubCh.IsClosed() {
		return ErrClosed
	}
	if err := q.pubCh.PublishWithContext(ctx, q.config.Exchange, q.config.RoutingKey, false, false, pub); err != nil {
		return fmt.Errorf("publishing job: %w", err)
	}
	return nil
}

// encodePublishing builds the AMQP message for a job.
func encodePublishing(job Job) (amqp.Publishing, error) {
	if err := job.Validate(); err != nil {
		return amqp.Publishing{}, fmt.Errorf("invalid job: %w", err)
	}
	body, err := json.Marshal(job)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal job: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Type:         string(job.Kind),
		Timestamp:    time.Now().UTC(),
	}
	if job.Kind == KindInbound {
		pub.MessageId = job.Inbound.IdempotencyKey()
	}
	return pub, nil
}

// decodeDelivery parses a delivery body into a job.
func decodeDelivery(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, err
	}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// StartConsumer opens one channel per worker, each with the configured prefetch.
func (q *AMQPQueue) StartConsumer(ctx context.Context, handler Handler, opts ConsumerOptions) error {
	n := ClampConcurrency(opts.Concurrency)
	for i := 0; i < n; i++ {
		ch, err := q.conn.Channel()
		if err != nil {
			return fmt.Errorf("opening consumer channel: %w", err)
		}
		if err := ch.Qos(q.config.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			return fmt.Errorf("setting prefetch: %w", err)
		}
		deliveries, err := ch.Consume(q.config.Queue, "", false, false, false, false, nil)
		if err != nil {
			_ = ch.Close()
			return fmt.Errorf("starting consume: %w", err)
		}

		q.wg.Add(1)
		go q.consume(ctx, i, ch, deliveries, handler)
	}

	q.logger.Info("consumer started", "queue", q.config.Queue, "concurrency", n, "prefetch", q.config.Prefetch)
	return nil
}

func (q *AMQPQueue) consume(ctx context.Context, id int, ch *amqp.Channel, deliveries <-chan amqp.Delivery, handler Handler) {
	defer q.wg.Done()
	defer func() { _ = ch.Close() }()
	logger := q.logger.With("worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				logger.Warn("delivery channel closed")
				return
			}
			job, err := decodeDelivery(d.Body)
			if err != nil {
				logger.Error("dropping undecodable job", "message_id", d.MessageId, "error", err)
				_ = d.Ack(false)
				continue
			}
			runHandler(ctx, logger, handler, job)
			if err := d.Ack(false); err != nil {
				logger.Error("ack failed", "message_id", d.MessageId, "error", err)
			}
		}
	}
}

// Close stops publishing, closes the connection, and waits for workers.
func (q *AMQPQueue) Close() error {
	q.pubMu.Lock()
	if q.pubCh != nil {
		_ = q.pubCh.Close()
		q.pubCh = nil
	}
	q.pubMu.Unlock()

	err := q.conn.Close()
	q.wg.Wait()
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("closing amqp connection: %w", err)
	}
	return nil
}
