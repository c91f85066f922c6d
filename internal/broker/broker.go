package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const (
	// WorkflowQueue admits new workflow runs.
	WorkflowQueue = "workflow_queue"
	// ExecutionQueue carries per-step work messages.
	ExecutionQueue = "workflow_execution_queue"

	retrySuffix      = ".retry"
	deadLetterSuffix = ".dlq"

	deliveryCountHeader = "x-delivery-count"
)

// Delivery is one message handed to a subscriber.
type Delivery struct {
	Body          []byte
	Redelivered   bool
	DeliveryCount int64
}

// MessageHandler handles one delivery. A returned error sends the message
// back through the retry queue, or to the dead-letter queue once the
// delivery limit is reached.
type MessageHandler func(ctx context.Context, d Delivery) error

// Broker provides durable publish/consume on the engine's queues.
type Broker interface {
	Publish(ctx context.Context, queue string, message any) error
	PublishDelayed(ctx context.Context, queue string, message any, delay time.Duration) error
	Subscribe(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

// Config controls consumer behavior.
type Config struct {
	PrefetchCount int
	DeliveryLimit int64
	RequeueDelay  time.Duration
}

// RabbitMQBroker implements Broker using RabbitMQ.
type RabbitMQBroker struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	config  Config
	logger  *zap.Logger
}

// NewRabbitMQBroker connects to RabbitMQ and declares the engine topology:
// for each queue a durable main queue, a retry queue whose expired messages
// dead-letter back into the main queue, and a dead-letter queue for messages
// past the delivery limit.
func NewRabbitMQBroker(url string, cfg Config, logger *zap.Logger) (*RabbitMQBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if cfg.PrefetchCount > 0 {
		if err := channel.Qos(cfg.PrefetchCount, 0, false); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	b := &RabbitMQBroker{
		conn:    conn,
		channel: channel,
		config:  cfg,
		logger:  logger.With(zap.String("component", "broker")),
	}

	for _, queue := range []string{WorkflowQueue, ExecutionQueue} {
		if err := b.declareQueueSet(queue); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return b, nil
}

func (b *RabbitMQBroker) declareQueueSet(queue string) error {
	if _, err := b.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	// Expired retry messages are routed back into the main queue.
	if _, err := b.channel.QueueDeclare(queue+retrySuffix, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return fmt.Errorf("failed to declare retry queue for %s: %w", queue, err)
	}
	if _, err := b.channel.QueueDeclare(queue+deadLetterSuffix, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue for %s: %w", queue, err)
	}
	return nil
}

// Publish sends a persistent message to a queue.
func (b *RabbitMQBroker) Publish(ctx context.Context, queue string, message any) error {
	return b.publish(queue, message, 0, 1)
}

// PublishDelayed sends a message that becomes visible on the queue after the
// given delay, using the retry queue's per-message TTL. The delay survives a
// process restart because it lives in the broker, not in a timer.
func (b *RabbitMQBroker) PublishDelayed(ctx context.Context, queue string, message any, delay time.Duration) error {
	if delay <= 0 {
		return b.publish(queue, message, 0, 1)
	}
	return b.publish(queue+retrySuffix, message, delay, 1)
}

func (b *RabbitMQBroker) publish(routingKey string, message any, ttl time.Duration, deliveryCount int64) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{deliveryCountHeader: deliveryCount},
	}
	if ttl > 0 {
		pub.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}

	if err := b.channel.Publish("", routingKey, false, false, pub); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	b.logger.Debug("Message published",
		zap.String("routing_key", routingKey),
		zap.Duration("ttl", ttl),
	)
	return nil
}

// Subscribe consumes a queue with manual acknowledgment. Handler errors push
// the message through the retry queue with an incremented delivery count;
// once the count exceeds the delivery limit the message lands on the
// dead-letter queue instead.
func (b *RabbitMQBroker) Subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	msgs, err := b.channel.Consume(
		queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				// Deliveries fan out to goroutines; in-flight work is
				// bounded by the channel prefetch.
				go b.dispatch(ctx, queue, msg, handler)
			}
		}
	}()

	b.logger.Info("Started consuming messages", zap.String("queue", queue))
	return nil
}

func (b *RabbitMQBroker) dispatch(ctx context.Context, queue string, msg amqp.Delivery, handler MessageHandler) {
	count := deliveryCount(msg)

	err := handler(ctx, Delivery{
		Body:          msg.Body,
		Redelivered:   msg.Redelivered,
		DeliveryCount: count,
	})
	if err == nil {
		if ackErr := msg.Ack(false); ackErr != nil {
			b.logger.Error("Failed to ack message", zap.Error(ackErr), zap.String("queue", queue))
		}
		return
	}

	b.logger.Error("Failed to handle message",
		zap.Error(err),
		zap.String("queue", queue),
		zap.Int64("delivery_count", count),
	)

	if b.config.DeliveryLimit > 0 && count >= b.config.DeliveryLimit {
		if pubErr := b.publishRaw(queue+deadLetterSuffix, msg.Body, 0, count); pubErr != nil {
			b.logger.Error("Failed to dead-letter message", zap.Error(pubErr), zap.String("queue", queue))
			msg.Nack(false, true)
			return
		}
		b.logger.Warn("Message dead-lettered",
			zap.String("queue", queue),
			zap.Int64("delivery_count", count),
		)
		msg.Ack(false)
		return
	}

	delay := b.config.RequeueDelay
	if delay <= 0 {
		delay = time.Second
	}
	if pubErr := b.publishRaw(queue+retrySuffix, msg.Body, delay, count+1); pubErr != nil {
		b.logger.Error("Failed to requeue message", zap.Error(pubErr), zap.String("queue", queue))
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}

func (b *RabbitMQBroker) publishRaw(routingKey string, body []byte, ttl time.Duration, deliveryCount int64) error {
	pub := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{deliveryCountHeader: deliveryCount},
	}
	if ttl > 0 {
		pub.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}
	return b.channel.Publish("", routingKey, false, false, pub)
}

func deliveryCount(msg amqp.Delivery) int64 {
	if msg.Headers == nil {
		return 1
	}
	switch v := msg.Headers[deliveryCountHeader].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 1
}

// Close closes the RabbitMQ connection.
func (b *RabbitMQBroker) Close() error {
	if err := b.channel.Close(); err != nil {
		return fmt.Errorf("failed to close channel: %w", err)
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}
