package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher places tasks on the work, delay and dead-letter queues.
type Publisher interface {
	Enqueue(ctx context.Context, task Task) error
	EnqueueAfter(ctx context.Context, task Task, delay time.Duration) error
	EnqueueDead(ctx context.Context, task Task, reason string) error
	Close() error
}

type RabbitMQPublisher struct {
	client *RabbitMQ
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client}
}

func (p *RabbitMQPublisher) Enqueue(ctx context.Context, task Task) error {
	return p.publish(ctx, WorkQueue, task, nil, 0)
}

// EnqueueAfter parks the task on the delay queue matching the requested
// delay; when the queue TTL expires the broker dead-letters it back onto
// the work queue.
func (p *RabbitMQPublisher) EnqueueAfter(ctx context.Context, task Task, delay time.Duration) error {
	if delay <= 0 {
		return p.Enqueue(ctx, task)
	}
	return p.publish(ctx, delayQueueName(delay), task, nil, delay)
}

// EnqueueDead parks an exhausted or unroutable task for operator review,
// recording the final error in the message headers.
func (p *RabbitMQPublisher) EnqueueDead(ctx context.Context, task Task, reason string) error {
	headers := amqp.Table{"x-final-error": reason}
	return p.publish(ctx, DeadQueue, task, headers, 0)
}

func (p *RabbitMQPublisher) publish(ctx context.Context, queue string, task Task, headers amqp.Table, delay time.Duration) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if delay > 0 {
		if err := declareDelayQueue(ch, delay); err != nil {
			return err
		}
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    task.ID,
		Type:         task.Kind.String(),
		Headers:      headers,
		Body:         payload,
	}

	if err := ch.PublishWithContext(ctx, "", queue, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish task to queue %q: %w", queue, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
