package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	AlertExchange   = "jobs.alerts"
	AlertQueue      = "jobs.alerts.critical"
	AlertRoutingKey = "jobs.critical"
)

// Channel is the part of *amqp.Channel the sink uses
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes critical failures to a RabbitMQ topic exchange
type AMQPSink struct {
	mu       sync.Mutex
	channel  Channel
	exchange string
	timeout  time.Duration
}

// NewAMQPSink declares the alert exchange and queue on channel
func NewAMQPSink(channel Channel, exchange string) (*AMQPSink, error) {
	if exchange == "" {
		exchange = AlertExchange
	}

	err := channel.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare alert exchange: %w", err)
	}

	_, err = channel.QueueDeclare(
		AlertQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare alert queue: %w", err)
	}

	if err := channel.QueueBind(AlertQueue, AlertRoutingKey, exchange, false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind alert queue: %w", err)
	}

	return &AMQPSink{
		channel:  channel,
		exchange: exchange,
		timeout:  5 * time.Second,
	}, nil
}

func (s *AMQPSink) NotifyCritical(ctx context.Context, jobID, operation, details string) error {
	now := time.Now()
	body, err := json.Marshal(CriticalEvent{
		JobID:      jobID,
		Operation:  operation,
		Details:    details,
		OccurredAt: now,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel.PublishWithContext(
		ctx,
		s.exchange,
		AlertRoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    now,
			MessageId:    jobID,
		},
	)
}
