// internal/messaging/rabbit.go
package messaging

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"tenant-admin/internal/metrics"
)

const (
	AuditExchange   = "audit.events"
	BackupJobsQueue = "backup_jobs"
)

type RabbitClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	URL     string
	logger  *logrus.Logger

	mu sync.Mutex
}

func NewRabbitClient(url string, logger *logrus.Logger) (*RabbitClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &RabbitClient{
		conn:    conn,
		channel: ch,
		URL:     url,
		logger:  logger,
	}, nil
}

func (r *RabbitClient) GetChannel() *amqp.Channel {
	return r.channel
}

func (r *RabbitClient) GetConnection() *amqp.Connection {
	return r.conn
}

// DeclareExchange creates a durable topic exchange.
func (r *RabbitClient) DeclareExchange(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.channel.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

// DeclareQueue creates a durable queue whose rejected messages go to
// <name>_dlq.
func (r *RabbitClient) DeclareQueue(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dlqName := name + "_dlq"

	// 1. DLQ
	_, err := r.channel.QueueDeclare(
		dlqName,
		true, false, false, false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare DLQ: %w", err)
	}

	// 2. Main Queue with DLQ binding
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqName,
	}
	_, err = r.channel.QueueDeclare(
		name,
		true, false, false, false,
		args,
	)
	if err != nil {
		return fmt.Errorf("declare main queue: %w", err)
	}

	r.logger.WithField("queue", name).Info("[Rabbit] Queues declared")
	return nil
}

// Publish sends a message to queue through the default exchange.
func (r *RabbitClient) Publish(queue string, body []byte) error {
	return r.publish("", queue, body)
}

// PublishEvent sends a message to a topic exchange.
func (r *RabbitClient) PublishEvent(exchange, routingKey string, body []byte) error {
	return r.publish(exchange, routingKey, body)
}

func (r *RabbitClient) publish(exchange, key string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.channel.Publish(
		exchange,
		key,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", exchange, key, err)
	}
	return nil
}

// Close cleans up connection and channel
func (r *RabbitClient) Close() error {
	if err := r.channel.Close(); err != nil {
		return err
	}
	if err := r.conn.Close(); err != nil {
		return err
	}
	return nil
}

func (r *RabbitClient) UpdateQueueDepth(queue string) {
	r.mu.Lock()
	q, err := r.channel.QueueInspect(queue)
	r.mu.Unlock()
	if err != nil {
		r.logger.WithError(err).WithField("queue", queue).Warn("[Rabbit] Failed to inspect queue")
		return
	}

	metrics.QueueDepth.WithLabelValues(queue).Set(float64(q.Messages))
}
