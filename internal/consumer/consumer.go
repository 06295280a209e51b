// Package consumer runs queued backup jobs.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"tenant-admin/internal/backup"
	"tenant-admin/internal/messaging"
	"tenant-admin/internal/metrics"
	"tenant-admin/internal/model"
)

var errMalformedJob = errors.New("malformed backup job")

type Backups interface {
	Create(ctx context.Context, req backup.CreateRequest) (*model.Backup, error)
}

// Consumer takes jobs off the backup queue one at a time.
type Consumer struct {
	QueueName   string
	ConsumerTag string

	channel *amqp.Channel
	backups Backups
	logger  *logrus.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// Start opens a channel on conn and begins consuming messaging.BackupJobsQueue.
func Start(conn *amqp.Connection, backups Backups, logger *logrus.Logger) (*Consumer, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	c := newConsumer(backups, logger)
	c.channel = ch
	msgs, err := ch.Consume(
		c.QueueName,
		c.ConsumerTag,
		false, // autoAck: false to handle manually
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to start consuming %s: %w", c.QueueName, err)
	}

	go c.consumeLoop(msgs)

	logger.WithField("queue", c.QueueName).Info("Started backup job consumer")
	return c, nil
}

func newConsumer(backups Backups, logger *logrus.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		QueueName:   messaging.BackupJobsQueue,
		ConsumerTag: "backup-worker-" + uuid.NewString()[:8],
		backups:     backups,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// consumeLoop processes deliveries until the channel closes or Stop is called.
func (c *Consumer) consumeLoop(msgs <-chan amqp.Delivery) {
	defer close(c.done)

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("Backup job delivery channel closed")
				return
			}
			c.handle(msg)

		case <-c.ctx.Done():
			_ = c.channel.Cancel(c.ConsumerTag, false)
			return
		}
	}
}

// handle runs one job. Malformed jobs go to the dead-letter queue; a job
// whose backup fails is acked because the failure is already recorded on
// the backup itself.
func (c *Consumer) handle(msg amqp.Delivery) {
	job, err := decodeJob(msg.Body)
	if err != nil {
		metrics.BackupJobsProcessed.WithLabelValues("rejected").Inc()
		c.logger.WithError(err).Warn("Rejecting backup job")
		_ = msg.Reject(false)
		return
	}

	log := c.logger.WithFields(logrus.Fields{"job_id": job.ID, "tenant_id": job.TenantID})
	b, err := c.backups.Create(c.ctx, backup.CreateRequest{
		TenantID: job.TenantID,
		Actor:    model.Actor{UserID: job.ActorID},
		Kind:     job.Kind,
	})
	if err != nil {
		metrics.BackupJobsProcessed.WithLabelValues("failed").Inc()
		log.WithError(err).Error("Backup job failed")
		_ = msg.Ack(false)
		return
	}

	metrics.BackupJobsProcessed.WithLabelValues("ok").Inc()
	log.WithField("backup_id", b.ID).Info("Backup job completed")
	_ = msg.Ack(false)
}

func decodeJob(body []byte) (*model.BackupJob, error) {
	var job model.BackupJob
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedJob, err)
	}
	if job.TenantID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing tenantId", errMalformedJob)
	}
	if job.Kind == "" {
		job.Kind = model.BackupManual
	}
	if !job.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", errMalformedJob, job.Kind)
	}
	return &job, nil
}

// Stop cancels the running job and waits for the loop to exit.
func (c *Consumer) Stop() {
	c.cancel()
	<-c.done
	_ = c.channel.Close()
	c.logger.WithField("queue", c.QueueName).Info("Stopped backup job consumer")
}
