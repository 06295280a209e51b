package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tenant-admin/internal/messaging"
	"tenant-admin/internal/metrics"
	"tenant-admin/internal/model"
	"tenant-admin/internal/worker"
)

const writeTimeout = 5 * time.Second

// Store is the append-only audit repository.
type Store interface {
	Append(ctx context.Context, e *model.AuditEntry) error
	List(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, int64, error)
	// PurgeBefore deletes entries older than cutoff. An empty tenantSlug
	// covers every tenant.
	PurgeBefore(ctx context.Context, cutoff time.Time, tenantSlug string) (int64, error)
}

// Publisher fans written entries out to other services.
type Publisher interface {
	PublishEvent(exchange, routingKey string, body []byte) error
}

type WriterConfig struct {
	QueueSize   int
	Workers     int
	Overflow    worker.Overflow
	EnqueueWait time.Duration
	Publisher   Publisher
	Logger      *logrus.Logger
}

// Writer persists audit entries off the request path. Failures are logged
// and counted, never returned to the caller.
type Writer struct {
	store  Store
	pub    Publisher
	logger *logrus.Logger
	pool   *worker.Pool[*model.AuditEntry]
}

func NewWriter(store Store, cfg WriterConfig) *Writer {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	w := &Writer{store: store, pub: cfg.Publisher, logger: cfg.Logger}
	w.pool = worker.NewPool(worker.Options[*model.AuditEntry]{
		Name:        "audit",
		QueueSize:   cfg.QueueSize,
		Workers:     cfg.Workers,
		Overflow:    cfg.Overflow,
		EnqueueWait: cfg.EnqueueWait,
		OnDrop:      w.onDrop,
		Logger:      cfg.Logger,
	}, w.write)
	return w
}

func (w *Writer) Start() {
	w.pool.Start()
}

// Enqueue hands e to the background workers. Overflow drops are reported by
// onDrop.
func (w *Writer) Enqueue(e *model.AuditEntry) {
	if err := w.pool.Submit(e); err != nil && !errors.Is(err, worker.ErrQueueFull) {
		w.logger.WithError(err).WithFields(logrus.Fields{
			"tenant_slug": e.TenantSlug,
			"action":      e.Action,
		}).Warn("audit entry not queued")
	}
	metrics.AuditQueueDepth.Set(float64(w.pool.Len()))
}

func (w *Writer) onDrop(e *model.AuditEntry) {
	metrics.AuditDropped.Inc()
	w.logger.WithFields(logrus.Fields{
		"tenant_slug": e.TenantSlug,
		"action":      e.Action,
		"resource":    e.Resource,
		"resource_id": e.ResourceID,
	}).Warn("audit queue full, entry dropped")
}

func (w *Writer) write(ctx context.Context, e *model.AuditEntry) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	defer metrics.AuditQueueDepth.Set(float64(w.pool.Len()))

	if err := w.store.Append(ctx, e); err != nil {
		metrics.AuditWritten.WithLabelValues("error").Inc()
		w.logger.WithError(err).WithFields(logrus.Fields{
			"tenant_slug": e.TenantSlug,
			"action":      e.Action,
		}).Error("failed to write audit entry")
		return
	}
	metrics.AuditWritten.WithLabelValues("ok").Inc()

	if w.pub == nil {
		return
	}
	body, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := w.pub.PublishEvent(messaging.AuditExchange, RoutingKey(e), body); err != nil {
		w.logger.WithError(err).Warn("failed to publish audit event")
	}
}

// RoutingKey is audit.<tenant-slug>.<action>, dots in the action kept.
func RoutingKey(e *model.AuditEntry) string {
	slug := e.TenantSlug
	if slug == "" {
		slug = "_"
	}
	return "audit." + strings.ReplaceAll(slug, ".", "_") + "." + string(e.Action)
}

// Dropped returns how many entries the overflow policy discarded.
func (w *Writer) Dropped() int64 {
	return w.pool.Dropped()
}

// Close drains the queue, waiting at most until ctx is done.
func (w *Writer) Close(ctx context.Context) error {
	return w.pool.Close(ctx)
}
