package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"tenant-admin/internal/metrics"
)

var (
	ErrQueueFull = errors.New("worker queue is full")
	ErrClosed    = errors.New("worker pool is closed")
)

// Overflow decides what Submit does when the queue is full.
type Overflow string

const (
	// DropOldest discards the oldest queued item to make room.
	DropOldest Overflow = "drop_oldest"
	// Block waits up to EnqueueWait for room, then rejects the new item.
	Block Overflow = "block"
)

type Handler[T any] func(ctx context.Context, item T)

type Options[T any] struct {
	Name        string
	QueueSize   int
	Workers     int
	Overflow    Overflow
	EnqueueWait time.Duration
	// OnDrop is called for every item discarded by the overflow policy.
	OnDrop func(item T)
	Logger *logrus.Logger
}

// Pool runs Handler on queued items with a fixed number of goroutines.
type Pool[T any] struct {
	opts    Options[T]
	queue   chan T
	handler Handler[T]

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	dropped atomic.Int64
}

func NewPool[T any](opts Options[T], handler Handler[T]) *Pool[T] {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Overflow == "" {
		opts.Overflow = DropOldest
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[T]{
		opts:    opts,
		queue:   make(chan T, opts.QueueSize),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (p *Pool[T]) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	p.opts.Logger.WithFields(logrus.Fields{
		"pool":    p.opts.Name,
		"workers": p.opts.Workers,
		"queue":   p.opts.QueueSize,
	}).Info("[Worker] Starting pool")

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

func (p *Pool[T]) run() {
	defer p.wg.Done()
	metrics.WorkerActive.WithLabelValues(p.opts.Name).Inc()
	defer metrics.WorkerActive.WithLabelValues(p.opts.Name).Dec()

	for item := range p.queue {
		p.handler(p.ctx, item)
		metrics.WorkerProcessed.WithLabelValues(p.opts.Name).Inc()
	}
}

// Submit queues item. It never blocks longer than EnqueueWait.
func (p *Pool[T]) Submit(item T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.queue <- item:
		return nil
	default:
	}

	if p.opts.Overflow == Block {
		timer := time.NewTimer(p.opts.EnqueueWait)
		defer timer.Stop()
		select {
		case p.queue <- item:
			return nil
		case <-timer.C:
			p.drop(item)
			return ErrQueueFull
		}
	}

	// Drop oldest until the new item fits. Workers may drain concurrently, so
	// retry a bounded number of times.
	for i := 0; i < 3; i++ {
		select {
		case old := <-p.queue:
			p.drop(old)
		default:
		}
		select {
		case p.queue <- item:
			return nil
		default:
		}
	}
	p.drop(item)
	return ErrQueueFull
}

func (p *Pool[T]) drop(item T) {
	p.dropped.Add(1)
	if p.opts.OnDrop != nil {
		p.opts.OnDrop(item)
	}
}

func (p *Pool[T]) Len() int {
	return len(p.queue)
}

func (p *Pool[T]) Dropped() int64 {
	return p.dropped.Load()
}

// Close stops accepting items and waits until queued items are handled or
// ctx is done. Handlers still running when ctx expires see their context
// cancelled.
func (p *Pool[T]) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	if !p.started {
		// Nothing will drain the queue; run the remaining items inline.
		p.started = true
		p.wg.Add(1)
		go p.run()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.opts.Logger.WithField("pool", p.opts.Name).Info("[Worker] Stopped pool")
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}
