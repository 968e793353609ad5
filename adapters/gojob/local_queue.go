package gojob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-gateway/core"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const defaultLocalQueueSize = 64

var ErrQueueClosed = errors.New("gojob: local queue is closed")

type LocalQueueOption func(*LocalQueue)

func WithQueueLogger(logger core.Logger) LocalQueueOption {
	return func(q *LocalQueue) {
		q.logger = glog.Ensure(logger)
	}
}

// LocalQueue is an in-process queue for refresh jobs. A message whose
// idempotency key is already pending or in flight is not enqueued again.
type LocalQueue struct {
	items  chan *localDelivery
	done   chan struct{}
	logger core.Logger

	mu      sync.Mutex
	pending map[string]queue.EnqueueReceipt
	dead    []*job.ExecutionMessage
	closed  bool
}

func NewLocalQueue(size int, opts ...LocalQueueOption) *LocalQueue {
	if size <= 0 {
		size = defaultLocalQueueSize
	}
	q := &LocalQueue{
		items:   make(chan *localDelivery, size),
		done:    make(chan struct{}),
		logger:  glog.Nop(),
		pending: map[string]queue.EnqueueReceipt{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

func (q *LocalQueue) Enqueue(ctx context.Context, msg *job.ExecutionMessage) (queue.EnqueueReceipt, error) {
	delivery, receipt, fresh, err := q.admit(msg)
	if err != nil || !fresh {
		return receipt, err
	}
	if err := q.push(ctx, delivery); err != nil {
		return queue.EnqueueReceipt{}, err
	}
	return receipt, nil
}

func (q *LocalQueue) EnqueueAfter(_ context.Context, msg *job.ExecutionMessage, delay time.Duration) (queue.EnqueueReceipt, error) {
	delivery, receipt, fresh, err := q.admit(msg)
	if err != nil || !fresh {
		return receipt, err
	}
	q.pushLater(delivery, delay)
	return receipt, nil
}

func (q *LocalQueue) EnqueueAt(ctx context.Context, msg *job.ExecutionMessage, at time.Time) (queue.EnqueueReceipt, error) {
	return q.EnqueueAfter(ctx, msg, time.Until(at))
}

func (q *LocalQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	select {
	case <-q.done:
		return nil, ErrQueueClosed
	default:
	}
	select {
	case delivery := <-q.items:
		return delivery, nil
	case <-q.done:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *LocalQueue) DeadLetters() []*job.ExecutionMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*job.ExecutionMessage(nil), q.dead...)
}

// Close stops accepting messages. Buffered deliveries are dropped.
func (q *LocalQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *LocalQueue) admit(msg *job.ExecutionMessage) (*localDelivery, queue.EnqueueReceipt, bool, error) {
	if msg == nil {
		return nil, queue.EnqueueReceipt{}, false, fmt.Errorf("gojob: execution message is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.EnqueueReceipt{}, false, ErrQueueClosed
	}
	if receipt, ok := q.pending[msg.IdempotencyKey]; ok && msg.IdempotencyKey != "" {
		return nil, receipt, false, nil
	}
	receipt := queue.EnqueueReceipt{DispatchID: uuid.NewString(), EnqueuedAt: time.Now().UTC()}
	if msg.IdempotencyKey != "" {
		q.pending[msg.IdempotencyKey] = receipt
	}
	return &localDelivery{queue: q, msg: msg, attempts: 1}, receipt, true, nil
}

func (q *LocalQueue) push(ctx context.Context, delivery *localDelivery) error {
	select {
	case <-q.done:
		q.release(delivery.msg.IdempotencyKey)
		return ErrQueueClosed
	default:
	}
	select {
	case q.items <- delivery:
		return nil
	case <-q.done:
		q.release(delivery.msg.IdempotencyKey)
		return ErrQueueClosed
	case <-ctx.Done():
		q.release(delivery.msg.IdempotencyKey)
		return ctx.Err()
	}
}

func (q *LocalQueue) pushLater(delivery *localDelivery, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		if err := q.push(context.Background(), delivery); err != nil {
			q.logger.Warn("refresh redelivery dropped",
				"job_id", delivery.msg.JobID,
				"idempotency_key", delivery.msg.IdempotencyKey,
				"attempt", delivery.attempts,
				"error", err.Error(),
			)
		}
	})
}

func (q *LocalQueue) release(key string) {
	if key == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, key)
}

func (q *LocalQueue) deadLetter(msg *job.ExecutionMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, msg)
	if msg.IdempotencyKey != "" {
		delete(q.pending, msg.IdempotencyKey)
	}
}

type localDelivery struct {
	queue    *LocalQueue
	msg      *job.ExecutionMessage
	attempts int
}

func (d *localDelivery) Attempts() int {
	return d.attempts
}

func (d *localDelivery) Message() *job.ExecutionMessage {
	return d.msg
}

func (d *localDelivery) Ack(context.Context) error {
	d.queue.release(d.msg.IdempotencyKey)
	return nil
}

func (d *localDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	if err := queue.ValidateNackOptions(opts); err != nil {
		return err
	}
	switch opts.Disposition {
	case queue.NackDispositionRetry:
		d.queue.pushLater(&localDelivery{queue: d.queue, msg: d.msg, attempts: d.attempts + 1}, opts.Delay)
	case queue.NackDispositionDeadLetter:
		d.queue.deadLetter(d.msg)
	default:
		d.queue.release(d.msg.IdempotencyKey)
	}
	return nil
}

// RefreshLoop plans refresh jobs on an interval while a go-job worker drains
// them.
type RefreshLoop struct {
	Planner  RefreshPlanner
	Enqueuer queue.Enqueuer
	Worker   *worker.Worker
	Interval time.Duration
	Logger   core.Logger
}

func (l RefreshLoop) Run(ctx context.Context) error {
	if l.Enqueuer == nil || l.Worker == nil {
		return fmt.Errorf("gojob: refresh loop requires an enqueuer and a worker")
	}
	interval := l.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := glog.Ensure(l.Logger)

	if err := l.Worker.Start(ctx); err != nil {
		return fmt.Errorf("gojob: start refresh worker: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.Worker.Stop(stopCtx); err != nil {
			logger.Warn("refresh worker stop failed", "error", err)
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if count, err := l.Planner.EnqueueDue(ctx, l.Enqueuer); err != nil {
			if ctx.Err() == nil {
				logger.Warn("refresh planning failed", "error", err)
			}
		} else if count > 0 {
			logger.Info("refresh jobs enqueued", "count", count)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

var (
	_ queue.ScheduledEnqueuer = (*LocalQueue)(nil)
	_ queue.Dequeuer          = (*LocalQueue)(nil)
	_ queue.Delivery          = (*localDelivery)(nil)
)
