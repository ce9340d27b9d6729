// Package taskqueue is a bounded concurrent worker pool with per-item wall
// clock enforcement: items that sat unprocessed longer than the configured
// timeout are discarded with a warning rather than executed late.
package taskqueue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ngaut/planengine/internal/telemetry"
)

// Worker processes one queued item. Errors are logged and swallowed so a
// single failing item never brings down the pool.
type Worker func(ctx context.Context, taskID string, request any) error

// item is one queued unit of work.
type item struct {
	taskID     string
	request    any
	worker     Worker
	enqueuedAt time.Time
}

// Queue is an internal channel buffered to 1024 items (AddTask blocks while
// it is full) drained by a fixed number of workers, each honoring a shared
// per-item timeout.
type Queue struct {
	items   chan item
	workers int
	timeout time.Duration

	log     telemetry.Logger
	metrics telemetry.Metrics

	wg   sync.WaitGroup
	stop chan struct{}
}

// New constructs a Queue with workers concurrent goroutines, each
// discarding items older than timeout.
func New(workers int, timeout time.Duration, log telemetry.Logger, metrics telemetry.Metrics) *Queue {
	if workers <= 0 {
		workers = 1
	}
	return &Queue{
		items:   make(chan item, 1024),
		workers: workers,
		timeout: timeout,
		log:     log,
		metrics: metrics,
		stop:    make(chan struct{}),
	}
}

// Start launches the worker goroutines. Call Stop to drain and terminate.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.runWorker(ctx)
	}
}

// Stop signals workers to drain remaining items and stop accepting new
// ones, then waits for them to exit.
func (q *Queue) Stop() {
	close(q.stop)
	close(q.items)
	q.wg.Wait()
}

// AddTask enqueues request for taskID, to be processed by worker once a
// slot is free. enqueueTime seeds the per-item timeout clock.
func (q *Queue) AddTask(taskID string, request any, worker Worker, enqueueTime time.Time) {
	select {
	case q.items <- item{taskID: taskID, request: request, worker: worker, enqueuedAt: enqueueTime}:
	case <-q.stop:
	}
}

// Depth reports the number of items currently buffered.
func (q *Queue) Depth() int { return len(q.items) }

func (q *Queue) runWorker(ctx context.Context) {
	defer q.wg.Done()
	for it := range q.items {
		age := time.Since(it.enqueuedAt)
		if q.timeout > 0 && age > q.timeout {
			q.log.Warn(ctx, "taskqueue: discarding stale item", "task", it.taskID, "age", age.String())
			q.metrics.IncCounter("task_queue.discarded", 1, "task", it.taskID)
			continue
		}
		q.runItem(ctx, it)
	}
}

func (q *Queue) runItem(ctx context.Context, it item) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error(ctx, "taskqueue: worker panic", "task", it.taskID, "panic", fmt.Sprintf("%v", r), "stack", string(debug.Stack()))
		}
	}()
	start := time.Now()
	if err := it.worker(ctx, it.taskID, it.request); err != nil {
		q.log.Error(ctx, "taskqueue: worker error", "task", it.taskID, "err", err)
	}
	q.metrics.RecordTimer("task_queue.item_duration", time.Since(start), "task", it.taskID)
}
