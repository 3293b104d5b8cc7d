// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package asyncjob implements the deferred-work runtime: the background
// cleanup queue and the start/poll/fetch cycle of provider async invocations.
package asyncjob

import (
	"context"
	"sync"
	"time"

	"github.com/aws-samples/bedrock-access-gateway/internal/eventlog"
)

// taskTimeout bounds one background task run.
const taskTimeout = 2 * time.Minute

type task struct {
	requestID string
	name      string
	fn        func(context.Context) error
}

// Queue runs deferred tasks after their originating response has been
// flushed. Tasks are independent; one failing does not block the rest, and
// request cancellation never reaches them.
type Queue struct {
	log   *eventlog.Logger
	tasks chan task
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewQueue starts the queue with the given worker count.
func NewQueue(log *eventlog.Logger, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	q := &Queue{log: log, tasks: make(chan task, 256)}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for t := range q.tasks {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
		err := t.fn(ctx)
		cancel()
		q.log.Background(t.requestID, t.name, time.Since(start), err)
	}
}

// Enqueue schedules fn. It never blocks the caller; when the queue is full
// or closed, the task runs inline on a fresh goroutine instead of being
// dropped.
func (q *Queue) Enqueue(requestID, name string, fn func(context.Context) error) {
	t := task{requestID: requestID, name: name, fn: fn}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if !closed {
		select {
		case q.tasks <- t:
			return
		default:
		}
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
		err := fn(ctx)
		cancel()
		q.log.Background(requestID, name, time.Since(start), err)
	}()
}

// Close stops intake and waits for all queued tasks to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.tasks)
	q.wg.Wait()
}
