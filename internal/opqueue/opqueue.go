// Package opqueue serializes engine-wide mutations onto a single logical
// task line. Scans, tick handling and timer-due callbacks all run here, so
// rule state and the timer map only ever see one writer.
package opqueue

import (
	"log"
	"sync"
)

// Queue runs submitted tasks one at a time in FIFO order. The backlog is
// unbounded; callers should coalesce rather than flood it.
type Queue struct {
	mu      sync.Mutex
	backlog []func()
	wake    chan struct{}
	closed  bool

	wg sync.WaitGroup
}

// New creates a started queue.
func New() *Queue {
	q := &Queue{wake: make(chan struct{}, 1)}
	q.wg.Add(1)
	go q.run()
	return q
}

// Submit enqueues a task. Returns false if the queue is closed.
func (q *Queue) Submit(task func()) bool {
	if task == nil {
		return false
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.backlog = append(q.backlog, task)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// SubmitWait enqueues a task and blocks until it has run.
// Returns false (without running the task) if the queue is closed.
func (q *Queue) SubmitWait(task func()) bool {
	done := make(chan struct{})
	ok := q.Submit(func() {
		defer close(done)
		task()
	})
	if !ok {
		return false
	}
	<-done
	return true
}

// Close stops accepting tasks, drains the already-submitted backlog and
// waits for the runner to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.wg.Wait()
}

// Len returns the current backlog size.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(q.backlog) == 0 {
			if q.closed {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.wake
			continue
		}
		task := q.backlog[0]
		q.backlog[0] = nil
		q.backlog = q.backlog[1:]
		q.mu.Unlock()

		runTask(task)
	}
}

// runTask executes one task. A panic must not tear down the queue: it is
// logged and the next task runs.
func runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[opqueue] task panic recovered: %v", r)
		}
	}()
	task()
}
