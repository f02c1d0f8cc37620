package mesh

import "sync"

// taskQueue is an unbounded FIFO of tasks for the adapter's event loop.
// Transport callbacks push without ever blocking.
type taskQueue struct {
	mu    sync.Mutex
	tasks []func()
	wake  chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{wake: make(chan struct{}, 1)}
}

func (q *taskQueue) push(task func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// drain takes every queued task, oldest first.
func (q *taskQueue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	return tasks
}
