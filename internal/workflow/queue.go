package workflow

import "sync"

// jobQueue is a thread-safe FIFO of execution IDs.
//
// The queue is unbounded so Execute never blocks an HTTP handler. Workers
// use TryDequeue plus Wait for context-aware waiting.
type jobQueue struct {
	mu     sync.Mutex
	jobs   []string
	closed bool
	signal chan struct{} // buffered, size 1
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		jobs:   make([]string, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an execution ID. Returns false if the queue is closed.
func (q *jobQueue) Enqueue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, id)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front ID without blocking.
func (q *jobQueue) TryDequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return "", false
	}
	id := q.jobs[0]
	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
	}

	// Several workers may share one coalesced signal; pass it on while
	// work remains.
	if len(q.jobs) > 0 {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return id, true
}

// Wait returns a channel that signals when jobs may be available. It is
// closed by Close.
func (q *jobQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued IDs.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops further enqueues and wakes all waiters.
func (q *jobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
