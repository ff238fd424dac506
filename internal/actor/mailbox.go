package actor

import "sync"

// task is one unit of serialized work plus its completion signal.
type task struct {
	run  func()
	done chan struct{}
}

// mailbox is a thread-safe FIFO queue of tasks for one ObjectID.
//
// Thread-safety is provided for external enqueuing (any caller goroutine)
// while the owning context goroutine dequeues.
//
// The queue uses a channel for signaling to enable timer-aware waiting in
// the context loop (idle eviction and shutdown both need select).
type mailbox struct {
	mu     sync.Mutex
	tasks  []task
	closed bool
	signal chan struct{} // Signals task availability (buffered, size 1)
}

func newMailbox() *mailbox {
	return &mailbox{
		tasks:  make([]task, 0, 8),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a task to the back of the queue.
// Returns false if the mailbox is closed.
func (m *mailbox) Enqueue(t task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	m.tasks = append(m.tasks, t)

	// Non-blocking signal - buffer of 1 coalesces multiple signals
	select {
	case m.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (task{}, false) if the queue is empty.
func (m *mailbox) TryDequeue() (task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.tasks) == 0 {
		return task{}, false
	}

	t := m.tasks[0]

	// Nil out the slot so the underlying array doesn't retain the task's
	// closures until reallocation.
	m.tasks[0] = task{}

	if len(m.tasks) == 1 {
		m.tasks = m.tasks[:0]
	} else {
		m.tasks = m.tasks[1:]
	}

	return t, true
}

// Wait returns the availability signal channel for use in select.
func (m *mailbox) Wait() <-chan struct{} {
	return m.signal
}

// Len returns the current queue length.
func (m *mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Close marks the mailbox closed and wakes any waiter.
func (m *mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.signal)
}
