package netstack

import (
	"log/slog"
	"sync"
)

// Executor runs request callbacks. Execute reports false when the task was
// rejected and will never run.
type Executor interface {
	Execute(task func()) bool
}

// SerialExecutor runs tasks one at a time, in submission order, on a single
// worker goroutine. Execute never blocks; the queue is unbounded.
type SerialExecutor struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
	logger *slog.Logger
}

// NewSerialExecutor starts the worker goroutine. Call Close to stop it.
func NewSerialExecutor(logger *slog.Logger) *SerialExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &SerialExecutor{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go e.run()
	return e
}

// Execute queues task. Tasks submitted after Close are rejected.
func (e *SerialExecutor) Execute(task func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.logger.Debug("executor closed, rejecting task")
		return false
	}
	e.queue = append(e.queue, task)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting tasks, runs what is already queued and waits for the
// worker to exit. It is safe to call more than once, but not from a task.
func (e *SerialExecutor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	<-e.done
}

func (e *SerialExecutor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			if e.closed {
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
			<-e.wake
			continue
		}
		task := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.runTask(task)
	}
}

func (e *SerialExecutor) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("executor task panicked", "panic", r)
		}
	}()
	task()
}
