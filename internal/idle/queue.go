// Package idle is the single serialization point for document mutations.
// Producers on any goroutine enqueue Actions; the host's idle tick drains them
// one at a time on its own thread.
package idle

import (
	"fmt"
	"log/slog"
	"sync"
)

// Queue is a cooperative FIFO of Actions. It never runs two actions at once
// and performs no I/O of its own.
type Queue struct {
	mu       sync.Mutex
	running  sync.Mutex
	items    []*Action
	queued   map[string]struct{}
	hadItems bool

	onCompleted func()
	onDepth     func(int)
	logger      *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithOnCompleted sets the callback fired once each time the queue drains to
// empty after holding at least one action.
func WithOnCompleted(fn func()) Option {
	return func(q *Queue) { q.onCompleted = fn }
}

// WithDepthObserver is called with the queue length after every change.
func WithDepthObserver(fn func(int)) Option {
	return func(q *Queue) { q.onDepth = fn }
}

func NewQueue(logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		queued: make(map[string]struct{}),
		logger: logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// AddAction enqueues a. It returns false when a has already run or when an
// action with the same non-empty name is still queued.
func (q *Queue) AddAction(a *Action) bool {
	if a == nil || a.Invoked() {
		return false
	}

	q.mu.Lock()
	if a.name != "" {
		if _, ok := q.queued[a.name]; ok {
			q.mu.Unlock()
			return false
		}
		q.queued[a.name] = struct{}{}
	}
	q.items = append(q.items, a)
	q.hadItems = true
	depth := len(q.items)
	q.mu.Unlock()

	q.observe(depth)
	return true
}

// RunNextAction dequeues and invokes exactly one action. It returns false
// when the queue was empty or another caller is already running an action,
// which also makes a reentrant call from inside an action a no-op.
func (q *Queue) RunNextAction() bool {
	if !q.running.TryLock() {
		return false
	}
	defer q.running.Unlock()

	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return false
	}
	a := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if a.name != "" {
		delete(q.queued, a.name)
	}
	q.mu.Unlock()

	q.invoke(a)

	q.mu.Lock()
	depth := len(q.items)
	drained := depth == 0 && q.hadItems
	if drained {
		q.hadItems = false
	}
	q.mu.Unlock()

	q.observe(depth)
	if drained && q.onCompleted != nil {
		q.onCompleted()
	}
	return true
}

// Drain runs actions until the queue is empty, including actions enqueued
// by the actions it runs. It returns how many ran.
func (q *Queue) Drain() int {
	n := 0
	for q.RunNextAction() {
		n++
	}
	return n
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) invoke(a *Action) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("idle action panicked", "action", a.name, "error", fmt.Sprint(r))
		}
	}()
	a.Invoke()
}

func (q *Queue) observe(depth int) {
	if q.onDepth != nil {
		q.onDepth(depth)
	}
}
