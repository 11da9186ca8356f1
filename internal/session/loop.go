package session

import (
	"context"
	"sync"

	"github.com/podgallery/podgallery/internal/logging"
)

// Poster schedules work on the event loop.
type Poster interface {
	Post(fn func()) bool
}

// Loop runs posted functions one at a time on a single goroutine. All state
// machine mutation happens here, so the state machines need no locks.
// The queue is unbounded: Post never blocks, even when called from the loop itself.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
}

// NewLoop creates an idle loop; call Run to start it.
func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post enqueues fn. It returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do posts fn and waits until it has run. It must not be called from the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return context.Canceled
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes posted functions until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.run(fn)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.closed = true
			l.queue = nil
			l.mu.Unlock()
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// run shields the loop from a panicking handler; the event is lost but dispatch continues.
func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("event handler panicked", logging.Any("panic", r))
		}
	}()
	fn()
}
