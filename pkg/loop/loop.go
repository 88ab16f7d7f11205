// Package loop provides the single scheduling thread components run on: a
// real event loop driven by a clock, a simulated loop for tests, and a
// debouncer built on either.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/shaneisley/cuedelay/pkg/logging"
)

// ErrStopped is returned when work is posted to a loop that is no longer running
var ErrStopped = errors.New("loop: stopped")

// defaultTaskBufSize is the capacity of the task channel feeding the loop goroutine.
const defaultTaskBufSize = 256

// Handle identifies a deferred callback so it can be removed before it runs.
// The zero Handle never identifies a callback.
type Handle uint64

// Looper is the scheduling thread seen by components that run on it: a
// monotonic clock plus a deferred-callback primitive. Implementations are
// not required to be goroutine-safe for callers outside the loop.
type Looper interface {
	// Now returns the current loop time.
	Now() time.Time

	// PostDelayed schedules fn to run on the loop after delay.
	// A non-positive delay runs fn on a later loop turn, never inline.
	PostDelayed(delay time.Duration, fn func()) (Handle, error)

	// Remove cancels a callback registered with PostDelayed. It reports
	// whether the callback was still outstanding. A removed callback never runs.
	Remove(h Handle) bool
}

// EventLoop runs posted tasks one at a time on a dedicated goroutine.
type EventLoop struct {
	clock  clock.Clock
	logger *logging.Logger

	tasks chan func()

	mu      sync.Mutex
	timers  map[Handle]*clock.Timer
	next    Handle
	stopped bool

	done     chan struct{}
	stopOnce sync.Once
}

// New creates an event loop reading time from clk. A nil clk uses the wall clock.
func New(clk clock.Clock, logger *logging.Logger) *EventLoop {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.Discard()
	}

	return &EventLoop{
		clock:  clk,
		logger: logger.WithComponent("loop"),
		tasks:  make(chan func(), defaultTaskBufSize),
		timers: make(map[Handle]*clock.Timer),
		done:   make(chan struct{}),
	}
}

// Run executes tasks until ctx is cancelled or Stop is called.
func (l *EventLoop) Run(ctx context.Context) error {
	l.logger.Debug("event loop started")
	defer l.logger.Debug("event loop stopped")

	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.done:
			return nil
		case task := <-l.tasks:
			task()
		}
	}
}

// Stop stops the loop and cancels every outstanding timer. Safe to call more than once.
func (l *EventLoop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		for h, t := range l.timers {
			t.Stop()
			delete(l.timers, h)
		}
		l.mu.Unlock()
		close(l.done)
	})
}

// Done is closed once the loop has stopped
func (l *EventLoop) Done() <-chan struct{} {
	return l.done
}

// Now returns the loop clock's current time
func (l *EventLoop) Now() time.Time {
	return l.clock.Now()
}

// Post queues fn to run on the loop goroutine. It must not be called from
// the loop goroutine while the task buffer is full.
func (l *EventLoop) Post(fn func()) error {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Call runs fn on the loop goroutine and waits for it to return.
func (l *EventLoop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// PostDelayed schedules fn on the loop after delay
func (l *EventLoop) PostDelayed(delay time.Duration, fn func()) (Handle, error) {
	if delay < 0 {
		delay = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return 0, fmt.Errorf("failed to schedule callback in %s: %w", delay, ErrStopped)
	}

	l.next++
	h := l.next
	l.timers[h] = l.clock.AfterFunc(delay, func() {
		if err := l.Post(func() { l.fire(h, fn) }); err != nil {
			l.logger.Debug("dropping expired callback", "handle", uint64(h), "error", err)
		}
	})

	return h, nil
}

// fire runs fn unless its handle was removed after the timer expired.
func (l *EventLoop) fire(h Handle, fn func()) {
	l.mu.Lock()
	_, outstanding := l.timers[h]
	delete(l.timers, h)
	l.mu.Unlock()

	if outstanding {
		fn()
	}
}

// Remove cancels a delayed callback
func (l *EventLoop) Remove(h Handle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.timers[h]
	if !ok {
		return false
	}
	t.Stop()
	delete(l.timers, h)
	return true
}

// Outstanding returns the number of delayed callbacks that have not run yet
func (l *EventLoop) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

var _ Looper = (*EventLoop)(nil)
