package reactor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrStopped indicates the loop no longer accepts work.
	ErrStopped = errors.New("reactor: loop stopped")
	// ErrAlreadyRunning indicates Run was called twice.
	ErrAlreadyRunning = errors.New("reactor: loop already running")
)

// Loop runs posted functions one at a time, in posting order, on a single
// goroutine. State owned by the loop needs no locking as long as it is only
// touched from posted functions.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	stopped bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	stopOnce sync.Once
}

// New creates a loop. Nothing runs until Run is called.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Post queues fn. It never blocks and reports false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
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

// Call posts fn and waits until it has run.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Timer is a pending AfterFunc.
type Timer struct {
	t       *time.Timer
	stopped bool
}

// Stop prevents the function from running. It must be called from the loop
// and reports whether the call stopped the timer.
func (t *Timer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	t.t.Stop()
	return true
}

// AfterFunc posts fn to the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	timer := &Timer{}
	timer.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if timer.stopped {
				return
			}
			timer.stopped = true
			fn()
		})
	})
	return timer
}

// Run executes posted functions until ctx is done or Stop is called. Work
// still queued at that point is dropped.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.quit:
			return nil
		case <-l.wake:
		}

		for {
			fn := l.next()
			if fn == nil {
				break
			}
			l.execute(fn)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.quit:
				return nil
			default:
			}
		}
	}
}

func (l *Loop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn
}

func (l *Loop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "execute",
				"panic":    fmt.Sprint(r),
				"stack":    string(debug.Stack()),
			}).Error("Recovered panic in event loop callback")
		}
	}()
	fn()
}

// Stop makes Run return after the function currently executing.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
		close(l.quit)
	})
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
