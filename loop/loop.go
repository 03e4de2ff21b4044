// Package loop implements the macrotask queue every other package schedules
// work on. A Loop is the single logical thread of a client: promise callbacks,
// channel dispatch and frames read off the network all run as functions queued
// on it, one drain at a time.
package loop

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Loop is a FIFO of pending functions flushed once per drain. Later may be
// called from any goroutine; Drain must only run on one goroutine at a time.
type Loop struct {
	mu        sync.Mutex
	queue     []func()
	scheduled bool

	wake chan struct{}

	onPanic func(any)
	log     zerolog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used for recovered panics.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loop) {
		l.log = logger
	}
}

// WithPanicHandler sets the function receiving values recovered from queued
// functions that panicked.
func WithPanicHandler(fn func(any)) Option {
	return func(l *Loop) {
		l.onPanic = fn
	}
}

// New returns an idle Loop.
func New(opts ...Option) *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		log:  log.Logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.onPanic == nil {
		l.onPanic = func(p any) {
			l.log.Error().
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("loop: uncaught panic in queued function")
		}
	}
	return l
}

// Later appends fn to the queue. If no drain is scheduled yet, exactly one is
// scheduled.
func (l *Loop) Later(fn func()) {
	l.mu.Lock()
	if fn != nil {
		l.queue = append(l.queue, fn)
	}
	schedule := !l.scheduled
	l.scheduled = true
	l.mu.Unlock()

	if schedule {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}

// Drain swaps the queue for an empty one and invokes every function that was
// queued, in order. Functions queued while draining run on the next drain.
// It returns how many functions ran.
func (l *Loop) Drain() int {
	l.mu.Lock()
	queue := l.queue
	l.queue = nil
	l.scheduled = false
	l.mu.Unlock()

	for _, fn := range queue {
		l.invoke(fn)
	}
	return len(queue)
}

// Flush drains until nothing is left queued.
func (l *Loop) Flush() {
	for l.Drain() > 0 {
	}
}

// Pending reports how many functions wait for the next drain.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Run drains whenever work is scheduled until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
			l.Drain()
		}
	}
}

// Do queues fn and blocks until it has run. It must not be called from the
// goroutine running the loop.
func (l *Loop) Do(fn func()) {
	done := make(chan struct{})
	l.Later(func() {
		defer close(done)
		fn()
	})
	<-done
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			l.onPanic(p)
		}
	}()
	fn()
}
