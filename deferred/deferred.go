// Package deferred implements the promise primitive used to sequence every
// asynchronous outcome over a transport.
//
// It follows jQuery's deferred API (done, fail, always, progress) on top of a
// then/catch/finally core, with two deliberate differences from standard
// promises:
//
//   - A panic inside a handler is not turned into a rejection. It escapes to
//     the scheduler's panic handler and the child promise stays pending.
//   - Handlers added to an already settled promise do not run immediately.
//     They run on a later drain of the scheduler, so a handler never runs
//     before the function registering it returns.
//
// A Deferred and its Promise belong to the goroutine draining its Scheduler
// and are not safe for concurrent use.
package deferred

import "errors"

// Status of a promise. Once it leaves Pending it never changes again, except
// that Resolving moves on to Resolved or Rejected when the followed thenable
// settles.
type Status int

const (
	Resolving Status = -1
	Pending   Status = 0
	Resolved  Status = 1
	Rejected  Status = 2
)

// ErrSelfResolution is the panic value raised when a deferred is resolved with
// its own promise.
var ErrSelfResolution = errors.New("deferred: expected promise to not resolve with itself")

// Scheduler queues functions to run later. *loop.Loop implements it.
type Scheduler interface {
	Later(fn func())
}

// Handler receives settlement values. Its return value resolves the child
// promise created by Then; returning a Thenable makes the child follow it.
type Handler func(values ...any) any

// ProgressHandler receives values passed to Notify.
type ProgressHandler func(values ...any)

// Thenable is anything a promise can follow.
type Thenable interface {
	Then(fulfilled, rejected Handler, progress ProgressHandler) *Promise
}

type subscription struct {
	child     *Deferred
	fulfilled Handler
	rejected  Handler
	progress  ProgressHandler
}

type state struct {
	sched     Scheduler
	status    Status
	values    []any
	pending   []subscription
	scheduled bool
	promise   *Promise
}

// Deferred holds the settlement state of Promise and exposes the functions
// settling it.
type Deferred struct {
	Promise *Promise

	s *state
}

// New returns a pending Deferred whose callbacks are delivered through s.
func New(s Scheduler) *Deferred {
	if s == nil {
		panic("deferred: nil scheduler")
	}
	st := &state{sched: s}
	st.promise = &Promise{s: st}
	return &Deferred{Promise: st.promise, s: st}
}

// Resolve settles the promise with values. If the first value is a Thenable
// the promise follows it instead. Calls after the first settlement are
// ignored. Resolving a deferred with its own promise, or with a value the
// promise is attached to, panics.
func (d *Deferred) Resolve(values ...any) *Deferred {
	if len(values) > 0 {
		if h, ok := values[0].(interface{ Promise() *Promise }); ok {
			if p := h.Promise(); p != nil && p.s == d.s {
				panic(ErrSelfResolution)
			}
		}
	}
	if d.s.status == Pending {
		d.s.resolve(values)
	}
	return d
}

// Reject settles the promise as rejected. Calls after the first settlement,
// or while following a thenable, are ignored.
func (d *Deferred) Reject(values ...any) *Deferred {
	if d.s.status != Pending {
		return d
	}
	d.s.reject(values)
	return d
}

// Notify delivers values to the progress handlers registered so far. It is
// ignored once the promise settled.
func (d *Deferred) Notify(values ...any) *Deferred {
	d.s.notify(values)
	return d
}

func asThenable(v any) (Thenable, bool) {
	switch t := v.(type) {
	case *Promise:
		return t, t != nil
	case Thenable:
		return t, t != nil
	}
	return nil, false
}

func (s *state) resolve(values []any) {
	if len(values) > 0 {
		if t, ok := asThenable(values[0]); ok {
			s.status = Resolving
			done := false
			t.Then(func(inner ...any) any {
				if !done {
					done = true
					s.resolve(inner)
				}
				return nil
			}, func(inner ...any) any {
				if !done {
					done = true
					s.reject(inner)
				}
				return nil
			}, func(inner ...any) {
				s.notify(inner)
			})
			return
		}
	}
	s.values = values
	s.status = Resolved
	s.schedule()
}

func (s *state) reject(values []any) {
	s.values = values
	s.status = Rejected
	s.schedule()
}

func (s *state) notify(values []any) {
	if s.status > Pending || len(s.pending) == 0 {
		return
	}
	subs := s.pending
	s.sched.Later(func() {
		for _, sub := range subs {
			if sub.progress != nil {
				sub.progress(values...)
			}
			sub.child.Notify(values...)
		}
	})
}

func (s *state) schedule() {
	if s.scheduled || len(s.pending) == 0 {
		return
	}
	s.scheduled = true
	s.sched.Later(s.process)
}

// process runs every pending subscription against the settled values as
// one batch.
func (s *state) process() {
	subs := s.pending
	s.pending = nil
	s.scheduled = false

	i := 0
	defer func() {
		// a handler panicked: keep the ones after it for the next drain
		if i < len(subs) {
			s.pending = append(subs[i+1:len(subs):len(subs)], s.pending...)
			s.schedule()
		}
	}()

	for ; i < len(subs); i++ {
		sub := subs[i]
		fn := sub.fulfilled
		if s.status == Rejected {
			fn = sub.rejected
		}
		switch {
		case fn != nil:
			sub.child.Resolve(fn(s.values...))
		case s.status == Resolved:
			sub.child.Resolve(s.values...)
		default:
			sub.child.Reject(s.values...)
		}
	}
}
