package deferred

// Promise is the read side of a Deferred.
type Promise struct {
	s *state
}

// Attacher receives a promise, for values that want to expose promise
// methods alongside their own (typically by embedding *Promise).
type Attacher interface {
	SetPromise(p *Promise)
}

func (p *Promise) then(fulfilled, rejected Handler, progress ProgressHandler) *Promise {
	child := New(p.s.sched)
	p.s.pending = append(p.s.pending, subscription{
		child:     child,
		fulfilled: fulfilled,
		rejected:  rejected,
		progress:  progress,
	})
	if p.s.status > Pending {
		p.s.schedule()
	}
	return child.Promise
}

// Then registers handlers and returns a promise for the result of the one
// that runs. A branch without a handler passes the original values through,
// so Then(nil, nil, nil) returns a child settling like p.
func (p *Promise) Then(fulfilled, rejected Handler, progress ProgressHandler) *Promise {
	return p.then(fulfilled, rejected, progress)
}

// Catch is Then with only a rejection handler.
func (p *Promise) Catch(rejected Handler) *Promise {
	return p.Then(nil, rejected, nil)
}

// Finally calls fn without arguments once the promise settles. The returned
// promise settles like p, after the Thenable fn returns (if any) resolved. If
// that thenable rejects, its values become the rejection.
func (p *Promise) Finally(fn func() any) *Promise {
	if fn == nil {
		return p
	}
	return p.Then(func(values ...any) any {
		return p.s.finally(values, fn, false)
	}, func(values ...any) any {
		return p.s.finally(values, fn, true)
	}, nil)
}

func (s *state) finally(values []any, fn func() any, rejected bool) any {
	d := New(s.sched)
	settle := func() {
		if rejected {
			d.Reject(values...)
		} else {
			d.Resolve(values...)
		}
	}
	if t, ok := asThenable(fn()); ok {
		t.Then(func(...any) any {
			settle()
			return nil
		}, func(reason ...any) any {
			d.Reject(reason...)
			return nil
		}, nil)
	} else {
		settle()
	}
	return d.Promise
}

// Done adds a fulfillment callback and returns p.
func (p *Promise) Done(fn func(values ...any)) *Promise {
	if fn != nil {
		p.then(discard(fn), nil, nil)
	}
	return p
}

// Fail adds a rejection callback and returns p.
func (p *Promise) Fail(fn func(values ...any)) *Promise {
	if fn != nil {
		p.then(nil, discard(fn), nil)
	}
	return p
}

// Always adds a callback for either outcome and returns p.
func (p *Promise) Always(fn func(values ...any)) *Promise {
	if fn != nil {
		h := discard(fn)
		p.then(h, h, nil)
	}
	return p
}

// Progress adds a progress callback and returns p.
func (p *Promise) Progress(fn ProgressHandler) *Promise {
	if fn != nil {
		p.then(nil, nil, fn)
	}
	return p
}

// State is "pending", "resolved" or "rejected". A promise following another
// one is still pending.
func (p *Promise) State() string {
	switch p.s.status {
	case Resolved:
		return "resolved"
	case Rejected:
		return "rejected"
	default:
		return "pending"
	}
}

// Status returns the numeric settlement status.
func (p *Promise) Status() Status {
	return p.s.status
}

// Values returns a copy of the settlement values, or nil while pending.
func (p *Promise) Values() []any {
	if p.s.status <= Pending {
		return nil
	}
	return append([]any(nil), p.s.values...)
}

// Promise returns p. Promises are recursive, so anything holding one can be
// treated as one.
func (p *Promise) Promise() *Promise {
	return p
}

// AttachTo hands p to target.
func (p *Promise) AttachTo(target Attacher) {
	target.SetPromise(p)
}

func discard(fn func(values ...any)) Handler {
	return func(values ...any) any {
		fn(values...)
		return nil
	}
}

// When returns a promise resolved with values, following the first one if it
// is a Thenable.
func When(s Scheduler, values ...any) *Promise {
	return New(s).Resolve(values...).Promise
}

// Reject returns a promise rejected with values.
func Reject(s Scheduler, values ...any) *Promise {
	return New(s).Reject(values...).Promise
}

// All resolves with the first value of every promise, in argument order, once
// all of them resolved. It rejects as soon as one of them rejects.
func All(s Scheduler, promises ...*Promise) *Promise {
	d := New(s)
	if len(promises) == 0 {
		d.Resolve([]any{})
		return d.Promise
	}
	results := make([]any, len(promises))
	remaining := len(promises)
	for i, p := range promises {
		i := i
		p.Then(func(values ...any) any {
			if len(values) > 0 {
				results[i] = values[0]
			}
			remaining--
			if remaining == 0 {
				d.Resolve(results)
			}
			return nil
		}, func(values ...any) any {
			d.Reject(values...)
			return nil
		}, nil)
	}
	return d.Promise
}
