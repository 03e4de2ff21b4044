package mux

import (
	"fmt"
	"io"

	"github.com/progrium/chanmux/loop"
	"github.com/rs/zerolog"
)

// Conduit is what a Channel needs from a transport.
type Conduit interface {
	NextChannel() string
	Register(id string, control ControlFunc, message MessageFunc)
	Unregister(id string)
	SendMessage(payload []byte, id string)
	SendControl(opts Options)
	DefaultHost() string
}

// DialFunc opens the connection a Link runs its transport over.
type DialFunc func() (io.ReadWriteCloser, error)

// Link hands channels a ready Conduit, dialing when there is none. Each
// connection is one epoch: waiters queued during it are answered once, and
// after the transport closes the next Ensure dials again.
type Link struct {
	loop *loop.Loop
	dial DialFunc
	cfg  Config

	current   Conduit
	transport *Transport
	waiters   []func(Conduit, error)
	dialing   bool
	closed    bool

	log zerolog.Logger
}

// NewLink returns a Link dialing with dial and running transports on l.
// A nil dial means connections only come from Attach or Provide.
func NewLink(l *loop.Loop, dial DialFunc, cfg Config) *Link {
	return &Link{
		loop: l,
		dial: dial,
		cfg:  cfg,
		log:  cfg.Logger,
	}
}

// Loop returns the loop channels on this link run on.
func (lk *Link) Loop() *loop.Loop {
	return lk.loop
}

// Config returns the transport configuration of lk.
func (lk *Link) Config() Config {
	return lk.cfg
}

// Transport returns the transport of the current epoch, if any.
func (lk *Link) Transport() *Transport {
	return lk.transport
}

// Ensure calls fn with a ready Conduit. It runs synchronously when one is
// available, otherwise once the pending connection is ready or has failed.
func (lk *Link) Ensure(fn func(Conduit, error)) {
	if lk.closed {
		fn(nil, ErrClosed)
		return
	}
	if lk.current != nil {
		fn(lk.current, nil)
		return
	}
	lk.waiters = append(lk.waiters, fn)
	lk.start()
}

func (lk *Link) start() {
	if lk.dialing || lk.transport != nil || lk.dial == nil {
		return
	}
	lk.dialing = true
	dial := lk.dial
	go func() {
		conn, err := dial()
		lk.loop.Later(func() {
			lk.dialing = false
			if err != nil {
				lk.log.Debug().Err(err).Msg("mux: dial failed")
				lk.Fail(fmt.Errorf("mux: dial: %w", err))
				return
			}
			if lk.closed {
				conn.Close()
				return
			}
			lk.Attach(conn)
		})
	}()
}

// Attach starts a transport over conn as the current epoch. Waiters are
// answered once the peer's init arrives.
func (lk *Link) Attach(conn io.ReadWriteCloser) *Transport {
	t := New(lk.loop, conn, lk.cfg)
	lk.transport = t
	t.OnReady(func(t *Transport) {
		if lk.transport == t {
			lk.Provide(t)
		}
	})
	t.OnClose(func(t *Transport, problem Problem) {
		if lk.transport != t {
			return
		}
		lk.transport = nil
		lk.current = nil
		lk.Fail(&CloseError{Problem: string(problem)})
	})
	return t
}

// Provide makes c the conduit of the current epoch and answers every waiter
// in the order they called Ensure.
func (lk *Link) Provide(c Conduit) {
	lk.current = c
	waiters := lk.waiters
	lk.waiters = nil
	for _, fn := range waiters {
		fn(c, nil)
	}
}

// Fail answers every waiter with err.
func (lk *Link) Fail(err error) {
	waiters := lk.waiters
	lk.waiters = nil
	for _, fn := range waiters {
		fn(nil, err)
	}
}

// Close closes the current transport and fails future Ensure calls.
func (lk *Link) Close() error {
	if lk.closed {
		return nil
	}
	lk.closed = true
	var err error
	if lk.transport != nil {
		err = lk.transport.Close(ProblemTerminated)
	}
	lk.current = nil
	lk.Fail(ErrClosed)
	return err
}
