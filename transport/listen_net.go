package transport

import (
	"io"
	"net"
	"sync"
)

// NetListener wraps a net.Listener, or serves connections handed to it by
// another server such as the WebSocket handler.
type NetListener struct {
	net.Listener

	conns chan io.ReadWriteCloser
	err   chan error
	done  chan struct{}
	once  sync.Once
}

func newNetListener(l net.Listener) *NetListener {
	return &NetListener{
		Listener: l,
		conns:    make(chan io.ReadWriteCloser),
		err:      make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// Accept waits for and returns the next connection to the listener. After
// Close it returns io.EOF.
func (l *NetListener) Accept() (io.ReadWriteCloser, error) {
	select {
	case <-l.done:
		return nil, io.EOF
	case err := <-l.err:
		return nil, err
	case conn := <-l.conns:
		return conn, nil
	}
}

// Close closes the listener and unblocks every pending Accept.
func (l *NetListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.Listener.Close()
	})
	return err
}

// handoff passes conn to Accept. It reports false, without closing conn, if
// the listener closed first.
func (l *NetListener) handoff(conn io.ReadWriteCloser) bool {
	select {
	case l.conns <- conn:
		return true
	case <-l.done:
		return false
	}
}

// fail makes the next Accept return err, unless the listener is closed.
func (l *NetListener) fail(err error) {
	select {
	case l.err <- err:
	case <-l.done:
	}
}

func listenNet(proto, addr string) (*NetListener, error) {
	l, err := net.Listen(proto, addr)
	if err != nil {
		return nil, err
	}
	nl := newNetListener(l)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				nl.fail(err)
				return
			}
			if !nl.handoff(conn) {
				conn.Close()
				return
			}
		}
	}()
	return nl, nil
}

// ListenTCP creates a TCP listener at the given address.
func ListenTCP(addr string) (*NetListener, error) {
	return listenNet("tcp", addr)
}

// ListenUnix creates a Unix domain socket listener at the given path.
func ListenUnix(path string) (*NetListener, error) {
	return listenNet("unix", path)
}
