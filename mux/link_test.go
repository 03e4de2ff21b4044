package mux

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLinkEnsureSynchronous(t *testing.T) {
	_, link, _ := setupLink(t)
	rec := newRecorder()
	link.Provide(rec)

	called := false
	link.Ensure(func(c Conduit, err error) {
		called = c == rec && err == nil
	})
	if !called {
		t.Fatal("ensure did not run synchronously with a ready conduit")
	}
}

func TestLinkWaitersInOrder(t *testing.T) {
	_, link, _ := setupLink(t)
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		link.Ensure(func(c Conduit, err error) {
			order = append(order, i)
		})
	}
	if len(order) != 0 {
		t.Fatal("waiters ran before a conduit was provided")
	}
	link.Provide(newRecorder())
	if diff := cmp.Diff([]int{0, 1, 2}, order); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestLinkDialsOnce(t *testing.T) {
	l := runLoop(t)
	var dials int32
	peers := make(chan *peer, 2)
	dial := func() (io.ReadWriteCloser, error) {
		atomic.AddInt32(&dials, 1)
		a, b := net.Pipe()
		peers <- newPeer(t, b)
		return a, nil
	}

	ids := make(chan string, 2)
	l.Do(func() {
		link := NewLink(l, dial, testConfig())
		for i := 0; i < 2; i++ {
			ch := NewChannel(link, nil)
			ch.AddEventListener(EventReady, func(ev Event) { ids <- ev.Channel.ID() })
		}
	})

	p := receive(t, peers)
	p.handshake()
	for i := 0; i < 2; i++ {
		open := p.nextControl()
		p.control(Options{"command": "ready", "channel": open.Channel()})
	}
	got := []string{receive(t, ids), receive(t, ids)}
	if diff := cmp.Diff([]string{"1", "2"}, got); diff != "" {
		t.Fatalf("unexpected ready channels (-want +got):\n%s", diff)
	}
	if n := atomic.LoadInt32(&dials); n != 1 {
		t.Fatalf("dialed %d times", n)
	}
}

func TestLinkDialFailure(t *testing.T) {
	l := runLoop(t)
	dial := func() (io.ReadWriteCloser, error) {
		return nil, errors.New("refused")
	}
	closed := make(chan Options, 1)
	l.Do(func() {
		link := NewLink(l, dial, testConfig())
		ch := NewChannel(link, nil)
		ch.AddEventListener(EventClose, func(ev Event) { closed <- ev.Options })
	})
	if got := receive(t, closed); got.Str("problem") != string(ProblemDisconnected) {
		t.Fatalf("unexpected close %v", got)
	}
}

func TestLinkRedialsAfterClose(t *testing.T) {
	l := runLoop(t)
	peers := make(chan *peer, 2)
	dial := func() (io.ReadWriteCloser, error) {
		a, b := net.Pipe()
		peers <- newPeer(t, b)
		return a, nil
	}

	var link *Link
	first := make(chan Options, 1)
	l.Do(func() {
		link = NewLink(l, dial, testConfig())
		ch := NewChannel(link, nil)
		ch.AddEventListener(EventClose, func(ev Event) { first <- ev.Options })
	})
	p1 := receive(t, peers)
	p1.handshake()
	p1.nextControl()
	p1.control(Options{"command": "close", "problem": "terminated"})
	if got := receive(t, first); got.Str("problem") != "terminated" {
		t.Fatalf("unexpected close %v", got)
	}

	l.Do(func() { NewChannel(link, Options{"payload": "null"}) })
	p2 := receive(t, peers)
	p2.handshake()
	if open := p2.nextControl(); open.Str("payload") != "null" || open.Channel() != "1" {
		t.Fatalf("unexpected open %v", open)
	}
}

func TestLinkClose(t *testing.T) {
	_, link, _ := setupLink(t)
	fatal(link.Close(), t)
	var got error
	link.Ensure(func(_ Conduit, err error) { got = err })
	if !errors.Is(got, ErrClosed) {
		t.Fatalf("unexpected error %v", got)
	}
	ch := NewChannel(link, nil)
	if ch.CloseOptions().Str("problem") != string(ProblemTerminated) {
		t.Fatalf("unexpected close options %v", ch.CloseOptions())
	}
}
