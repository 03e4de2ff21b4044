package bridge

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/progrium/chanmux/codec"
	"github.com/progrium/chanmux/loop"
	"github.com/progrium/chanmux/mux"
	"github.com/progrium/chanmux/transport"
	"github.com/rs/zerolog"
)

func TestEchoOverTCP(t *testing.T) {
	for _, name := range []string{"json", "cbor"} {
		t.Run(name, func(t *testing.T) {
			c, err := codec.ByName(name)
			fatal(err, t)
			l, err := transport.ListenTCP("127.0.0.1:0")
			fatal(err, t)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			cfg := testConfig()
			cfg.Codec = c
			srv := &Server{Config: cfg}
			go srv.Serve(ctx, l)

			lp := loop.New(loop.WithLogger(zerolog.Nop()))
			go lp.Run(ctx)

			mcfg := mux.DefaultConfig()
			mcfg.Codec = c
			mcfg.Logger = zerolog.Nop()
			addr := l.Addr().String()
			dial := func() (io.ReadWriteCloser, error) {
				return transport.DialTCP(addr)
			}

			got := make(chan string, 4)
			closed := make(chan mux.Options, 1)
			lp.Do(func() {
				link := mux.NewLink(lp, dial, mcfg)
				ch := mux.NewChannel(link, mux.Options{"payload": "echo"})
				ch.AddEventListener(mux.EventMessage, func(ev mux.Event) { got <- ev.Text() })
				ch.AddEventListener(mux.EventClose, func(ev mux.Event) { closed <- ev.Options })
				ch.Wait(nil).Done(func(...any) {
					ch.Send("hello")
					ch.Control(mux.Options{"command": "done"})
				})
			})

			select {
			case msg := <-got:
				if msg != "hello" {
					t.Fatalf("unexpected echo %q", msg)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("timed out waiting for echo")
			}
			select {
			case opts := <-closed:
				if err := opts.Err(); err != nil {
					t.Fatalf("unexpected close error %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("timed out waiting for close")
			}
		})
	}
}
