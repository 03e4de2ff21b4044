package bridge

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/progrium/chanmux/transport"
)

// Server accepts connections and serves each with its own Bridge.
type Server struct {
	Config Config

	// Setup, if set, is called on every new Bridge before it serves, to
	// register additional handlers.
	Setup func(*Bridge)
}

// Serve accepts connections until the listener is closed or ctx is done,
// serving each in its own goroutine.
func (s *Server) Serve(ctx context.Context, l transport.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	log := s.Config.Logger
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			b := New(conn, s.Config)
			if s.Setup != nil {
				s.Setup(b)
			}
			if err := b.Serve(ctx); err != nil {
				log.Warn().Err(err).Msg("bridge: connection ended")
			}
		}()
	}
}
