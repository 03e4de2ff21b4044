package transport

import (
	"io"
	"net"
	"os"

	"github.com/hashicorp/go-multierror"
)

// DialIO joins a WriteCloser and a ReadCloser into one connection.
func DialIO(out io.WriteCloser, in io.ReadCloser) (io.ReadWriteCloser, error) {
	return &ioduplex{out, in}, nil
}

// DialStdio uses Stdout and Stdin as the connection.
func DialStdio() (io.ReadWriteCloser, error) {
	return DialIO(os.Stdout, os.Stdin)
}

type ioduplex struct {
	io.WriteCloser
	io.ReadCloser
}

// Close closes both halves, reporting every failure.
func (d *ioduplex) Close() error {
	var errs *multierror.Error
	if err := d.WriteCloser.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := d.ReadCloser.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// ioListener hands out a single connection.
type ioListener struct {
	conn   io.ReadWriteCloser
	served chan struct{}
	closed chan struct{}
}

// Accept returns the wrapped connection once, then blocks until Close.
func (l *ioListener) Accept() (io.ReadWriteCloser, error) {
	select {
	case <-l.closed:
		return nil, io.EOF
	default:
	}
	select {
	case <-l.served:
		<-l.closed
		return nil, io.EOF
	default:
		close(l.served)
		return l.conn, nil
	}
}

func (l *ioListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *ioListener) Addr() net.Addr {
	return nil
}

// ListenIO returns a Listener whose only connection joins out and in.
// Accept must not be called concurrently.
func ListenIO(out io.WriteCloser, in io.ReadCloser) (Listener, error) {
	return &ioListener{
		conn:   &ioduplex{out, in},
		served: make(chan struct{}),
		closed: make(chan struct{}),
	}, nil
}

// ListenStdio is a convenience for calling ListenIO with Stdout and Stdin.
func ListenStdio() (Listener, error) {
	return ListenIO(os.Stdout, os.Stdin)
}
